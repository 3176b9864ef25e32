package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type meetingEvent struct {
	Meeting *domain.Meeting `json:"meeting"`
}

type meetingJoined struct {
	Meeting      *domain.Meeting `json:"meeting"`
	Participants []domain.Member `json:"participants"`
}

type meetingParticipant struct {
	MeetingID   domain.MeetingID `json:"meetingId"`
	Participant domain.Member    `json:"participant"`
}

type meetingEnded struct {
	MeetingID domain.MeetingID `json:"meetingId"`
}

type meetingToggle struct {
	MeetingID   domain.MeetingID `json:"meetingId"`
	Participant domain.Member    `json:"participant"`
	Media       string           `json:"media"`
	Enabled     bool             `json:"enabled"`
}

// MeetingRef points at a meeting either by id or by its share link token.
type MeetingRef struct {
	ID        domain.MeetingID
	LinkToken string
}

// MeetingManager keeps the live overlay of connected handles on top of the
// durable meeting document. Capacity applies to the overlay; the roster
// decides who may join.
type MeetingManager struct {
	store core.MeetingStore
	notes core.NotificationStore
	reg   *Registry
	relay *Relay
	locks *KeyedMutex
	now   func() time.Time

	mu       sync.RWMutex
	live     map[domain.MeetingID][]domain.Member
	byHandle map[domain.HandleID]map[domain.MeetingID]struct{}
}

func NewMeetingManager(store core.MeetingStore, notes core.NotificationStore, reg *Registry, relay *Relay, locks *KeyedMutex) *MeetingManager {
	return &MeetingManager{
		store:    store,
		notes:    notes,
		reg:      reg,
		relay:    relay,
		locks:    locks,
		now:      time.Now,
		live:     make(map[domain.MeetingID][]domain.Member),
		byHandle: make(map[domain.HandleID]map[domain.MeetingID]struct{}),
	}
}

func meetingKey(id domain.MeetingID) string { return "meeting:" + string(id) }

// Create stores a new meeting and notifies the invitees.
func (m *MeetingManager) Create(ctx context.Context, p domain.NewMeetingParams) (*domain.Meeting, error) {
	meeting, err := domain.NewMeeting(p, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateMeeting(ctx, meeting); err != nil {
		log.Error().Err(err).Str("module", "app.meeting").Msg("create meeting")
		return nil, upstream("create meeting", err)
	}
	for _, part := range meeting.Participants {
		if part.UserID == meeting.CreatorID {
			continue
		}
		m.notify(ctx, part.UserID, domain.NotifyMeetingInvite, fmt.Sprintf("You are invited to %q", meeting.Title), meeting.ID)
	}
	log.Info().Str("module", "app.meeting").Str("meeting", string(meeting.ID)).Str("creator", string(meeting.CreatorID)).Int("invited", len(meeting.Participants)-1).Msg("meeting created")
	return meeting, nil
}

// Get returns a meeting visible to user: the creator or anyone on the roster.
func (m *MeetingManager) Get(ctx context.Context, user domain.UserID, ref MeetingRef) (*domain.Meeting, error) {
	meeting, err := m.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !meeting.CanJoin(user) {
		return nil, fmt.Errorf("meeting %s: %w", meeting.ID, domain.ErrForbidden)
	}
	return meeting, nil
}

// Start moves a scheduled meeting to ongoing and tells the whole roster,
// decliners included, since a decline can still be reversed.
func (m *MeetingManager) Start(ctx context.Context, actor domain.Member, id domain.MeetingID) (*domain.Meeting, error) {
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	meeting, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !meeting.IsCreator(actor.User.ID) {
		return nil, fmt.Errorf("start meeting %s: %w", id, domain.ErrForbidden)
	}
	if meeting.Status == domain.MeetingOngoing {
		return meeting, nil
	}
	if !meeting.CanTransition(domain.MeetingOngoing) {
		return nil, fmt.Errorf("meeting %s is %s: %w", id, meeting.Status, domain.ErrNotFound)
	}
	meeting.Status = domain.MeetingOngoing
	persistErr := m.store.UpdateMeetingStatus(ctx, id, domain.MeetingOngoing)

	ev := core.NewEvent("meeting.started", meetingEvent{Meeting: meeting})
	m.reg.SendToUser(meeting.CreatorID, ev)
	for _, part := range meeting.Participants {
		if part.UserID == meeting.CreatorID {
			continue
		}
		m.reg.SendToUser(part.UserID, ev)
		m.notify(ctx, part.UserID, domain.NotifyMeetingStarted, fmt.Sprintf("%q has started", meeting.Title), id)
	}
	log.Info().Str("module", "app.meeting").Str("meeting", string(id)).Msg("meeting started")
	if persistErr != nil {
		log.Error().Err(persistErr).Str("module", "app.meeting").Str("meeting", string(id)).Msg("persist meeting status")
		return meeting, upstream("start meeting", persistErr)
	}
	return meeting, nil
}

// Join connects a handle to a meeting's live overlay.
func (m *MeetingManager) Join(ctx context.Context, member domain.Member, ref MeetingRef) (*domain.Meeting, []domain.Member, error) {
	id := ref.ID
	if id == "" {
		meeting, err := m.resolve(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		id = meeting.ID
	}

	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	meeting, err := m.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !meeting.CanJoin(member.User.ID) {
		return nil, nil, fmt.Errorf("join meeting %s: %w", id, domain.ErrForbidden)
	}
	if !meeting.Available() {
		return nil, nil, fmt.Errorf("meeting %s is %s: %w", id, meeting.Status, domain.ErrNotFound)
	}

	m.mu.Lock()
	members := m.live[id]
	for _, x := range members {
		if x.User.ID != member.User.ID {
			continue
		}
		m.mu.Unlock()
		if x.Handle == member.Handle {
			return meeting, copyMembers(members), nil
		}
		return nil, nil, fmt.Errorf("already in meeting %s from another device: %w", id, domain.ErrConflict)
	}
	if len(members) >= meeting.MaxParticipants {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("meeting %s has %d participants: %w", id, len(members), domain.ErrCapacity)
	}
	existing := copyMembers(members)
	m.live[id] = append(members, member)
	m.indexLocked(member.Handle, id)
	roster := copyMembers(m.live[id])
	m.mu.Unlock()

	persistErr := m.store.UpsertParticipantStatus(ctx, id, member.User.ID, domain.ParticipantJoined)
	meeting.SetParticipantStatus(member.User.ID, domain.ParticipantJoined, m.now())

	m.reg.SendToHandle(member.Handle, core.NewEvent("meeting.joined", meetingJoined{Meeting: meeting, Participants: roster}))
	joined := core.NewEvent("meeting.participantJoined", meetingParticipant{MeetingID: id, Participant: member})
	for _, x := range existing {
		m.reg.SendToHandle(x.Handle, joined)
	}
	log.Info().Str("module", "app.meeting").Str("meeting", string(id)).Str("user", string(member.User.ID)).Int("live", len(roster)).Msg("joined meeting")
	if persistErr != nil {
		log.Error().Err(persistErr).Str("module", "app.meeting").Str("meeting", string(id)).Msg("persist participant joined")
		return meeting, roster, upstream("join meeting", persistErr)
	}
	return meeting, roster, nil
}

// Leave removes a handle from the overlay and records the participant as left.
// A handle that is not live in the meeting is a no-op.
func (m *MeetingManager) Leave(ctx context.Context, member domain.Member, id domain.MeetingID) error {
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	remaining, ok := m.removeLive(member.Handle, id)
	if !ok {
		return nil
	}
	left := core.NewEvent("meeting.participantLeft", meetingParticipant{MeetingID: id, Participant: member})
	for _, x := range remaining {
		m.reg.SendToHandle(x.Handle, left)
	}
	log.Info().Str("module", "app.meeting").Str("meeting", string(id)).Str("user", string(member.User.ID)).Msg("left meeting")
	if err := m.store.UpsertParticipantStatus(ctx, id, member.User.ID, domain.ParticipantLeft); err != nil {
		log.Error().Err(err).Str("module", "app.meeting").Str("meeting", string(id)).Msg("persist participant left")
		return upstream("leave meeting", err)
	}
	return nil
}

// End completes an ongoing meeting and forces everyone out of the overlay.
func (m *MeetingManager) End(ctx context.Context, actor domain.Member, id domain.MeetingID) error {
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	meeting, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !meeting.IsCreator(actor.User.ID) {
		return fmt.Errorf("end meeting %s: %w", id, domain.ErrForbidden)
	}
	if meeting.Status == domain.MeetingCompleted {
		return nil
	}
	if !meeting.CanTransition(domain.MeetingCompleted) {
		return fmt.Errorf("meeting %s is %s: %w", id, meeting.Status, domain.ErrConflict)
	}
	persistErr := m.store.UpdateMeetingStatus(ctx, id, domain.MeetingCompleted)

	m.mu.Lock()
	members := m.live[id]
	delete(m.live, id)
	for _, x := range members {
		m.unindexLocked(x.Handle, id)
	}
	m.mu.Unlock()

	ev := core.NewEvent("meeting.ended", meetingEnded{MeetingID: id})
	actorLive := false
	for _, x := range members {
		m.reg.SendToHandle(x.Handle, ev)
		actorLive = actorLive || x.Handle == actor.Handle
		if err := m.store.UpsertParticipantStatus(ctx, id, x.User.ID, domain.ParticipantLeft); err != nil {
			log.Error().Err(err).Str("module", "app.meeting").Str("meeting", string(id)).Str("user", string(x.User.ID)).Msg("persist participant left")
		}
	}
	if !actorLive {
		m.reg.SendToHandle(actor.Handle, ev)
	}
	log.Info().Str("module", "app.meeting").Str("meeting", string(id)).Int("evicted", len(members)).Msg("meeting ended")
	if persistErr != nil {
		log.Error().Err(persistErr).Str("module", "app.meeting").Str("meeting", string(id)).Msg("persist meeting status")
		return upstream("end meeting", persistErr)
	}
	return nil
}

// Cancel calls off a meeting that has not started yet.
func (m *MeetingManager) Cancel(ctx context.Context, actor domain.Member, id domain.MeetingID) error {
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	meeting, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !meeting.IsCreator(actor.User.ID) {
		return fmt.Errorf("cancel meeting %s: %w", id, domain.ErrForbidden)
	}
	if meeting.Status == domain.MeetingCancelled {
		return nil
	}
	if !meeting.CanTransition(domain.MeetingCancelled) {
		return fmt.Errorf("meeting %s is %s: %w", id, meeting.Status, domain.ErrConflict)
	}
	if err := m.store.UpdateMeetingStatus(ctx, id, domain.MeetingCancelled); err != nil {
		log.Error().Err(err).Str("module", "app.meeting").Str("meeting", string(id)).Msg("persist meeting status")
		return upstream("cancel meeting", err)
	}
	meeting.Status = domain.MeetingCancelled

	ev := core.NewEvent("meeting.cancelled", meetingEvent{Meeting: meeting})
	m.reg.SendToUser(meeting.CreatorID, ev)
	for _, part := range meeting.Participants {
		if part.UserID == meeting.CreatorID {
			continue
		}
		m.reg.SendToUser(part.UserID, ev)
		m.notify(ctx, part.UserID, domain.NotifyMeetingCancel, fmt.Sprintf("%q was cancelled", meeting.Title), id)
	}
	log.Info().Str("module", "app.meeting").Str("meeting", string(id)).Msg("meeting cancelled")
	return nil
}

// Respond records an invitee's RSVP.
func (m *MeetingManager) Respond(ctx context.Context, user domain.UserID, id domain.MeetingID, accept bool) (*domain.Meeting, error) {
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	meeting, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	part, ok := meeting.Participant(user)
	if !ok || meeting.IsCreator(user) {
		return nil, fmt.Errorf("respond to meeting %s: %w", id, domain.ErrForbidden)
	}
	if !meeting.Available() {
		return nil, fmt.Errorf("meeting %s is %s: %w", id, meeting.Status, domain.ErrNotFound)
	}
	switch part.Status {
	case domain.ParticipantInvited, domain.ParticipantAccepted, domain.ParticipantDeclined:
	default:
		return nil, fmt.Errorf("participant is %s: %w", part.Status, domain.ErrConflict)
	}
	status := domain.ParticipantDeclined
	if accept {
		status = domain.ParticipantAccepted
	}
	if err := m.store.UpsertParticipantStatus(ctx, id, user, status); err != nil {
		return nil, upstream("respond to meeting", err)
	}
	meeting.SetParticipantStatus(user, status, m.now())
	return meeting, nil
}

// Toggle announces an audio or video mute change to the other live members.
func (m *MeetingManager) Toggle(member domain.Member, id domain.MeetingID, media string, enabled bool) error {
	if media != "audio" && media != "video" {
		return fmt.Errorf("unknown media %q: %w", media, domain.ErrInvalid)
	}
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	members := m.Live(id).Members
	if !memberHasHandle(members, member.Handle) {
		return nil
	}
	ev := core.NewEvent("meeting.mediaToggled", meetingToggle{MeetingID: id, Participant: member, Media: media, Enabled: enabled})
	for _, x := range members {
		if x.Handle != member.Handle {
			m.reg.SendToHandle(x.Handle, ev)
		}
	}
	return nil
}

// Signal relays between two live members and drops anything else.
func (m *MeetingManager) Signal(from domain.Member, id domain.MeetingID, to domain.UserID, sig Signal) bool {
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	members := m.Live(id).Members
	var target domain.HandleID
	if memberHasHandle(members, from.Handle) {
		for _, x := range members {
			if x.User.ID == to && x.Handle != from.Handle {
				target = x.Handle
			}
		}
	}
	if target == "" {
		log.Debug().Str("module", "app.meeting").Str("meeting", string(id)).Str("from", string(from.Handle)).Msg("signal dropped")
		return false
	}
	return m.relay.Forward(FamilyMeeting, string(id), from, target, sig)
}

// Live returns the handles currently connected to a meeting.
func (m *MeetingManager) Live(id domain.MeetingID) domain.LiveMeeting {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.LiveMeeting{MeetingID: id, Members: copyMembers(m.live[id])}
}

// Disconnect leaves every meeting the handle is live in, then settles meetings
// where the identity is still recorded as joined but no longer connected.
func (m *MeetingManager) Disconnect(ctx context.Context, member domain.Member) {
	m.mu.RLock()
	ids := make([]domain.MeetingID, 0, len(m.byHandle[member.Handle]))
	for id := range m.byHandle[member.Handle] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	handled := make(map[domain.MeetingID]struct{}, len(ids))
	for _, id := range ids {
		handled[id] = struct{}{}
		if err := m.Leave(ctx, member, id); err != nil {
			log.Warn().Err(err).Str("module", "app.meeting").Str("meeting", string(id)).Msg("disconnect cleanup")
		}
	}

	joined, err := m.store.MeetingsWithParticipantStatus(ctx, member.User.ID, domain.ParticipantJoined)
	if err != nil {
		log.Error().Err(err).Str("module", "app.meeting").Str("user", string(member.User.ID)).Msg("scan joined meetings")
		return
	}
	for _, id := range joined {
		if _, ok := handled[id]; ok {
			continue
		}
		m.settleStale(ctx, member.User.ID, id)
	}
}

func (m *MeetingManager) settleStale(ctx context.Context, user domain.UserID, id domain.MeetingID) {
	unlock := m.locks.Lock(meetingKey(id))
	defer unlock()

	m.mu.RLock()
	for _, x := range m.live[id] {
		if x.User.ID == user {
			m.mu.RUnlock()
			return
		}
	}
	m.mu.RUnlock()
	if err := m.store.UpsertParticipantStatus(ctx, id, user, domain.ParticipantLeft); err != nil {
		log.Error().Err(err).Str("module", "app.meeting").Str("meeting", string(id)).Msg("persist participant left")
		return
	}
	log.Info().Str("module", "app.meeting").Str("meeting", string(id)).Str("user", string(user)).Msg("settled stale participant")
}

func (m *MeetingManager) removeLive(h domain.HandleID, id domain.MeetingID) ([]domain.Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.live[id]
	for i, x := range members {
		if x.Handle != h {
			continue
		}
		members = append(members[:i], members[i+1:]...)
		if len(members) == 0 {
			delete(m.live, id)
		} else {
			m.live[id] = members
		}
		m.unindexLocked(h, id)
		return copyMembers(members), true
	}
	return nil, false
}

func (m *MeetingManager) resolve(ctx context.Context, ref MeetingRef) (*domain.Meeting, error) {
	if ref.ID != "" {
		return m.load(ctx, ref.ID)
	}
	if ref.LinkToken == "" {
		return nil, fmt.Errorf("meeting id or link is required: %w", domain.ErrInvalid)
	}
	meeting, err := m.store.GetMeetingByLink(ctx, ref.LinkToken)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("meeting link %s: %w", ref.LinkToken, domain.ErrNotFound)
	}
	if err != nil {
		return nil, upstream("load meeting", err)
	}
	return meeting, nil
}

func (m *MeetingManager) load(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	meeting, err := m.store.GetMeeting(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("meeting %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, upstream("load meeting", err)
	}
	return meeting, nil
}

func (m *MeetingManager) notify(ctx context.Context, to domain.UserID, kind domain.NotificationKind, msg string, id domain.MeetingID) {
	if m.notes == nil {
		return
	}
	if err := m.notes.CreateNotification(ctx, domain.NewNotification(to, kind, msg, string(id), m.now())); err != nil {
		log.Error().Err(err).Str("module", "app.meeting").Str("to", string(to)).Str("kind", string(kind)).Msg("create notification")
	}
}

func (m *MeetingManager) indexLocked(h domain.HandleID, id domain.MeetingID) {
	set := m.byHandle[h]
	if set == nil {
		set = make(map[domain.MeetingID]struct{})
		m.byHandle[h] = set
	}
	set[id] = struct{}{}
}

func (m *MeetingManager) unindexLocked(h domain.HandleID, id domain.MeetingID) {
	delete(m.byHandle[h], id)
	if len(m.byHandle[h]) == 0 {
		delete(m.byHandle, h)
	}
}

func copyMembers(in []domain.Member) []domain.Member {
	out := make([]domain.Member, len(in))
	copy(out, in)
	return out
}

func memberHasHandle(members []domain.Member, h domain.HandleID) bool {
	for _, x := range members {
		if x.Handle == h {
			return true
		}
	}
	return false
}
