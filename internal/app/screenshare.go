package app

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultChatMaxLength = 1000

type shareRoom struct {
	id        string
	workspace domain.Scope
	channel   domain.Scope
	host      domain.Member
	viewers   []domain.Member
	startedAt time.Time
}

func (r *shareRoom) snapshot() domain.ScreenShare {
	viewers := make([]domain.Member, len(r.viewers))
	copy(viewers, r.viewers)
	return domain.ScreenShare{
		ID:          r.id,
		WorkspaceID: r.workspace,
		ChannelID:   r.channel,
		Host:        r.host,
		Viewers:     viewers,
		StartedAt:   r.startedAt,
	}
}

func (r *shareRoom) viewerByUser(u domain.UserID) int {
	for i, v := range r.viewers {
		if v.User.ID == u {
			return i
		}
	}
	return -1
}

func (r *shareRoom) viewerByHandle(h domain.HandleID) int {
	for i, v := range r.viewers {
		if v.Handle == h {
			return i
		}
	}
	return -1
}

// audience is the host plus every viewer.
func (r *shareRoom) audience() []domain.Member {
	out := make([]domain.Member, 0, len(r.viewers)+1)
	out = append(out, r.host)
	return append(out, r.viewers...)
}

type shareEvent struct {
	Share domain.ScreenShare `json:"share"`
}

type shareViewer struct {
	RoomID        string        `json:"roomId"`
	Viewer        domain.Member `json:"viewer"`
	InitiateOffer bool          `json:"initiateOffer,omitempty"`
}

type shareJoined struct {
	RoomID      string        `json:"roomId"`
	Host        domain.Member `json:"host"`
	ViewerCount int           `json:"viewerCount"`
}

type shareCount struct {
	RoomID      string `json:"roomId"`
	ViewerCount int    `json:"viewerCount"`
}

type shareEnded struct {
	RoomID    string       `json:"roomId"`
	ChannelID domain.Scope `json:"channelId"`
	Reason    string       `json:"reason"`
}

type shareChat struct {
	ID      string      `json:"id"`
	RoomID  string      `json:"roomId"`
	From    domain.User `json:"from"`
	Message string      `json:"message"`
	SentAt  time.Time   `json:"sentAt"`
}

// ScreenShareManager runs broadcast rooms: one host offers to every viewer.
// A channel carries at most one active share.
type ScreenShareManager struct {
	reg     *Registry
	relay   *Relay
	locks   *KeyedMutex
	now     func() time.Time
	chatMax int

	mu        sync.RWMutex
	rooms     map[string]*shareRoom
	byChannel map[string]string
	byHandle  map[domain.HandleID]map[string]struct{}
}

func NewScreenShareManager(reg *Registry, relay *Relay, locks *KeyedMutex, chatMax int) *ScreenShareManager {
	if chatMax <= 0 {
		chatMax = DefaultChatMaxLength
	}
	return &ScreenShareManager{
		reg:       reg,
		relay:     relay,
		locks:     locks,
		now:       time.Now,
		chatMax:   chatMax,
		rooms:     make(map[string]*shareRoom),
		byChannel: make(map[string]string),
		byHandle:  make(map[domain.HandleID]map[string]struct{}),
	}
}

func shareKey(id string) string { return "share:" + id }

func channelRef(workspace, channel domain.Scope) string {
	return string(workspace) + "/" + string(channel)
}

// Start opens a share hosted by the caller's handle. A channel that already
// has an active share rejects the second host with a conflict naming the active room.
func (s *ScreenShareManager) Start(host domain.Member, workspace, channel domain.Scope) (domain.ScreenShare, error) {
	if workspace == "" || channel == "" {
		return domain.ScreenShare{}, fmt.Errorf("workspace and channel are required: %w", domain.ErrInvalid)
	}
	ref := channelRef(workspace, channel)
	unlock := s.locks.Lock("share-channel:" + ref)
	defer unlock()

	s.mu.Lock()
	if id, ok := s.byChannel[ref]; ok {
		s.mu.Unlock()
		return domain.ScreenShare{}, fmt.Errorf("screen share %s is already active in this channel: %w", id, domain.ErrConflict)
	}
	room := &shareRoom{
		id:        uuid.NewString(),
		workspace: workspace,
		channel:   channel,
		host:      host,
		startedAt: s.now().UTC(),
	}
	s.rooms[room.id] = room
	s.byChannel[ref] = room.id
	s.indexLocked(host.Handle, room.id)
	snap := room.snapshot()
	s.mu.Unlock()

	s.reg.SendToHandle(host.Handle, core.NewEvent("screenshare.started", shareEvent{Share: snap}))
	s.reg.SendToScope(workspace, core.NewEvent("screenshare.available", shareEvent{Share: snap}), func(m domain.Member) bool {
		return m.Handle == host.Handle
	})
	log.Info().Str("module", "app.screenshare").Str("room", room.id).Str("channel", ref).Str("host", string(host.User.ID)).Msg("screen share started")
	return snap, nil
}

// Join adds a viewer and tells the host to originate the offer to it.
// Joining again from the same handle is a no-op; from a new handle it replaces the old one.
func (s *ScreenShareManager) Join(viewer domain.Member, roomID string) (domain.ScreenShare, error) {
	unlock := s.locks.Lock(shareKey(roomID))
	defer unlock()

	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return domain.ScreenShare{}, fmt.Errorf("screen share %s: %w", roomID, domain.ErrNotFound)
	}
	if viewer.User.ID == room.host.User.ID {
		s.mu.Unlock()
		return domain.ScreenShare{}, fmt.Errorf("host cannot view their own share: %w", domain.ErrInvalid)
	}
	var replaced *domain.Member
	if i := room.viewerByUser(viewer.User.ID); i >= 0 {
		if room.viewers[i].Handle == viewer.Handle {
			snap := room.snapshot()
			s.mu.Unlock()
			return snap, nil
		}
		old := room.viewers[i]
		replaced = &old
		s.unindexLocked(old.Handle, roomID)
		room.viewers = append(room.viewers[:i], room.viewers[i+1:]...)
	}
	room.viewers = append(room.viewers, viewer)
	s.indexLocked(viewer.Handle, roomID)
	snap := room.snapshot()
	audience := room.audience()
	s.mu.Unlock()

	if replaced != nil {
		s.reg.SendToHandle(snap.Host.Handle, core.NewEvent("screenshare.viewerLeft", shareViewer{RoomID: roomID, Viewer: *replaced}))
		s.reg.SendToHandle(replaced.Handle, core.NewEvent("screenshare.ended", shareEnded{RoomID: roomID, ChannelID: snap.ChannelID, Reason: "replaced"}))
	}
	s.reg.SendToHandle(snap.Host.Handle, core.NewEvent("screenshare.viewerJoined", shareViewer{RoomID: roomID, Viewer: viewer, InitiateOffer: true}))
	s.reg.SendToHandle(viewer.Handle, core.NewEvent("screenshare.joined", shareJoined{RoomID: roomID, Host: snap.Host, ViewerCount: snap.ViewerCount()}))
	s.broadcastCount(roomID, audience, snap.ViewerCount())
	log.Info().Str("module", "app.screenshare").Str("room", roomID).Str("viewer", string(viewer.User.ID)).Int("viewers", snap.ViewerCount()).Msg("viewer joined")
	return snap, nil
}

// Leave drops a viewer. The host leaving ends the share.
func (s *ScreenShareManager) Leave(member domain.Member, roomID string) {
	unlock := s.locks.Lock(shareKey(roomID))
	defer unlock()

	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if member.Handle == room.host.Handle {
		s.mu.Unlock()
		s.end(roomID, "host_left")
		return
	}
	i := room.viewerByHandle(member.Handle)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	room.viewers = append(room.viewers[:i], room.viewers[i+1:]...)
	s.unindexLocked(member.Handle, roomID)
	host := room.host
	audience := room.audience()
	count := len(room.viewers)
	s.mu.Unlock()

	s.reg.SendToHandle(host.Handle, core.NewEvent("screenshare.viewerLeft", shareViewer{RoomID: roomID, Viewer: member}))
	s.broadcastCount(roomID, audience, count)
}

// End is host-only and destroys the share.
func (s *ScreenShareManager) End(actor domain.Member, roomID string) error {
	unlock := s.locks.Lock(shareKey(roomID))
	defer unlock()

	s.mu.RLock()
	room, ok := s.rooms[roomID]
	var host domain.UserID
	if ok {
		host = room.host.User.ID
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("screen share %s: %w", roomID, domain.ErrNotFound)
	}
	if host != actor.User.ID {
		return fmt.Errorf("end screen share %s: %w", roomID, domain.ErrForbidden)
	}
	s.end(roomID, "ended")
	return nil
}

// end must run under the room's key lock.
func (s *ScreenShareManager) end(roomID, reason string) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, roomID)
	delete(s.byChannel, channelRef(room.workspace, room.channel))
	for _, m := range room.audience() {
		s.unindexLocked(m.Handle, roomID)
	}
	audience := room.audience()
	s.mu.Unlock()

	ev := core.NewEvent("screenshare.ended", shareEnded{RoomID: roomID, ChannelID: room.channel, Reason: reason})
	notified := make(map[domain.HandleID]struct{}, len(audience))
	for _, m := range audience {
		s.reg.SendToHandle(m.Handle, ev)
		notified[m.Handle] = struct{}{}
	}
	s.reg.SendToScope(room.workspace, ev, func(m domain.Member) bool {
		_, done := notified[m.Handle]
		return done
	})
	log.Info().Str("module", "app.screenshare").Str("room", roomID).Str("reason", reason).Int("viewers", len(room.viewers)).Msg("screen share ended")
}

// Chat relays a message to everyone in the room but the sender. Nothing is stored.
func (s *ScreenShareManager) Chat(from domain.Member, roomID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message is empty: %w", domain.ErrInvalid)
	}
	if utf8.RuneCountInString(text) > s.chatMax {
		return fmt.Errorf("message is longer than %d characters: %w", s.chatMax, domain.ErrInvalid)
	}
	unlock := s.locks.Lock(shareKey(roomID))
	defer unlock()

	s.mu.RLock()
	room, ok := s.rooms[roomID]
	var audience []domain.Member
	member := false
	if ok {
		audience = room.audience()
		member = room.host.Handle == from.Handle || room.viewerByHandle(from.Handle) >= 0
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("screen share %s: %w", roomID, domain.ErrNotFound)
	}
	if !member {
		return fmt.Errorf("chat in screen share %s: %w", roomID, domain.ErrForbidden)
	}

	ev := core.NewEvent("screenshare.chat", shareChat{
		ID:      uuid.NewString(),
		RoomID:  roomID,
		From:    from.User,
		Message: text,
		SentAt:  s.now().UTC(),
	})
	for _, m := range audience {
		if m.Handle != from.Handle {
			s.reg.SendToHandle(m.Handle, ev)
		}
	}
	return nil
}

// Signal only flows between the host and a viewer; anything else is dropped.
func (s *ScreenShareManager) Signal(from domain.Member, roomID string, to domain.UserID, sig Signal) bool {
	unlock := s.locks.Lock(shareKey(roomID))
	defer unlock()

	s.mu.RLock()
	room, ok := s.rooms[roomID]
	var target domain.HandleID
	if ok {
		switch {
		case from.Handle == room.host.Handle:
			if i := room.viewerByUser(to); i >= 0 {
				target = room.viewers[i].Handle
			}
		case room.viewerByHandle(from.Handle) >= 0 && to == room.host.User.ID:
			target = room.host.Handle
		}
	}
	s.mu.RUnlock()
	if target == "" {
		log.Debug().Str("module", "app.screenshare").Str("room", roomID).Str("from", string(from.Handle)).Msg("signal dropped")
		return false
	}
	return s.relay.Forward(FamilyScreenShare, roomID, from, target, sig)
}

// Disconnect leaves every share the handle hosts or views.
func (s *ScreenShareManager) Disconnect(member domain.Member) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byHandle[member.Handle]))
	for id := range s.byHandle[member.Handle] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Leave(member, id)
	}
}

// List returns the active shares in a workspace, oldest first.
func (s *ScreenShareManager) List(workspace domain.Scope) []domain.ScreenShare {
	s.mu.RLock()
	out := make([]domain.ScreenShare, 0)
	for _, r := range s.rooms {
		if r.workspace == workspace {
			out = append(out, r.snapshot())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *ScreenShareManager) Get(roomID string) (domain.ScreenShare, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return domain.ScreenShare{}, false
	}
	return r.snapshot(), true
}

func (s *ScreenShareManager) broadcastCount(roomID string, audience []domain.Member, count int) {
	ev := core.NewEvent("screenshare.viewerCount", shareCount{RoomID: roomID, ViewerCount: count})
	for _, m := range audience {
		s.reg.SendToHandle(m.Handle, ev)
	}
}

func (s *ScreenShareManager) indexLocked(h domain.HandleID, roomID string) {
	set := s.byHandle[h]
	if set == nil {
		set = make(map[string]struct{})
		s.byHandle[h] = set
	}
	set[roomID] = struct{}{}
}

func (s *ScreenShareManager) unindexLocked(h domain.HandleID, roomID string) {
	delete(s.byHandle[h], roomID)
	if len(s.byHandle[h]) == 0 {
		delete(s.byHandle, h)
	}
}
