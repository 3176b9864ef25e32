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

type callEvent struct {
	Call *domain.CallSession `json:"call"`
	Peer *domain.User        `json:"peer,omitempty"`
}

// liveCall tracks which handles signal for a ringing or ongoing call.
// State itself always comes from the store.
type liveCall struct {
	callerID       domain.UserID
	callerHandle   domain.HandleID
	receiverID     domain.UserID
	receiverHandle domain.HandleID
}

func (c liveCall) handleOf(u domain.UserID) domain.HandleID {
	if u == c.callerID {
		return c.callerHandle
	}
	return c.receiverHandle
}

// CallManager drives 1:1 call sessions through ringing, ongoing and the terminal states.
type CallManager struct {
	store core.CallStore
	notes core.NotificationStore
	reg   *Registry
	relay *Relay
	locks *KeyedMutex
	now   func() time.Time

	mu     sync.Mutex
	live   map[domain.CallID]*liveCall
	byUser map[domain.UserID]map[domain.CallID]struct{}
}

func NewCallManager(store core.CallStore, notes core.NotificationStore, reg *Registry, relay *Relay, locks *KeyedMutex) *CallManager {
	return &CallManager{
		store:  store,
		notes:  notes,
		reg:    reg,
		relay:  relay,
		locks:  locks,
		now:    time.Now,
		live:   make(map[domain.CallID]*liveCall),
		byUser: make(map[domain.UserID]map[domain.CallID]struct{}),
	}
}

func callKey(id domain.CallID) string { return "call:" + string(id) }

func callUserKey(id domain.UserID) string { return "user:" + string(id) }

// upstream marks a store failure so it is reported with the upstream code.
func upstream(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUpstream, err)
}

func (m *CallManager) send(ev string, s *domain.CallSession, peer *domain.User) core.Event {
	return core.NewEvent(ev, callEvent{Call: s, Peer: peer})
}

// Initiate creates a ringing session and rings every handle of the receiver.
// A receiver already in a call gets the session recorded as missed and the caller hears busy.
func (m *CallManager) Initiate(ctx context.Context, caller domain.Member, receiver domain.UserID, kind domain.CallKind, workspaceID string) (*domain.CallSession, error) {
	sess, err := domain.NewCallSession(caller.User.ID, receiver, kind, workspaceID, m.now())
	if err != nil {
		return nil, err
	}

	unlock := m.locks.LockAll(callUserKey(caller.User.ID), callUserKey(receiver))
	defer unlock()

	if m.busy(receiver) {
		if _, err := sess.Transition(domain.CallMissed, m.now(), 0); err != nil {
			return nil, err
		}
		if err := m.store.CreateCallSession(ctx, sess); err != nil {
			log.Error().Err(err).Str("module", "app.calls").Str("call", string(sess.ID)).Msg("persist busy call")
			return nil, upstream("create call session", err)
		}
		m.notify(ctx, receiver, domain.NotifyMissedCall, fmt.Sprintf("Missed call from %s", caller.User.Name), string(sess.ID))
		m.reg.SendToHandle(caller.Handle, m.send("call.busy", sess, nil))
		log.Info().Str("module", "app.calls").Str("call", string(sess.ID)).Str("receiver", string(receiver)).Msg("receiver busy")
		return sess, nil
	}

	if err := m.store.CreateCallSession(ctx, sess); err != nil {
		log.Error().Err(err).Str("module", "app.calls").Str("call", string(sess.ID)).Msg("persist call")
		return nil, upstream("create call session", err)
	}
	m.track(sess.ID, &liveCall{
		callerID:     caller.User.ID,
		callerHandle: caller.Handle,
		receiverID:   receiver,
	})

	m.reg.SendToHandle(caller.Handle, m.send("call.initiated", sess, nil))
	callerUser := caller.User
	rang := m.reg.SendToUser(receiver, m.send("call.incoming", sess, &callerUser))
	m.notify(ctx, receiver, domain.NotifyIncomingCall, fmt.Sprintf("Incoming %s call from %s", kind, caller.User.Name), string(sess.ID))

	log.Info().Str("module", "app.calls").Str("call", string(sess.ID)).Str("caller", string(caller.User.ID)).Str("receiver", string(receiver)).Int("handles", rang).Msg("call initiated")
	return sess, nil
}

// Accept binds the accepting handle as the receiver's side of the call.
// Accepting a call that is no longer ringing is a no-op.
func (m *CallManager) Accept(ctx context.Context, actor domain.Member, id domain.CallID) (*domain.CallSession, error) {
	unlock := m.locks.Lock(callKey(id))
	defer unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ReceiverID != actor.User.ID {
		return nil, fmt.Errorf("accept call %s: %w", id, domain.ErrForbidden)
	}
	if sess.State != domain.CallRinging {
		log.Debug().Str("module", "app.calls").Str("call", string(id)).Str("state", string(sess.State)).Msg("accept ignored")
		return sess, nil
	}
	upd, err := sess.Transition(domain.CallOngoing, m.now(), 0)
	if err != nil {
		return nil, err
	}
	persistErr := m.store.UpdateCallSession(ctx, id, upd)

	m.mu.Lock()
	if lc, ok := m.live[id]; ok {
		lc.receiverHandle = actor.Handle
	}
	m.mu.Unlock()

	receiver := actor.User
	if u, ok := m.reg.User(actor.User.ID); ok {
		receiver = u
	}
	ev := m.send("call.accepted", sess, &receiver)
	m.reg.SendToUser(sess.CallerID, ev)
	m.reg.SendToUser(sess.ReceiverID, ev, actor.Handle)

	log.Info().Str("module", "app.calls").Str("call", string(id)).Str("handle", string(actor.Handle)).Msg("call accepted")
	if persistErr != nil {
		log.Error().Err(persistErr).Str("module", "app.calls").Str("call", string(id)).Msg("persist accept")
		return sess, upstream("accept call", persistErr)
	}
	return sess, nil
}

// Decline is the receiver refusing a ringing call.
func (m *CallManager) Decline(ctx context.Context, actor domain.Member, id domain.CallID) (*domain.CallSession, error) {
	return m.conclude(ctx, actor, id, domain.CallDeclined, 0, func(s *domain.CallSession) error {
		if s.ReceiverID != actor.User.ID {
			return domain.ErrForbidden
		}
		return nil
	}, func(s *domain.CallSession) {
		ev := m.send("call.declined", s, nil)
		m.reg.SendToUser(s.CallerID, ev)
		m.reg.SendToUser(s.ReceiverID, ev, actor.Handle)
	})
}

// Cancel is the caller hanging up before an answer; the call is recorded as missed.
func (m *CallManager) Cancel(ctx context.Context, actor domain.Member, id domain.CallID) (*domain.CallSession, error) {
	return m.conclude(ctx, actor, id, domain.CallMissed, 0, func(s *domain.CallSession) error {
		if s.CallerID != actor.User.ID {
			return domain.ErrForbidden
		}
		return nil
	}, func(s *domain.CallSession) {
		m.reg.SendToUser(s.ReceiverID, m.send("call.cancelled", s, nil))
		m.reg.SendToUser(s.CallerID, m.send("call.cancelled", s, nil), actor.Handle)
	})
}

// Missed is reported by either side when ringing timed out on the client.
func (m *CallManager) Missed(ctx context.Context, actor domain.Member, id domain.CallID) (*domain.CallSession, error) {
	return m.conclude(ctx, actor, id, domain.CallMissed, 0, nil, func(s *domain.CallSession) {
		m.reg.SendToUser(s.Counterparty(actor.User.ID), m.send("call.missed", s, nil))
		m.notify(ctx, s.ReceiverID, domain.NotifyMissedCall, "You missed a call", string(s.ID))
	})
}

// End hangs up an ongoing call. durationSec is the client's measurement; zero derives it.
func (m *CallManager) End(ctx context.Context, actor domain.Member, id domain.CallID, durationSec int64) (*domain.CallSession, error) {
	return m.conclude(ctx, actor, id, domain.CallEnded, durationSec, nil, func(s *domain.CallSession) {
		ev := m.send("call.ended", s, nil)
		m.reg.SendToUser(s.Counterparty(actor.User.ID), ev)
		m.reg.SendToHandle(actor.Handle, ev)
	})
}

// conclude moves a live call into a terminal state. Sessions already terminal are left untouched.
func (m *CallManager) conclude(ctx context.Context, actor domain.Member, id domain.CallID, to domain.CallState, durationSec int64, authorize func(*domain.CallSession) error, notify func(*domain.CallSession)) (*domain.CallSession, error) {
	unlock := m.locks.Lock(callKey(id))
	defer unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(actor.User.ID) {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrForbidden)
	}
	if authorize != nil {
		if err := authorize(sess); err != nil {
			return nil, fmt.Errorf("call %s: %w", id, err)
		}
	}
	if sess.State.Terminal() {
		m.untrack(id)
		return sess, nil
	}
	upd, err := sess.Transition(to, m.now(), durationSec)
	if err != nil {
		return nil, err
	}
	persistErr := m.store.UpdateCallSession(ctx, id, upd)
	m.untrack(id)
	notify(sess)

	log.Info().Str("module", "app.calls").Str("call", string(id)).Str("state", string(to)).Str("by", string(actor.User.ID)).Msg("call concluded")
	if persistErr != nil {
		log.Error().Err(persistErr).Str("module", "app.calls").Str("call", string(id)).Msg("persist call state")
		return sess, upstream("update call", persistErr)
	}
	return sess, nil
}

// Signal relays offer, answer and ICE between the two sides of a live call.
// Messages from handles not bound to the call are dropped.
func (m *CallManager) Signal(from domain.Member, id domain.CallID, sig Signal) bool {
	unlock := m.locks.Lock(callKey(id))
	defer unlock()

	m.mu.Lock()
	lc, ok := m.live[id]
	var c liveCall
	if ok {
		c = *lc
	}
	m.mu.Unlock()
	if !ok || (from.User.ID != c.callerID && from.User.ID != c.receiverID) {
		return false
	}
	if own := c.handleOf(from.User.ID); own != "" && own != from.Handle {
		return false
	}
	to := c.receiverID
	if from.User.ID == c.receiverID {
		to = c.callerID
	}
	if h := c.handleOf(to); h != "" {
		return m.relay.Forward(FamilyCall, string(id), from, h, sig)
	}
	return m.relay.ForwardToUser(FamilyCall, string(id), from, to, sig) > 0
}

// Get returns the stored session if user took part in it.
func (m *CallManager) Get(ctx context.Context, user domain.UserID, id domain.CallID) (*domain.CallSession, error) {
	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(user) {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrForbidden)
	}
	return sess, nil
}

// Disconnect settles every live call the handle was part of.
// The handle must already be unbound from the registry.
func (m *CallManager) Disconnect(ctx context.Context, member domain.Member) {
	m.mu.Lock()
	ids := make([]domain.CallID, 0, len(m.byUser[member.User.ID]))
	for id := range m.byUser[member.User.ID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.disconnectFrom(ctx, member, id); err != nil {
			log.Warn().Err(err).Str("module", "app.calls").Str("call", string(id)).Str("handle", string(member.Handle)).Msg("disconnect cleanup")
		}
	}
}

func (m *CallManager) disconnectFrom(ctx context.Context, member domain.Member, id domain.CallID) error {
	m.mu.Lock()
	lc, ok := m.live[id]
	var c liveCall
	if ok {
		c = *lc
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	switch {
	case member.User.ID == c.callerID && member.Handle == c.callerHandle:
		if c.receiverHandle == "" {
			_, err := m.Cancel(ctx, member, id)
			if !errors.Is(err, domain.ErrConflict) {
				return err
			}
		}
		_, err := m.End(ctx, member, id, 0)
		return err
	case member.User.ID == c.receiverID && c.receiverHandle == member.Handle:
		_, err := m.End(ctx, member, id, 0)
		return err
	case member.User.ID == c.receiverID && c.receiverHandle == "":
		if len(m.reg.HandlesFor(member.User.ID)) > 0 {
			return nil
		}
		_, err := m.Missed(ctx, member, id)
		return err
	}
	return nil
}

// Active reports the ids of live calls a user takes part in.
func (m *CallManager) Active(user domain.UserID) []domain.CallID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CallID, 0, len(m.byUser[user]))
	for id := range m.byUser[user] {
		out = append(out, id)
	}
	return out
}

func (m *CallManager) load(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	sess, err := m.store.GetCallSession(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, upstream("load call", err)
	}
	return sess, nil
}

func (m *CallManager) busy(u domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[u]) > 0
}

func (m *CallManager) track(id domain.CallID, lc *liveCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[id] = lc
	for _, u := range []domain.UserID{lc.callerID, lc.receiverID} {
		set := m.byUser[u]
		if set == nil {
			set = make(map[domain.CallID]struct{})
			m.byUser[u] = set
		}
		set[id] = struct{}{}
	}
}

func (m *CallManager) untrack(id domain.CallID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.live[id]
	if !ok {
		return
	}
	delete(m.live, id)
	for _, u := range []domain.UserID{lc.callerID, lc.receiverID} {
		delete(m.byUser[u], id)
		if len(m.byUser[u]) == 0 {
			delete(m.byUser, u)
		}
	}
}

func (m *CallManager) notify(ctx context.Context, to domain.UserID, kind domain.NotificationKind, msg, related string) {
	if m.notes == nil {
		return
	}
	if err := m.notes.CreateNotification(ctx, domain.NewNotification(to, kind, msg, related, m.now())); err != nil {
		log.Error().Err(err).Str("module", "app.calls").Str("to", string(to)).Str("kind", string(kind)).Msg("create notification")
	}
}
