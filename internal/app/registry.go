package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Observer is told when a user's handle count crosses zero in either direction.
type Observer interface {
	PresenceChanged(user domain.User, status domain.PresenceStatus)
}

type handleEntry struct {
	member domain.Member
	conn   core.SignalConnection
	cancel context.CancelFunc
	scopes map[domain.Scope]struct{}
	seq    uint64
}

// Registry maps identities to their live handles and owns scope subscriptions.
// Lookups share a read lock; bind and unbind are additionally serialized per identity
// so presence transitions for one user are observed in order.
type Registry struct {
	mu      sync.RWMutex
	handles map[domain.HandleID]*handleEntry
	byUser  map[domain.UserID]map[domain.HandleID]*handleEntry
	scopes  map[domain.Scope]map[domain.HandleID]*handleEntry
	seq     uint64

	users    *KeyedMutex
	policy   Policy
	observer Observer
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = KickPolicy{}
	}
	return &Registry{
		handles: make(map[domain.HandleID]*handleEntry),
		byUser:  make(map[domain.UserID]map[domain.HandleID]*handleEntry),
		scopes:  make(map[domain.Scope]map[domain.HandleID]*handleEntry),
		users:   NewKeyedMutex(),
		policy:  policy,
	}
}

// SetObserver must be called before the first Bind.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

func (r *Registry) Bind(user domain.User, handle domain.HandleID, conn core.SignalConnection, cancel context.CancelFunc) error {
	if handle == "" || user.ID == "" {
		return fmt.Errorf("bind requires a user and a handle: %w", domain.ErrInvalid)
	}
	unlock := r.users.Lock(string(user.ID))
	defer unlock()

	r.mu.Lock()
	if _, ok := r.handles[handle]; ok {
		r.mu.Unlock()
		return fmt.Errorf("handle %s already bound: %w", handle, domain.ErrConflict)
	}
	r.seq++
	entry := &handleEntry{
		member: domain.NewMember(user, handle),
		conn:   conn,
		cancel: cancel,
		scopes: make(map[domain.Scope]struct{}),
		seq:    r.seq,
	}
	r.handles[handle] = entry
	set := r.byUser[user.ID]
	if set == nil {
		set = make(map[domain.HandleID]*handleEntry)
		r.byUser[user.ID] = set
	}
	set[handle] = entry
	first := len(set) == 1
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("handle", string(handle)).Str("user", string(user.ID)).Msg("bound handle")
	if first && r.observer != nil {
		r.observer.PresenceChanged(user, domain.StatusOnline)
	}
	return nil
}

// Unbind removes a handle. Only the first call for a handle reports ok,
// which makes it the single trigger for disconnect cleanup.
func (r *Registry) Unbind(handle domain.HandleID) (domain.Member, bool) {
	r.mu.RLock()
	entry, ok := r.handles[handle]
	r.mu.RUnlock()
	if !ok {
		return domain.Member{}, false
	}
	user := entry.member.User

	unlock := r.users.Lock(string(user.ID))
	defer unlock()

	r.mu.Lock()
	if _, ok := r.handles[handle]; !ok {
		r.mu.Unlock()
		return domain.Member{}, false
	}
	delete(r.handles, handle)
	set := r.byUser[user.ID]
	delete(set, handle)
	last := len(set) == 0
	if last {
		delete(r.byUser, user.ID)
	}
	for scope := range entry.scopes {
		r.removeFromScopeLocked(scope, handle)
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("handle", string(handle)).Str("user", string(user.ID)).Msg("unbound handle")
	if last && r.observer != nil {
		r.observer.PresenceChanged(user, domain.StatusOffline)
	}
	return entry.member, true
}

func (r *Registry) removeFromScopeLocked(scope domain.Scope, handle domain.HandleID) {
	subs := r.scopes[scope]
	delete(subs, handle)
	if len(subs) == 0 {
		delete(r.scopes, scope)
	}
}

func (r *Registry) Member(handle domain.HandleID) (domain.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.handles[handle]
	if !ok {
		return domain.Member{}, false
	}
	return entry.member, true
}

// HandlesFor returns the user's handles in bind order.
func (r *Registry) HandlesFor(user domain.UserID) []domain.HandleID {
	r.mu.RLock()
	entries := sortedEntries(r.byUser[user])
	r.mu.RUnlock()
	out := make([]domain.HandleID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.member.Handle)
	}
	return out
}

// PrimaryHandleFor returns the user's oldest live handle.
func (r *Registry) PrimaryHandleFor(user domain.UserID) (domain.HandleID, bool) {
	handles := r.HandlesFor(user)
	if len(handles) == 0 {
		return "", false
	}
	return handles[0], true
}

// User returns the display metadata snapshotted when the user's primary handle connected.
func (r *Registry) User(id domain.UserID) (domain.User, bool) {
	r.mu.RLock()
	entries := sortedEntries(r.byUser[id])
	r.mu.RUnlock()
	if len(entries) == 0 {
		return domain.User{}, false
	}
	return entries[0].member.User, true
}

func (r *Registry) IsOnline(id domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[id]) > 0
}

func (r *Registry) OnlineUsers() []domain.User {
	r.mu.RLock()
	out := make([]domain.User, 0, len(r.byUser))
	for _, set := range r.byUser {
		if entries := sortedEntries(set); len(entries) > 0 {
			out = append(out, entries[0].member.User)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Subscribe(handle domain.HandleID, scope domain.Scope) error {
	if scope == "" {
		return fmt.Errorf("scope is required: %w", domain.ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.handles[handle]
	if !ok {
		return fmt.Errorf("handle %s: %w", handle, domain.ErrNotFound)
	}
	entry.scopes[scope] = struct{}{}
	subs := r.scopes[scope]
	if subs == nil {
		subs = make(map[domain.HandleID]*handleEntry)
		r.scopes[scope] = subs
	}
	subs[handle] = entry
	return nil
}

func (r *Registry) Unsubscribe(handle domain.HandleID, scope domain.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.handles[handle]; ok {
		delete(entry.scopes, scope)
	}
	r.removeFromScopeLocked(scope, handle)
}

// SendToHandle delivers ev to a single handle and reports whether it was accepted.
func (r *Registry) SendToHandle(handle domain.HandleID, ev core.Event) bool {
	r.mu.RLock()
	entry, ok := r.handles[handle]
	r.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "app.registry").Str("handle", string(handle)).Str("type", ev.Type).Msg("send to unknown handle")
		return false
	}
	return r.deliver(ev, []*handleEntry{entry}) == 1
}

// SendToUser fans ev out to every handle of user except the listed ones.
func (r *Registry) SendToUser(user domain.UserID, ev core.Event, except ...domain.HandleID) int {
	r.mu.RLock()
	targets := make([]*handleEntry, 0, len(r.byUser[user]))
	for h, e := range r.byUser[user] {
		if !containsHandle(except, h) {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()
	return r.deliver(ev, targets)
}

// SendToScope delivers ev to the scope's subscribers; skip may filter members out.
func (r *Registry) SendToScope(scope domain.Scope, ev core.Event, skip func(domain.Member) bool) int {
	r.mu.RLock()
	targets := make([]*handleEntry, 0, len(r.scopes[scope]))
	for _, e := range r.scopes[scope] {
		if skip == nil || !skip(e.member) {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()
	return r.deliver(ev, targets)
}

// Broadcast delivers ev to every live handle.
func (r *Registry) Broadcast(ev core.Event) int {
	r.mu.RLock()
	targets := make([]*handleEntry, 0, len(r.handles))
	for _, e := range r.handles {
		targets = append(targets, e)
	}
	r.mu.RUnlock()
	return r.deliver(ev, targets)
}

func (r *Registry) deliver(ev core.Event, targets []*handleEntry) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("encode event")
		return 0
	}
	sent := 0
	for _, e := range targets {
		err := e.conn.TrySend(frame)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, core.ErrBackpressure):
			r.onBackpressure(e, ev.Type)
		default:
			log.Debug().Err(err).Str("module", "app.registry").Str("handle", string(e.member.Handle)).Str("type", ev.Type).Msg("send failed")
		}
	}
	return sent
}

func (r *Registry) onBackpressure(e *handleEntry, typ string) {
	action := r.policy.OnBackPressure(e.member)
	log.Warn().Str("module", "app.registry").Str("handle", string(e.member.Handle)).Str("type", typ).Int("action", int(action)).Msg("backpressure")
	if action != KickMember {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.conn.Close()
}

func sortedEntries(set map[domain.HandleID]*handleEntry) []*handleEntry {
	out := make([]*handleEntry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func containsHandle(list []domain.HandleID, h domain.HandleID) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
