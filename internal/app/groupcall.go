package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type groupRoom struct {
	id        string
	channel   domain.Scope
	kind      domain.CallKind
	members   []domain.Member
	startedAt time.Time
}

func (r *groupRoom) snapshot() domain.GroupCall {
	members := make([]domain.Member, len(r.members))
	copy(members, r.members)
	return domain.GroupCall{
		ID:           r.id,
		ChannelID:    r.channel,
		Kind:         r.kind,
		Participants: members,
		StartedAt:    r.startedAt,
	}
}

func (r *groupRoom) indexOfUser(u domain.UserID) int {
	for i, m := range r.members {
		if m.User.ID == u {
			return i
		}
	}
	return -1
}

func (r *groupRoom) indexOfHandle(h domain.HandleID) int {
	for i, m := range r.members {
		if m.Handle == h {
			return i
		}
	}
	return -1
}

type groupStarted struct {
	Call    domain.GroupCall `json:"call"`
	Created bool             `json:"created"`
}

type groupIncoming struct {
	Call domain.GroupCall `json:"call"`
	From domain.User      `json:"from"`
}

type groupJoined struct {
	Call  domain.GroupCall `json:"call"`
	Peers []domain.Member  `json:"peers"`
}

type groupPeer struct {
	CallID        string        `json:"callId"`
	ChannelID     domain.Scope  `json:"channelId"`
	Peer          domain.Member `json:"peer"`
	InitiateOffer bool          `json:"initiateOffer,omitempty"`
}

type groupEnded struct {
	CallID    string       `json:"callId"`
	ChannelID domain.Scope `json:"channelId"`
}

// GroupCallManager runs one mesh call per channel. Every member already in
// the room originates the offer toward a newcomer, so two peers never offer
// to each other at the same time.
type GroupCallManager struct {
	reg   *Registry
	relay *Relay
	locks *KeyedMutex
	now   func() time.Time

	mu     sync.RWMutex
	rooms  map[domain.Scope]*groupRoom
	joined map[domain.HandleID]map[domain.Scope]struct{}
}

func NewGroupCallManager(reg *Registry, relay *Relay, locks *KeyedMutex) *GroupCallManager {
	return &GroupCallManager{
		reg:    reg,
		relay:  relay,
		locks:  locks,
		now:    time.Now,
		rooms:  make(map[domain.Scope]*groupRoom),
		joined: make(map[domain.HandleID]map[domain.Scope]struct{}),
	}
}

func groupKey(channel domain.Scope) string { return "group:" + string(channel) }

// Start opens the channel's call with the starter as its only member and
// advertises it to the channel. If a call is already running its snapshot is returned instead.
func (g *GroupCallManager) Start(starter domain.Member, channel domain.Scope, kind domain.CallKind) (domain.GroupCall, bool, error) {
	if channel == "" {
		return domain.GroupCall{}, false, fmt.Errorf("channel is required: %w", domain.ErrInvalid)
	}
	if !kind.Valid() {
		return domain.GroupCall{}, false, fmt.Errorf("unknown call kind %q: %w", kind, domain.ErrInvalid)
	}
	unlock := g.locks.Lock(groupKey(channel))
	defer unlock()

	g.mu.Lock()
	if room, ok := g.rooms[channel]; ok {
		snap := room.snapshot()
		g.mu.Unlock()
		g.reg.SendToHandle(starter.Handle, core.NewEvent("groupcall.started", groupStarted{Call: snap}))
		return snap, false, nil
	}
	room := &groupRoom{
		id:        uuid.NewString(),
		channel:   channel,
		kind:      kind,
		members:   []domain.Member{starter},
		startedAt: g.now().UTC(),
	}
	g.rooms[channel] = room
	g.indexLocked(starter.Handle, channel)
	snap := room.snapshot()
	g.mu.Unlock()

	g.reg.SendToHandle(starter.Handle, core.NewEvent("groupcall.started", groupStarted{Call: snap, Created: true}))
	g.reg.SendToScope(channel, core.NewEvent("groupcall.incoming", groupIncoming{Call: snap, From: starter.User}), func(m domain.Member) bool {
		return m.User.ID == starter.User.ID
	})
	log.Info().Str("module", "app.groupcall").Str("channel", string(channel)).Str("call", room.id).Str("by", string(starter.User.ID)).Msg("group call started")
	return snap, true, nil
}

// Join adds a member and tells each pre-existing member to offer to it.
// A non-empty callID must name the running call. An identity already in the room is a no-op.
func (g *GroupCallManager) Join(joiner domain.Member, channel domain.Scope, callID string) (domain.GroupCall, error) {
	unlock := g.locks.Lock(groupKey(channel))
	defer unlock()

	g.mu.Lock()
	room, ok := g.rooms[channel]
	if !ok {
		g.mu.Unlock()
		return domain.GroupCall{}, fmt.Errorf("group call in %s: %w", channel, domain.ErrNotFound)
	}
	if callID != "" && callID != room.id {
		g.mu.Unlock()
		return domain.GroupCall{}, fmt.Errorf("group call %s is no longer available: %w", callID, domain.ErrNotFound)
	}
	if room.indexOfUser(joiner.User.ID) >= 0 {
		snap := room.snapshot()
		g.mu.Unlock()
		return snap, nil
	}
	existing := make([]domain.Member, len(room.members))
	copy(existing, room.members)
	room.members = append(room.members, joiner)
	g.indexLocked(joiner.Handle, channel)
	snap := room.snapshot()
	g.mu.Unlock()

	for _, peer := range existing {
		g.reg.SendToHandle(peer.Handle, core.NewEvent("groupcall.peerJoined", groupPeer{
			CallID:        room.id,
			ChannelID:     channel,
			Peer:          joiner,
			InitiateOffer: true,
		}))
	}
	g.reg.SendToHandle(joiner.Handle, core.NewEvent("groupcall.joined", groupJoined{Call: snap, Peers: existing}))
	log.Info().Str("module", "app.groupcall").Str("channel", string(channel)).Str("user", string(joiner.User.ID)).Int("size", len(snap.Participants)).Msg("joined group call")
	return snap, nil
}

// Leave removes the handle's membership. The last member out destroys the
// room and the channel hears a single ended event. Unknown members are ignored.
func (g *GroupCallManager) Leave(member domain.Member, channel domain.Scope) {
	unlock := g.locks.Lock(groupKey(channel))
	defer unlock()

	g.mu.Lock()
	room, ok := g.rooms[channel]
	if !ok {
		g.mu.Unlock()
		return
	}
	i := room.indexOfHandle(member.Handle)
	if i < 0 {
		g.mu.Unlock()
		return
	}
	room.members = append(room.members[:i], room.members[i+1:]...)
	g.unindexLocked(member.Handle, channel)
	remaining := make([]domain.Member, len(room.members))
	copy(remaining, room.members)
	empty := len(room.members) == 0
	if empty {
		delete(g.rooms, channel)
	}
	g.mu.Unlock()

	for _, peer := range remaining {
		g.reg.SendToHandle(peer.Handle, core.NewEvent("groupcall.peerLeft", groupPeer{CallID: room.id, ChannelID: channel, Peer: member}))
	}
	if empty {
		g.reg.SendToScope(channel, core.NewEvent("groupcall.ended", groupEnded{CallID: room.id, ChannelID: channel}), nil)
		log.Info().Str("module", "app.groupcall").Str("channel", string(channel)).Str("call", room.id).Msg("group call ended")
	}
}

// Signal forwards to the target member's handle. Either side not being in the room drops the message.
func (g *GroupCallManager) Signal(from domain.Member, channel domain.Scope, to domain.UserID, sig Signal) bool {
	unlock := g.locks.Lock(groupKey(channel))
	defer unlock()

	g.mu.RLock()
	room, ok := g.rooms[channel]
	var target domain.HandleID
	if ok && room.indexOfHandle(from.Handle) >= 0 {
		if i := room.indexOfUser(to); i >= 0 && to != from.User.ID {
			target = room.members[i].Handle
		}
	}
	g.mu.RUnlock()
	if target == "" {
		log.Debug().Str("module", "app.groupcall").Str("channel", string(channel)).Str("from", string(from.Handle)).Str("to", string(to)).Msg("signal dropped")
		return false
	}
	return g.relay.Forward(FamilyGroupCall, string(channel), from, target, sig)
}

// Disconnect leaves every room the handle is in.
func (g *GroupCallManager) Disconnect(member domain.Member) {
	g.mu.RLock()
	channels := make([]domain.Scope, 0, len(g.joined[member.Handle]))
	for ch := range g.joined[member.Handle] {
		channels = append(channels, ch)
	}
	g.mu.RUnlock()
	for _, ch := range channels {
		g.Leave(member, ch)
	}
}

func (g *GroupCallManager) Snapshot(channel domain.Scope) (domain.GroupCall, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[channel]
	if !ok {
		return domain.GroupCall{}, false
	}
	return room.snapshot(), true
}

func (g *GroupCallManager) indexLocked(h domain.HandleID, channel domain.Scope) {
	set := g.joined[h]
	if set == nil {
		set = make(map[domain.Scope]struct{})
		g.joined[h] = set
	}
	set[channel] = struct{}{}
}

func (g *GroupCallManager) unindexLocked(h domain.HandleID, channel domain.Scope) {
	delete(g.joined[h], channel)
	if len(g.joined[h]) == 0 {
		delete(g.joined, h)
	}
}
