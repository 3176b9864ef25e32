package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/dkeye/huddle/internal/adapters/store/memory"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/require"
)

// recorderConn captures every frame sent to a handle.
type recorderConn struct {
	mu     sync.Mutex
	frames []core.Inbound
	full   bool
	closed bool
}

func (c *recorderConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	var in core.Inbound
	if err := json.Unmarshal(f, &in); err != nil {
		return err
	}
	c.frames = append(c.frames, in)
	return nil
}

func (c *recorderConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recorderConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recorderConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *recorderConn) all(typ string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f.Data)
		}
	}
	return out
}

func (c *recorderConn) count(typ string) int {
	return len(c.all(typ))
}

// last decodes the most recent frame of typ into v.
func (c *recorderConn) last(t *testing.T, typ string, v any) {
	t.Helper()
	frames := c.all(typ)
	require.NotEmpty(t, frames, "no %s frame, got %v", typ, c.types())
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], v))
}

func (c *recorderConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// flakyStore fails the writes it is told to fail.
type flakyStore struct {
	*memory.Store
	failCallUpdate    bool
	failParticipation bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) UpdateCallSession(ctx context.Context, id domain.CallID, upd domain.CallUpdate) error {
	if s.failCallUpdate {
		return errDiskFull
	}
	return s.Store.UpdateCallSession(ctx, id, upd)
}

func (s *flakyStore) UpsertParticipantStatus(ctx context.Context, id domain.MeetingID, user domain.UserID, status domain.ParticipantStatus) error {
	if s.failParticipation {
		return errDiskFull
	}
	return s.Store.UpsertParticipantStatus(ctx, id, user, status)
}

type fixture struct {
	t        *testing.T
	store    core.Store
	mem      *memory.Store
	reg      *Registry
	presence *Presence
	calls    *CallManager
	groups   *GroupCallManager
	shares   *ScreenShareManager
	meetings *MeetingManager

	mu  sync.Mutex
	seq int
}

func newFixture(t *testing.T) *fixture {
	mem := memory.New()
	return newFixtureWith(t, mem, mem)
}

func newFixtureWith(t *testing.T, store core.Store, mem *memory.Store) *fixture {
	reg := NewRegistry(DropPolicy{})
	relay := NewRelay(reg)
	locks := NewKeyedMutex()
	f := &fixture{
		t:        t,
		store:    store,
		mem:      mem,
		reg:      reg,
		presence: NewPresence(reg, store),
		calls:    NewCallManager(store, store, reg, relay, locks),
		groups:   NewGroupCallManager(reg, relay, locks),
		shares:   NewScreenShareManager(reg, relay, locks, 20),
		meetings: NewMeetingManager(store, store, reg, relay, locks),
	}
	t.Cleanup(f.presence.Wait)
	return f
}

// connect binds a new handle for user id; the display name is the upper-cased id.
func (f *fixture) connect(id string) (domain.Member, *recorderConn) {
	f.t.Helper()
	f.mu.Lock()
	f.seq++
	h := domain.HandleID(fmt.Sprintf("%s-%d", id, f.seq))
	f.mu.Unlock()

	user := domain.User{ID: domain.UserID(id), Name: strings.ToUpper(id)}
	conn := &recorderConn{}
	require.NoError(f.t, f.reg.Bind(user, h, conn, nil))
	return domain.NewMember(user, h), conn
}

// disconnect mirrors the orchestrator: unbind once, then clean up every manager.
func (f *fixture) disconnect(m domain.Member) bool {
	member, ok := f.reg.Unbind(m.Handle)
	if !ok {
		return false
	}
	ctx := context.Background()
	f.calls.Disconnect(ctx, member)
	f.groups.Disconnect(member)
	f.shares.Disconnect(member)
	f.meetings.Disconnect(ctx, member)
	return true
}

func (f *fixture) callState(id domain.CallID) domain.CallState {
	f.t.Helper()
	sess, err := f.store.GetCallSession(context.Background(), id)
	require.NoError(f.t, err)
	return sess.State
}

func offer(payload string) Signal {
	return Signal{Kind: SignalOffer, Payload: json.RawMessage(payload)}
}
