package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPresenceFollowsFirstAndLastHandle(t *testing.T) {
	f := newFixture(t)

	a1, _ := f.connect("alice")
	_, bobConn := f.connect("bob")
	a2, _ := f.connect("alice")
	f.presence.Wait()

	assert.Equal(t, []domain.HandleID{a1.Handle, a2.Handle}, f.reg.HandlesFor("alice"))

	require.True(t, f.disconnect(a1))
	assert.True(t, f.reg.IsOnline("alice"))
	var ev presenceEvent
	bobConn.last(t, "presence.changed", &ev)
	assert.Equal(t, domain.UserID("bob"), ev.UserID, "second handle must not announce alice again")

	require.True(t, f.disconnect(a2))
	f.presence.Wait()
	assert.False(t, f.reg.IsOnline("alice"))

	bobConn.last(t, "presence.changed", &ev)
	assert.Equal(t, domain.UserID("alice"), ev.UserID)
	assert.Equal(t, domain.StatusOffline, ev.Status)
	assert.Equal(t, "ALICE", ev.Name)

	status, _, ok := f.mem.Presence("alice")
	require.True(t, ok)
	assert.Equal(t, domain.StatusOffline, status)
}

func TestRegistryUnbindReportsOnce(t *testing.T) {
	f := newFixture(t)
	m, _ := f.connect("alice")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := f.reg.Unbind(m.Handle); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRegistryBindRejectsDuplicateHandle(t *testing.T) {
	reg := NewRegistry(nil)
	u := domain.User{ID: "alice", Name: "Alice"}
	require.NoError(t, reg.Bind(u, "h1", &recorderConn{}, nil))
	require.ErrorIs(t, reg.Bind(u, "h1", &recorderConn{}, nil), domain.ErrConflict)
	require.ErrorIs(t, reg.Bind(domain.User{}, "h2", &recorderConn{}, nil), domain.ErrInvalid)
}

func TestRegistryScopeDelivery(t *testing.T) {
	f := newFixture(t)
	a, aConn := f.connect("alice")
	b, bConn := f.connect("bob")
	require.NoError(t, f.reg.Subscribe(a.Handle, "ch-1"))
	require.NoError(t, f.reg.Subscribe(b.Handle, "ch-1"))
	require.ErrorIs(t, f.reg.Subscribe(a.Handle, ""), domain.ErrInvalid)
	require.ErrorIs(t, f.reg.Subscribe("ghost", "ch-1"), domain.ErrNotFound)

	n := f.reg.SendToScope("ch-1", core.NewEvent("x.test", nil), func(m domain.Member) bool {
		return m.User.ID == "alice"
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, aConn.count("x.test"))
	assert.Equal(t, 1, bConn.count("x.test"))

	f.reg.Unsubscribe(b.Handle, "ch-1")
	assert.Equal(t, 1, f.reg.SendToScope("ch-1", core.NewEvent("x.test", nil), nil))

	f.disconnect(a)
	assert.Equal(t, 0, f.reg.SendToScope("ch-1", core.NewEvent("x.test", nil), nil))
}

func TestRegistrySendToUserSkipsExcepted(t *testing.T) {
	f := newFixture(t)
	a1, c1 := f.connect("alice")
	_, c2 := f.connect("alice")

	assert.Equal(t, 1, f.reg.SendToUser("alice", core.NewEvent("x.test", nil), a1.Handle))
	assert.Equal(t, 0, c1.count("x.test"))
	assert.Equal(t, 1, c2.count("x.test"))
}

func TestRegistryKickPolicyCancelsSlowHandle(t *testing.T) {
	reg := NewRegistry(KickPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	slow := &recorderConn{full: true}
	require.NoError(t, reg.Bind(domain.User{ID: "alice"}, "h1", slow, cancel))

	assert.False(t, reg.SendToHandle("h1", core.NewEvent("x.test", nil)))
	assert.True(t, slow.isClosed())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestRegistryDropPolicyKeepsSlowHandle(t *testing.T) {
	reg := NewRegistry(PolicyFor("drop"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := &recorderConn{full: true}
	require.NoError(t, reg.Bind(domain.User{ID: "alice"}, "h1", slow, cancel))

	assert.False(t, reg.SendToHandle("h1", core.NewEvent("x.test", nil)))
	assert.False(t, slow.isClosed())
	assert.NoError(t, ctx.Err())
}

func TestRegistryOnlineUsersSorted(t *testing.T) {
	f := newFixture(t)
	f.connect("carol")
	f.connect("alice")
	f.connect("bob")

	var ids []domain.UserID
	for _, u := range f.presence.Online() {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []domain.UserID{"alice", "bob", "carol"}, ids)
}
