package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/huddle/internal/adapters/store/memory"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu    sync.Mutex
	types []string
}

func (c *fakeConn) TrySend(f core.Frame) error {
	var in core.Inbound
	if err := json.Unmarshal(f, &in); err != nil {
		return err
	}
	c.mu.Lock()
	c.types = append(c.types, in.Type)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.types {
		if t == typ {
			n++
		}
	}
	return n
}

func newOrchestrator(t *testing.T) (*Orchestrator, *memory.Store) {
	store := memory.New()
	o := New(store, Options{
		Policy:     app.DropPolicy{},
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	})
	t.Cleanup(o.Presence.Wait)
	return o, store
}

func TestConnectWelcome(t *testing.T) {
	o, _ := newOrchestrator(t)
	alice, err := o.Connect(domain.User{ID: "alice", Name: "Alice"}, &fakeConn{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, alice.Handle)

	w := o.Welcome(alice)
	assert.Equal(t, alice.Handle, w.Handle)
	require.Len(t, w.Online, 1)
	assert.Equal(t, domain.UserID("alice"), w.Online[0].ID)
	require.Len(t, w.ICEServers, 1)

	w.ICEServers = append(w.ICEServers, webrtc.ICEServer{})
	assert.Len(t, o.ICEServers(), 1)

	_, err = o.Connect(domain.User{}, &fakeConn{}, nil)
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestDisconnectCleansUpOnce(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()
	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	alice, err := o.Connect(domain.User{ID: "alice", Name: "Alice"}, aliceConn, nil)
	require.NoError(t, err)
	bob, err := o.Connect(domain.User{ID: "bob", Name: "Bob"}, bobConn, nil)
	require.NoError(t, err)

	sess, err := o.Calls.Initiate(ctx, alice, "bob", domain.CallVoice, "")
	require.NoError(t, err)
	_, _, err = o.GroupCalls.Start(alice, "ch-1", domain.CallVoice)
	require.NoError(t, err)
	_, err = o.GroupCalls.Join(bob, "ch-1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Disconnect(ctx, bob.Handle)
		}()
	}
	wg.Wait()

	got, err := store.GetCallSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, got.State)
	assert.Equal(t, 1, aliceConn.count("call.missed"))
	assert.Equal(t, 1, aliceConn.count("groupcall.peerLeft"))
	assert.False(t, o.Registry.IsOnline("bob"))
}

func TestRoomsIn(t *testing.T) {
	o, _ := newOrchestrator(t)
	alice, err := o.Connect(domain.User{ID: "alice"}, &fakeConn{}, nil)
	require.NoError(t, err)
	require.NoError(t, o.Subscribe(alice, "ws-1"))

	rooms := o.RoomsIn("ws-1", "ch-1")
	assert.Nil(t, rooms.GroupCall)
	assert.Empty(t, rooms.ScreenShares)

	_, _, err = o.GroupCalls.Start(alice, "ch-1", domain.CallVideo)
	require.NoError(t, err)
	_, err = o.ScreenShare.Start(alice, "ws-1", "ch-1")
	require.NoError(t, err)

	rooms = o.RoomsIn("ws-1", "ch-1")
	require.NotNil(t, rooms.GroupCall)
	assert.Equal(t, domain.Scope("ch-1"), rooms.GroupCall.ChannelID)
	assert.Len(t, rooms.ScreenShares, 1)

	o.Unsubscribe(alice, "ws-1")
}
