package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/store/memory"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	o := orch.New(memory.New(), orch.Options{
		Policy:     app.KickPolicy{},
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	})
	ctl := NewSignalWSController(o, Options{
		CallLimiter: NewRateLimiter(2, time.Minute),
	})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(IdentityKey, domain.User{ID: domain.UserID(id), Name: strings.ToUpper(id)})
		}
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		o.Presence.Wait()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": []string{user}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	readUntil(t, ws, "session.welcome")
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(core.Inbound{Type: typ, Data: raw}))
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var in core.Inbound
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		require.NoError(t, json.Unmarshal(data, &in))
		if in.Type == typ {
			return in.Data
		}
	}
}

func readError(t *testing.T, ws *websocket.Conn) errorData {
	t.Helper()
	var e errorData
	require.NoError(t, json.Unmarshal(readUntil(t, ws, "error"), &e))
	return e
}

func TestHandleSignalRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWelcomeAndControlMessages(t *testing.T) {
	srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": []string{"alice"}})
	require.NoError(t, err)
	defer ws.Close()

	var welcome orch.Welcome
	require.NoError(t, json.Unmarshal(readUntil(t, ws, "session.welcome"), &welcome))
	assert.NotEmpty(t, welcome.Handle)
	assert.Equal(t, domain.UserID("alice"), welcome.User.ID)
	require.Len(t, welcome.ICEServers, 1)

	send(t, ws, "ping", nil)
	readUntil(t, ws, "pong")

	send(t, ws, "whoami", nil)
	var me domain.Member
	require.NoError(t, json.Unmarshal(readUntil(t, ws, "whoami"), &me))
	assert.Equal(t, welcome.Handle, me.Handle)

	send(t, ws, "presence.list", nil)
	var list struct {
		Online []domain.User `json:"online"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, ws, "presence.list"), &list))
	require.Len(t, list.Online, 1)

	send(t, ws, "scope.subscribe", map[string]string{"scope": "ws-1"})
	send(t, ws, "rooms.list", map[string]string{"workspaceId": "ws-1", "channelId": "ch-1"})
	var rooms orch.Rooms
	require.NoError(t, json.Unmarshal(readUntil(t, ws, "rooms.list"), &rooms))
	assert.Nil(t, rooms.GroupCall)
	assert.Empty(t, rooms.ScreenShares)
}

func TestCallOverWebsocket(t *testing.T) {
	srv := newTestServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	send(t, alice, "call.initiate", map[string]string{"receiverId": "bob", "kind": "video"})
	var incoming struct {
		Call domain.CallSession `json:"call"`
		Peer domain.User        `json:"peer"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, bob, "call.incoming"), &incoming))
	assert.Equal(t, domain.UserID("alice"), incoming.Peer.ID)
	assert.Equal(t, domain.CallVideo, incoming.Call.Kind)
	callID := incoming.Call.ID
	readUntil(t, alice, "call.initiated")

	send(t, bob, "call.accept", map[string]any{"callId": callID})
	readUntil(t, alice, "call.accepted")

	send(t, alice, "call.offer", map[string]any{"callId": callID, "payload": map[string]string{"sdp": "v=0"}})
	var offer struct {
		CallID  domain.CallID   `json:"callId"`
		From    domain.Member   `json:"from"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, bob, "call.offer"), &offer))
	assert.Equal(t, callID, offer.CallID)
	assert.Equal(t, domain.UserID("alice"), offer.From.User.ID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Payload))

	require.NoError(t, alice.Close())
	var ended struct {
		Call domain.CallSession `json:"call"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, bob, "call.ended"), &ended))
	assert.Equal(t, domain.CallEnded, ended.Call.State)
}

func TestErrorsGoToSenderOnly(t *testing.T) {
	srv := newTestServer(t)
	alice := dial(t, srv, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "invalid", readError(t, alice).Code)

	send(t, alice, "call.accept", map[string]string{"callId": "missing"})
	e := readError(t, alice)
	assert.Equal(t, "call.accept", e.Op)
	assert.Equal(t, "not_found", e.Code)

	send(t, alice, "nonsense", map[string]string{})
	assert.Equal(t, "invalid", readError(t, alice).Code)

	send(t, alice, "call.bogus", map[string]string{"callId": "x"})
	assert.Equal(t, "invalid", readError(t, alice).Code)

	send(t, alice, "groupcall.offer", map[string]string{"channelId": "ch-1", "to": "bob"})
	assert.Equal(t, "invalid", readError(t, alice).Code, "payload is required")

	send(t, alice, "meeting.join", map[string]string{})
	assert.Equal(t, "invalid", readError(t, alice).Code)
}

func TestCallInitiateIsRateLimited(t *testing.T) {
	srv := newTestServer(t)
	alice := dial(t, srv, "alice")

	for i := 0; i < 2; i++ {
		send(t, alice, "call.initiate", map[string]string{"receiverId": "bob"})
	}
	readUntil(t, alice, "call.initiated")
	readUntil(t, alice, "call.busy")

	send(t, alice, "call.initiate", map[string]string{"receiverId": "carol"})
	e := readError(t, alice)
	assert.Equal(t, "call.initiate", e.Op)
	assert.Equal(t, "rate_limited", e.Code)
}

func TestGroupCallOverWebsocket(t *testing.T) {
	srv := newTestServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	send(t, bob, "scope.subscribe", map[string]string{"scope": "ch-1"})
	send(t, bob, "ping", nil)
	readUntil(t, bob, "pong")
	send(t, alice, "groupcall.start", map[string]string{"channelId": "ch-1", "kind": "voice"})
	readUntil(t, alice, "groupcall.started")
	readUntil(t, bob, "groupcall.incoming")

	send(t, bob, "groupcall.join", map[string]string{"channelId": "ch-1", "callId": "stale"})
	e := readError(t, bob)
	assert.Equal(t, "groupcall.join", e.Op)
	assert.Equal(t, "not_found", e.Code)

	send(t, bob, "groupcall.join", map[string]string{"channelId": "ch-1"})
	var peer struct {
		Peer          domain.Member `json:"peer"`
		InitiateOffer bool          `json:"initiateOffer"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, alice, "groupcall.peerJoined"), &peer))
	assert.Equal(t, domain.UserID("bob"), peer.Peer.User.ID)
	assert.True(t, peer.InitiateOffer)
	readUntil(t, bob, "groupcall.joined")

	send(t, alice, "groupcall.ice", map[string]any{"channelId": "ch-1", "to": "bob", "payload": map[string]string{"candidate": "c"}})
	readUntil(t, bob, "groupcall.ice")

	send(t, bob, "groupcall.leave", map[string]string{"channelId": "ch-1"})
	readUntil(t, alice, "groupcall.peerLeft")
}
