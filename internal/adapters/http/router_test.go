package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/store/memory"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
		SendBuffer: 16,
		Secret:     "test-secret",
		CORS:       config.CORSConfig{AllowedOrigins: []string{"*"}},
		Limits:     config.LimitsConfig{MeetingCapacity: 4},
	}
	o := orch.New(memory.New(), orch.Options{
		Policy:     app.KickPolicy{},
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	})
	t.Cleanup(o.Presence.Wait)
	return SetupRouter(context.Background(), cfg, o, nil), o
}

func do(t *testing.T, r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserName, "Name of "+user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

type meetingResponse struct {
	Meeting domain.Meeting  `json:"meeting"`
	Live    []domain.Member `json:"live"`
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresIdentity(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, path := range []string{"/api/ice-servers", "/api/presence", "/api/ws/signal"} {
		w := do(t, r, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestSessionCookieRemembersIdentity(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/api/ice-servers", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/api/ice-servers", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestICEServers(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/api/ice-servers", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}](t, w)
	require.Len(t, body.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, body.ICEServers[0].URLs)
}

func TestMeetingEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/meetings", "owner", map[string]any{
		"title":    "Retro",
		"invitees": []string{"guest"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[meetingResponse](t, w).Meeting
	assert.Equal(t, 4, created.MaxParticipants)
	assert.Equal(t, domain.UserID("owner"), created.CreatorID)

	w = do(t, r, http.MethodGet, "/api/meetings/"+string(created.ID), "guest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[meetingResponse](t, w).Live)

	w = do(t, r, http.MethodGet, "/api/meetings/link/"+created.LinkToken, "guest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeBody[meetingResponse](t, w).Meeting.ID)

	w = do(t, r, http.MethodGet, "/api/meetings/"+string(created.ID), "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeBody[map[string]string](t, w)["error"])

	w = do(t, r, http.MethodGet, "/api/meetings/missing", "guest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/meetings/"+string(created.ID)+"/respond", "guest", map[string]any{"accept": false})
	require.Equal(t, http.StatusOK, w.Code)
	responded := decodeBody[meetingResponse](t, w)
	p, ok := responded.Meeting.Participant("guest")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantDeclined, p.Status)

	w = do(t, r, http.MethodPost, "/api/meetings/"+string(created.ID)+"/respond", "guest", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/meetings", "owner", map[string]any{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallAndRoomEndpoints(t *testing.T) {
	r, o := newTestRouter(t)
	ctx := context.Background()
	alice, err := o.Connect(domain.User{ID: "alice", Name: "Alice"}, nopConn{}, nil)
	require.NoError(t, err)

	sess, err := o.Calls.Initiate(ctx, alice, "bob", domain.CallVoice, "ws-1")
	require.NoError(t, err)

	w := do(t, r, http.MethodGet, "/api/calls/"+string(sess.ID), "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/api/calls/"+string(sess.ID), "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/api/groupcalls/ch-1", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, _, err = o.GroupCalls.Start(alice, "ch-1", domain.CallVideo)
	require.NoError(t, err)
	w = do(t, r, http.MethodGet, "/api/groupcalls/ch-1", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/screenshares", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, err = o.ScreenShare.Start(alice, "ws-1", "ch-1")
	require.NoError(t, err)
	w = do(t, r, http.MethodGet, "/api/screenshares?workspace=ws-1", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[struct {
		Shares []json.RawMessage `json:"shares"`
	}](t, w).Shares, 1)

	w = do(t, r, http.MethodGet, "/api/presence", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[struct {
		Online []json.RawMessage `json:"online"`
	}](t, w).Online, 1)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrNotFound:  http.StatusNotFound,
		domain.ErrForbidden: http.StatusForbidden,
		domain.ErrConflict:  http.StatusConflict,
		domain.ErrCapacity:  http.StatusConflict,
		domain.ErrInvalid:   http.StatusBadRequest,
		domain.ErrThrottled: http.StatusTooManyRequests,
		domain.ErrUpstream:  http.StatusBadGateway,
		context.Canceled:    http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
