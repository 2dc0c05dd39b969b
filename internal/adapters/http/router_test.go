package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Whisper/internal/adapters/auth"
	"github.com/dkeye/Whisper/internal/adapters/signal"
	"github.com/dkeye/Whisper/internal/adapters/store"
	"github.com/dkeye/Whisper/internal/app"
	"github.com/dkeye/Whisper/internal/app/calls"
	"github.com/dkeye/Whisper/internal/app/orch"
	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceToken = "svc-token"

type fixture struct {
	handler http.Handler
	cfg     *config.Config
	jwt     *auth.JWT
	orch    *orch.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.AddUser(domain.Profile{ID: 1, Username: "alice"})
	mem.AddUser(domain.Profile{ID: 2, Username: "bob"})
	mem.AddFriends(1, 2)
	mem.AddGroupMembers(4, 2)

	reg := app.NewRegistry()
	fan := app.NewFanout(reg)
	pres := app.NewPresence(reg, fan, 20*time.Millisecond)
	mgr := calls.NewManager(calls.Config{RingTimeout: time.Second, QuorumGrace: time.Second}, fan, mem, nil)
	o := orch.New(reg, fan, pres, mgr, app.SimplePolicy{}, mem, nil)
	t.Cleanup(o.Close)

	j, err := auth.NewJWT("s", "HS256")
	require.NoError(t, err)

	cfg := &config.Config{Mode: "test", Secret: "cookie-secret", NodeID: "node-1", ServiceToken: serviceToken}
	ws := signal.NewSignalWSController(o, j, nil, signal.Options{})
	return &fixture{handler: SetupRouter(cfg, o, j, ws), cfg: cfg, jwt: j, orch: o}
}

func (f *fixture) token(t *testing.T, user domain.UserID) string {
	t.Helper()
	tok, err := f.jwt.Issue(user, time.Minute)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return f.doWith(method, path, header, body)
}

func (f *fixture) doWith(method, path string, header http.Header, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "node-1", decodeBody(t, w)["node_id"])
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/stats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/stats", "junk", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/stats", f.token(t, 1), nil).Code)
}

func TestUserStatusAndForceOffline(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, 1)

	w := f.do(http.MethodGet, "/api/users/2/status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["online"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/users/abc/status", tok, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/users/2/offline", tok, nil).Code)

	w = f.do(http.MethodPost, "/api/users/1/offline", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decodeBody(t, w)["closed"])
}

func serviceHeader(token string) http.Header {
	h := http.Header{}
	h.Set(serviceTokenHeader, token)
	return h
}

func TestNotifyValidation(t *testing.T) {
	f := newFixture(t)
	svc := serviceHeader(serviceToken)

	cases := map[string]any{
		"no users":    map[string]any{"payload": map[string]any{"type": "x"}},
		"no type":     map[string]any{"user_ids": []int{1}, "payload": map[string]any{"a": 1}},
		"bad channel": map[string]any{"user_ids": []int{1}, "channel": "sms", "payload": map[string]any{"type": "x"}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.doWith(http.MethodPost, "/api/notify", svc, body).Code)
		})
	}

	w := f.doWith(http.MethodPost, "/api/notify", svc, map[string]any{
		"user_ids": []int{2},
		"channel":  "feed",
		"payload":  map[string]any{"type": "new_post", "post_id": 5},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decodeBody(t, w)["sent"])
}

func TestNotifyRequiresServiceToken(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{
		"user_ids": []int{2},
		"payload":  map[string]any{"type": "friend_request_accepted", "from_user": 99},
	}

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/notify", f.token(t, 1), body).Code,
		"a user token is not a service credential")
	assert.Equal(t, http.StatusForbidden, f.doWith(http.MethodPost, "/api/notify", serviceHeader("guess"), body).Code)

	f.cfg.ServiceToken = ""
	assert.Equal(t, http.StatusForbidden, f.doWith(http.MethodPost, "/api/notify", serviceHeader("x"), body).Code,
		"notify is closed when no service token is configured")
}

func TestRoomMembers(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/rooms/lobby/members", tok, nil).Code)

	w := f.do(http.MethodGet, "/api/rooms/private_1_2/members", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "private_1_2", decodeBody(t, w)["room"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/rooms/user_1/members", tok, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/rooms/group_4/members", f.token(t, 2), nil).Code)
}

func TestRoomMembersRequiresMembership(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, 1)
	for _, room := range []string{"private_2_7", "group_4", "user_2", "feed_2"} {
		t.Run(room, func(t *testing.T) {
			assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/rooms/"+room+"/members", tok, nil).Code)
		})
	}
}

func TestSessionCookieOpensSocket(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(map[string]string{"token": f.token(t, 2)})
	resp, err := http.Post(srv.URL+"/api/session", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)

	header := http.Header{}
	for _, c := range cookies {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/feed"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env map[string]any
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "auth_success", env["type"])
	assert.Equal(t, "feed_2", env["room"])

	require.Eventually(t, func() bool { return f.orch.Registry.HasUser(2) }, time.Second, 10*time.Millisecond)
	sent := f.orch.Notify([]domain.UserID{2}, orch.ChannelFeed, map[string]any{"type": "new_post"})
	assert.Equal(t, 1, sent)
}

func TestSessionRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/session", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/session", "", map[string]string{"token": "junk"}).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/session", "", nil).Code)
}
