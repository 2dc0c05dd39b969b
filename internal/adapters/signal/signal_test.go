package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Whisper/internal/adapters/auth"
	"github.com/dkeye/Whisper/internal/adapters/store"
	"github.com/dkeye/Whisper/internal/app"
	"github.com/dkeye/Whisper/internal/app/calls"
	"github.com/dkeye/Whisper/internal/app/orch"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv  *httptest.Server
	jwt  *auth.JWT
	orch *orch.Orchestrator
}

func newHarness(t *testing.T, limiter *RateLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	mem.AddUser(domain.Profile{ID: 1, Username: "alice"})
	mem.AddUser(domain.Profile{ID: 2, Username: "bob"})
	mem.AddUser(domain.Profile{ID: 3, Username: "carol"})
	mem.AddFriends(1, 2)
	mem.AddGroupMembers(9, 1, 2)

	reg := app.NewRegistry()
	fan := app.NewFanout(reg)
	pres := app.NewPresence(reg, fan, 50*time.Millisecond)
	mgr := calls.NewManager(calls.Config{RingTimeout: time.Second, QuorumGrace: time.Second}, fan, mem, nil)
	o := orch.New(reg, fan, pres, mgr, app.SimplePolicy{}, mem, nil)
	t.Cleanup(o.Close)

	j, err := auth.NewJWT("test-secret", "HS256")
	require.NoError(t, err)

	ctl := NewSignalWSController(o, j, limiter, Options{AuthTimeout: 200 * time.Millisecond})
	r := gin.New()
	r.Use(sessions.Sessions("test", cookie.NewStore([]byte("k"))))
	r.GET("/ws/private/:friend_id", ctl.Private)
	r.GET("/ws/group/:group_id", ctl.Group)
	r.GET("/ws/notifications", ctl.Notifications)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, jwt: j, orch: o}
}

func (h *harness) token(t *testing.T, user domain.UserID) string {
	t.Helper()
	tok, err := h.jwt.Issue(user, time.Minute)
	require.NoError(t, err)
	return tok
}

func (h *harness) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readType reads frames until one of type typ arrives.
func readType(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env map[string]any
		require.NoError(t, ws.ReadJSON(&env))
		if env["type"] == typ {
			return env
		}
	}
}

func closeCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	}
}

func TestHandshake_QueryToken(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "/ws/private/2?token="+h.token(t, 1), nil)

	ok := readType(t, ws, "auth_success")
	assert.EqualValues(t, 1, ok["user_id"])
	assert.Equal(t, "private_1_2", ok["room"])

	users := readType(t, ws, "online_users")
	assert.Equal(t, []any{float64(1)}, users["users"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	readType(t, ws, "pong")
}

func TestHandshake_BearerAndInBand(t *testing.T) {
	h := newHarness(t, nil)

	ws := h.dial(t, "/ws/group/9", http.Header{"Authorization": {"Bearer " + h.token(t, 2)}})
	readType(t, ws, "auth_success")

	ws2 := h.dial(t, "/ws/notifications", nil)
	require.NoError(t, ws2.WriteJSON(map[string]any{"type": "auth", "token": h.token(t, 3)}))
	ok := readType(t, ws2, "auth_success")
	assert.Equal(t, "user_3", ok["room"])
}

func TestHandshake_CloseCodes(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("no credential", func(t *testing.T) {
		ws := h.dial(t, "/ws/private/2", nil)
		assert.Equal(t, core.CloseUnauthenticated, closeCode(t, ws))
	})
	t.Run("wrong first envelope", func(t *testing.T) {
		ws := h.dial(t, "/ws/private/2", nil)
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": "hi"}))
		assert.Equal(t, core.CloseUnauthenticated, closeCode(t, ws))
	})
	t.Run("bad token", func(t *testing.T) {
		ws := h.dial(t, "/ws/private/2?token=junk", nil)
		assert.Equal(t, core.CloseInvalidToken, closeCode(t, ws))
	})
	t.Run("unknown user", func(t *testing.T) {
		ws := h.dial(t, "/ws/notifications?token="+h.token(t, 77), nil)
		assert.Equal(t, core.CloseInvalidToken, closeCode(t, ws))
	})
	t.Run("not friends", func(t *testing.T) {
		ws := h.dial(t, "/ws/private/3?token="+h.token(t, 1), nil)
		assert.Equal(t, core.CloseNotMember, closeCode(t, ws))
	})
	t.Run("not in group", func(t *testing.T) {
		ws := h.dial(t, "/ws/group/9?token="+h.token(t, 3), nil)
		assert.Equal(t, core.CloseNotMember, closeCode(t, ws))
	})
}

func TestPrivateChat_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial(t, "/ws/private/2?token="+h.token(t, 1), nil)
	readType(t, alice, "online_users")
	bob := h.dial(t, "/ws/private/1?token="+h.token(t, 2), nil)
	readType(t, bob, "online_users")

	online := readType(t, alice, "user_online")
	assert.EqualValues(t, 2, online["user_id"])

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "message", "content": "hi", "temp_id": "t1"}))
	got := readType(t, bob, "message")
	assert.Equal(t, "hi", got["content"])
	assert.Equal(t, "alice", got["sender_username"])
	echo := readType(t, alice, "message")
	assert.Equal(t, "t1", echo["temp_id"])

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		return !h.orch.Registry.HasUser(2)
	}, time.Second, 10*time.Millisecond)
	off := readType(t, alice, "user_offline")
	assert.EqualValues(t, 2, off["user_id"])
}

func TestReadPump_RateLimited(t *testing.T) {
	h := newHarness(t, NewRateLimiter(2, time.Minute))
	ws := h.dial(t, "/ws/notifications?token="+h.token(t, 1), nil)
	readType(t, ws, "online_users")

	for i := 0; i < 3; i++ {
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	}
	readType(t, ws, "pong")
	readType(t, ws, "pong")
	e := readType(t, ws, "error")
	assert.Equal(t, "rate_limited", e["code"])
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per connection")

	require.Eventually(t, func() bool { return rl.Allow("a") }, time.Second, 10*time.Millisecond)

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
	assert.True(t, NewRateLimiter(0, time.Second).Allow("x"))
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	c := &WsSignalConn{id: "c", send: make(chan core.Frame, 1), code: core.CloseNormal}
	require.NoError(t, c.TrySend(core.Frame("a")))
	assert.ErrorIs(t, c.TrySend(core.Frame("b")), core.ErrBackpressure)

	c.CloseWith(core.CloseNotMember, "bye")
	c.Close()
	code, reason := c.closeStatus()
	assert.Equal(t, core.CloseNotMember, code)
	assert.Equal(t, "bye", reason)
	assert.ErrorIs(t, c.TrySend(core.Frame("c")), core.ErrConnClosed)
}
