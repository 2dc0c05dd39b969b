package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/Whisper/internal/app/orch"
	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionTokenKey is the cookie-session key holding the bearer token.
const SessionTokenKey = "token"

var errNotMember = errors.New("not a member of this room")

type Options struct {
	ReadLimit   int64
	PingPeriod  time.Duration
	PongWait    time.Duration
	WriteWait   time.Duration
	SendBuffer  int
	AuthTimeout time.Duration
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
		PongWait:    cfg.PongWait,
		WriteWait:   cfg.WriteWait,
		SendBuffer:  cfg.SendBuffer,
		AuthTimeout: cfg.AuthTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	return o
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Identity core.Identity
	Limiter  *RateLimiter

	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, id core.Identity, limiter *RateLimiter, opts Options) *SignalWSController {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &SignalWSController{
		Orch:     o,
		Identity: id,
		Limiter:  limiter,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// roomResolver maps the authenticated user to the room the endpoint serves.
type roomResolver func(ctx context.Context, me domain.UserID) (domain.RoomID, error)

// Private serves /ws/private/:friend_id.
func (ctl *SignalWSController) Private(c *gin.Context) {
	friend, err := domain.ParseUserID(c.Param("friend_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid friend id"})
		return
	}
	ctl.serve(c, func(ctx context.Context, me domain.UserID) (domain.RoomID, error) {
		if friend == me {
			return "", errNotMember
		}
		ok, err := ctl.Orch.Store.AreFriends(ctx, me, friend)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errNotMember
		}
		return domain.PrivateRoom(me, friend), nil
	})
}

// Group serves /ws/group/:group_id.
func (ctl *SignalWSController) Group(c *gin.Context) {
	group, err := strconv.ParseInt(c.Param("group_id"), 10, 64)
	if err != nil || group <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}
	ctl.serve(c, func(ctx context.Context, me domain.UserID) (domain.RoomID, error) {
		ok, err := ctl.Orch.Store.IsGroupMember(ctx, group, me)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errNotMember
		}
		return domain.GroupRoom(group), nil
	})
}

// Notifications serves /ws/notifications.
func (ctl *SignalWSController) Notifications(c *gin.Context) {
	ctl.serve(c, func(_ context.Context, me domain.UserID) (domain.RoomID, error) {
		return domain.NotificationRoom(me), nil
	})
}

// Feed serves /ws/feed.
func (ctl *SignalWSController) Feed(c *gin.Context) {
	ctl.serve(c, func(_ context.Context, me domain.UserID) (domain.RoomID, error) {
		return domain.FeedRoom(me), nil
	})
}

// Credential returns the first token found in the query, the Authorization
// header or the cookie session.
func Credential(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if t := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); t != "" {
			return t
		}
	}
	if t, ok := sessions.Default(c).Get(SessionTokenKey).(string); ok {
		return t
	}
	return ""
}

type authSuccess struct {
	Type     string        `json:"type"`
	Message  string        `json:"message"`
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	Room     domain.RoomID `json:"room"`
}

type authIn struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// handshakeError closes the socket with Code.
type handshakeError struct {
	Code   int
	Reason string
}

func (ctl *SignalWSController) serve(c *gin.Context, resolve roomResolver) {
	token := Credential(c)

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)
	conn := newConn(ws, ctl.opts.SendBuffer)
	go ctl.writePump(conn)

	ctx := c.Request.Context()
	client, herr := ctl.handshake(ctx, conn, token, resolve)
	if herr != nil {
		log.Info().Str("module", "signal").Str("conn", string(conn.ID())).Int("code", herr.Code).Str("reason", herr.Reason).Msg("handshake rejected")
		conn.CloseWith(herr.Code, herr.Reason)
		return
	}

	_ = ctl.Orch.Fanout.SendTo(conn, authSuccess{
		Type:     "auth_success",
		Message:  "Authenticated successfully",
		UserID:   client.User.ID,
		Username: client.User.Username,
		Room:     client.Room,
	})
	ctl.Orch.Connect(client)
	ctl.readPump(ctx, client, conn)
}

func (ctl *SignalWSController) handshake(ctx context.Context, conn *WsSignalConn, token string, resolve roomResolver) (*orch.Client, *handshakeError) {
	if token == "" {
		var ok bool
		if token, ok = ctl.awaitAuth(conn); !ok {
			return nil, &handshakeError{core.CloseUnauthenticated, "Authentication required"}
		}
	}

	uid, err := ctl.Identity.Verify(ctx, token)
	if err != nil {
		return nil, &handshakeError{core.CloseInvalidToken, "Invalid or expired token"}
	}
	profile, err := ctl.Orch.Store.Profile(ctx, uid)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &handshakeError{core.CloseInvalidToken, "User not found"}
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Int64("user", int64(uid)).Msg("profile lookup")
		return nil, &handshakeError{websocket.CloseInternalServerErr, "internal error"}
	}

	room, err := resolve(ctx, uid)
	if errors.Is(err, errNotMember) {
		return nil, &handshakeError{core.CloseNotMember, "Not a member of this room"}
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Int64("user", int64(uid)).Msg("membership lookup")
		return nil, &handshakeError{websocket.CloseInternalServerErr, "internal error"}
	}
	return &orch.Client{Conn: conn, User: *profile, Room: room}, nil
}

// awaitAuth reads one {"type":"auth","token":...} envelope within the auth timeout.
func (ctl *SignalWSController) awaitAuth(conn *WsSignalConn) (string, bool) {
	_ = conn.conn.SetReadDeadline(time.Now().Add(ctl.opts.AuthTimeout))
	_, data, err := conn.conn.ReadMessage()
	if err != nil {
		return "", false
	}
	var in authIn
	if err := json.Unmarshal(data, &in); err != nil || in.Type != "auth" || in.Token == "" {
		return "", false
	}
	return in.Token, true
}
