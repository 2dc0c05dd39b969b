package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/dkeye/Whisper/internal/adapters/signal"
	"github.com/dkeye/Whisper/internal/app/orch"
	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	userKey            = "user_id"
	serviceTokenHeader = "X-Service-Token"
)

type api struct {
	cfg      *config.Config
	orch     *orch.Orchestrator
	identity core.Identity
}

// RequireUser verifies the request credential and stores the user id in the context.
func (a *api) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := signal.Credential(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		uid, err := a.identity.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(userKey, uid)
		c.Next()
	}
}

// RequireService admits backend callers holding the configured service token.
func (a *api) RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(serviceTokenHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "service token required"})
			return
		}
		want := a.cfg.ServiceToken
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			log.Warn().Str("module", "adapters.http").Str("ip", c.ClientIP()).Msg("service token rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, o *orch.Orchestrator, identity core.Identity, ws *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("WhisperSession", store))

	a := &api{cfg: cfg, orch: o, identity: identity}

	wsg := r.Group("/ws")
	wsg.GET("/private/:friend_id", ws.Private)
	wsg.GET("/group/:group_id", ws.Group)
	wsg.GET("/notifications", ws.Notifications)
	wsg.GET("/feed", ws.Feed)

	apiGroup := r.Group("/api")
	apiGroup.GET("/health", a.health)
	apiGroup.POST("/session", a.createSession)
	apiGroup.DELETE("/session", a.deleteSession)

	authed := apiGroup.Group("", a.RequireUser())
	authed.GET("/stats", a.stats)
	authed.GET("/users/:id/status", a.userStatus)
	authed.POST("/users/:id/offline", a.forceOffline)
	authed.GET("/rooms/:room/members", a.roomMembers)

	apiGroup.POST("/notify", a.RequireService(), a.notify)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func (a *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": a.cfg.NodeID})
}

func (a *api) stats(c *gin.Context) {
	c.JSON(http.StatusOK, a.orch.Stats())
}

type sessionIn struct {
	Token string `json:"token"`
}

// createSession stores a verified token in the cookie session so browsers can
// open sockets without putting the token in the URL.
func (a *api) createSession(c *gin.Context) {
	var in sessionIn
	_ = c.ShouldBindJSON(&in)
	if in.Token == "" {
		in.Token = signal.Credential(c)
	}
	if in.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	uid, err := a.identity.Verify(c.Request.Context(), in.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	s := sessions.Default(c)
	s.Set(signal.SessionTokenKey, in.Token)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session not saved"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": uid})
}

func (a *api) deleteSession(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	_ = s.Save()
	c.Status(http.StatusNoContent)
}

func pathUser(c *gin.Context) (domain.UserID, bool) {
	id, err := domain.ParseUserID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (a *api) userStatus(c *gin.Context) {
	id, ok := pathUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.orch.UserStatus(c.Request.Context(), id))
}

// forceOffline is the sign-out hook; users may only sign themselves out.
func (a *api) forceOffline(c *gin.Context) {
	id, ok := pathUser(c)
	if !ok {
		return
	}
	if c.MustGet(userKey).(domain.UserID) != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	closed := a.orch.ForceOffline(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"user_id": id, "closed": closed})
}

func (a *api) roomMembers(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	if room.Kind() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room"})
		return
	}
	ok, err := a.orch.CanView(c.Request.Context(), room, c.MustGet(userKey).(domain.UserID))
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(room)).Msg("room membership")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":    room,
		"members": a.orch.Registry.UsersIn(room),
		"online":  a.orch.OnlineUsers(room),
	})
}

type notifyIn struct {
	UserIDs []domain.UserID `json:"user_ids" binding:"required,min=1"`
	Channel orch.Channel    `json:"channel"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// notify lets backend services push a prepared envelope into users' notification or feed sockets.
func (a *api) notify(c *gin.Context) {
	var in notifyIn
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch in.Channel {
	case "":
		in.Channel = orch.ChannelNotifications
	case orch.ChannelNotifications, orch.ChannelFeed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be notifications or feed"})
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(in.Payload, &head); err != nil || head.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be an envelope with a type"})
		return
	}
	sent := a.orch.Notify(in.UserIDs, in.Channel, core.Frame(in.Payload))
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}
