package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Relay/internal/adapters/ws"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	ctx      context.Context
	orch     *app.Orchestrator
	identity IdentityResolver
	limiter  *ConnectLimiter
	upgrader *websocket.Upgrader
	wsOpts   ws.Options
	tokenTTL time.Duration

	cookieOpts sessions.Options
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"sessions":    h.orch.SessionCount(),
		"subscribers": h.orch.Hub.Subscribers(),
	})
}

func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Rooms()})
}

func (h *Handler) RoomUsers(c *gin.Context) {
	room := domain.RoomName(c.Param("room"))
	c.JSON(http.StatusOK, gin.H{"room": room, "users": h.orch.UsersOf(room)})
}

func (h *Handler) UserRooms(c *gin.Context) {
	username := c.Param("username")
	c.JSON(http.StatusOK, gin.H{"username": username, "rooms": h.orch.RoomsOf(username)})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	if !h.identity.AllowAnonymous {
		abortError(c, http.StatusForbidden, errors.New("self-asserted login is disabled"))
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	user, err := domain.NewUser(req.Username)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	s := sessions.Default(c)
	s.Set(sessionUserKey, user.Username)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		abortError(c, http.StatusInternalServerError, errors.New("could not save session"))
		return
	}

	resp := gin.H{"username": user.Username}
	if len(h.identity.Secret) > 0 {
		token, err := IssueToken(h.identity.Secret, user.Username, h.tokenTTL)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
			abortError(c, http.StatusInternalServerError, errors.New("could not issue token"))
			return
		}
		resp["token"] = token
	}
	log.Info().Str("module", "adapters.http").Str("username", user.Username).Msg("login")
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) WhoAmI(c *gin.Context) {
	u, ok := sessions.Default(c).Get(sessionUserKey).(string)
	if !ok || u == "" {
		abortError(c, http.StatusUnauthorized, ErrNoIdentity)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": u})
}

func (h *Handler) Logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	opts := h.cookieOpts
	opts.MaxAge = -1
	s.Options(opts)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("clear session")
	}
	c.Status(http.StatusNoContent)
}

// ServeWS resolves the caller, upgrades the connection and blocks for the
// lifetime of the session.
func (h *Handler) ServeWS(c *gin.Context) {
	username, err := h.identity.Resolve(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws rejected")
		abortError(c, http.StatusUnauthorized, err)
		return
	}
	if err := domain.ValidateUsername(username); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if !h.limiter.Allow(username) {
		log.Warn().Str("module", "adapters.http").Str("username", username).Msg("connect rate limited")
		abortError(c, http.StatusTooManyRequests, errors.New("too many connects"))
		return
	}

	ch, err := ws.Upgrade(h.upgrader, c.Writer, c.Request, h.wsOpts)
	if err != nil {
		// the upgrader has already answered the request
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("username", username).Str("ct", c.GetString("client_token")).Msg("ws connected")

	if err := h.orch.Accept(h.ctx, ch, username); errors.Is(err, app.ErrShuttingDown) {
		log.Warn().Str("module", "adapters.http").Str("username", username).Msg("ws refused during shutdown")
	}
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
