package http

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/dkeye/Relay/internal/adapters/ws"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// sessionMaxAge keeps a login for a week, like the client token cookie.
const sessionMaxAge = 3600 * 24 * 7

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware tags every browser with a stable "ct" cookie used for log correlation.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, sessionMaxAge, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter wires the HTTP surface. ctx bounds every WebSocket session.
func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := []byte(cfg.Secret)
	cookieKey := secret
	if len(cookieKey) == 0 {
		cookieKey = []byte(uuid.NewString())
		log.Warn().Str("module", "adapters.http").Msg("no secret configured; cookie sessions use an ephemeral key and tokens are disabled")
	}
	cookieOpts := sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	store := cookie.NewStore(cookieKey)
	store.Options(cookieOpts)
	r.Use(sessions.Sessions("RelaySessions", store))
	r.Use(ClientTokenMiddleware())

	h := &Handler{
		ctx:  ctx,
		orch: orch,
		identity: IdentityResolver{
			Secret:         secret,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
		},
		limiter: NewConnectLimiter(cfg.RateLimit.Connects, cfg.RateLimit.Interval),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		wsOpts: ws.Options{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			PongWait:   cfg.PongWait,
			WriteWait:  cfg.WriteWait,
		},
		tokenTTL:   cfg.Auth.TokenTTL,
		cookieOpts: cookieOpts,
	}

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(filepath.Join(cfg.StaticPath, "index.html"))
		})
	}

	r.GET("/healthz", h.Health)
	r.GET("/ws", h.ServeWS)

	api := r.Group("/api")
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:room/users", h.RoomUsers)
	api.GET("/users/:username/rooms", h.UserRooms)
	api.GET("/session", h.WhoAmI)
	api.POST("/session", h.Login)
	api.DELETE("/session", h.Logout)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("anonymous", cfg.Auth.AllowAnonymous).Msg("router setup")
	return r
}
