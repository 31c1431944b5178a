package http

import (
	"context"
	stdhttp "net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/adapters/signal"
	"github.com/dkeye/Ring/internal/app/presence"
	"github.com/dkeye/Ring/internal/auth"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

// Directory lists every account with its presence flags.
type Directory interface {
	List(ctx context.Context) ([]domain.User, error)
}

// RelayTokens mints media relay credentials.
type RelayTokens interface {
	Voice(u domain.User) (core.Credential, error)
	Video(u domain.User, room domain.SessionID) (core.Credential, error)
}

type RoomCreator interface {
	CreateRoom(ctx context.Context, room domain.SessionID) error
}

// HealthCheck reports one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Auth     *auth.Service
	Users    Directory
	Presence *presence.Registry
	Signal   *signal.SignalWSController
	Relay    RelayTokens
	Rooms    RoomCreator
	Health   []HealthCheck
}

// SetupRouter wires the REST API, the signaling websocket and the static UI.
// ctx outlives single requests and owns the websocket pumps.
func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(latency())
	origins := cfg.CORS.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{stdhttp.MethodGet, stdhttp.MethodPost, stdhttp.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !allowsAll(origins),
		MaxAge:           12 * time.Hour,
	}))

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(cfg.JWT.TTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions("RingSessions", store))

	h := &handler{deps: d, speech: core.SpeechCredential{Key: cfg.Speech.Key, Region: cfg.Speech.Region}}

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.POST("/auth/register", h.register)
	api.POST("/auth/login", h.login)
	api.POST("/auth/logout", h.logout)

	protected := api.Group("")
	protected.Use(AuthRequired(d.Auth))
	protected.GET("/auth/verify", h.verify)
	protected.GET("/auth/users", h.users)
	protected.GET("/token/voice", h.voiceToken)
	protected.GET("/token/video", h.videoToken)
	protected.POST("/token/video/room", h.createRoom)
	protected.GET("/token/speech", h.speechToken)
	protected.GET("/presence/online", h.online)

	protected.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString(signal.UserKey)).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	return r
}

func allowsAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
