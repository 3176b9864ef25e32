package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	chatBurst  = 20
	chatWindow = 10 * time.Second
)

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowCredentials = true
	cfg.AllowHeaders = []string{"Authorization", "Content-Type", "Origin", "Accept", HeaderUserID, HeaderUserName, HeaderUserAvatar}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.ExposeHeaders = []string{"Set-Cookie"}
	return cfg
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, auth Authenticator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.CORS.AllowedOrigins)))

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no session secret configured, sessions will not survive a restart")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("HuddleSessions", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
		PongWait:    cfg.PongWait,
		WriteWait:   cfg.WriteWait,
		SendBuffer:  cfg.SendBuffer,
		CallLimiter: signal.NewRateLimiter(cfg.Limits.CallInitiations, cfg.Limits.CallInterval),
		ChatLimiter: signal.NewRateLimiter(chatBurst, chatWindow),
	})
	api := NewAPI(o, cfg.Limits.MeetingCapacity)

	g := r.Group("/api", IdentityMiddleware(auth))
	g.GET("/ice-servers", api.ICEServers)
	g.GET("/presence", api.Presence)
	g.GET("/calls/:id", api.GetCall)
	g.GET("/groupcalls/:channel", api.GetGroupCall)
	g.GET("/screenshares", api.ListScreenShares)
	g.POST("/meetings", api.CreateMeeting)
	g.GET("/meetings/:id", api.GetMeeting)
	g.GET("/meetings/link/:token", api.GetMeetingByLink)
	g.POST("/meetings/:id/respond", api.RespondMeeting)

	g.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("user", string(identity(c).ID)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
