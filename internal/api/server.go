// Package api exposes the reward engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"realmkin-staking/internal/metrics"
)

// Config holds the server configuration.
type Config struct {
	Debug        bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	CronSecret  string
	AdminSecret string
}

// Server wraps the HTTP server.
type Server struct {
	config     Config
	router     *gin.Engine
	httpServer *http.Server
}

// New builds the router with every route registered.
func New(cfg Config, h *Handler, verifier *TokenVerifier, m *metrics.Metrics) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(Recovery())
	router.Use(Logger())
	router.Use(CORS())
	router.Use(Metrics(m))

	SetupRoutes(router, h, verifier, cfg, m)

	return &Server{
		config: cfg,
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// SetupRoutes registers the reward endpoints.
func SetupRoutes(router *gin.Engine, h *Handler, verifier *TokenVerifier, cfg Config, m *metrics.Metrics) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// Health variants of the trigger endpoints, no auth and no side effects.
	for _, path := range []string{"/claim", "/auto-claim", "/force-claim", "/accrue", "/settle"} {
		router.GET(path, h.Status)
	}

	user := router.Group("/", RequireUser(verifier))
	{
		user.POST("/claim", h.Claim)
		user.GET("/claim/history", h.ClaimHistory)
		user.POST("/stake", h.CreateStake)
		user.GET("/stakes", h.ListStakes)
		user.POST("/unstake", h.Unstake)
	}

	cron := router.Group("/", RequireSecret(cfg.CronSecret))
	{
		cron.POST("/auto-claim", h.AutoClaim)
		cron.POST("/accrue", h.Accrue)
		cron.POST("/settle", h.Settle)
		cron.POST("/holdings", h.SyncHoldings)
	}

	router.POST("/force-claim", RequireSecret(cfg.AdminSecret), h.ForceClaim)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	log.Info().Str("address", s.httpServer.Addr).Msg("Starting API server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down API server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
