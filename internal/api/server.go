// Package api is the HTTP intake surface: producers queue intents and read
// back intent and order state.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"zerodha-oms/internal/config"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/resilience"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

// Deps are the services the API fronts.
type Deps struct {
	Intents store.IntentQueue
	Orders  store.OrderStore
	Risk    ForceExiter
	Health  *resilience.HealthMonitor
	Access  *security.AccessController
	Audit   *security.AuditLogger
}

// Server is the intake API.
type Server struct {
	cfg    config.APIConfig
	router *gin.Engine
	logger zerolog.Logger
}

// NewServer builds the router. Nothing listens until Run.
func NewServer(cfg config.APIConfig, deps Deps, logger zerolog.Logger) *Server {
	logger = logging.WithComponent(logger, "api")
	if deps.Health == nil {
		deps.Health = resilience.NewHealthMonitor(0)
	}

	h := &Handlers{
		intents:   deps.Intents,
		orders:    deps.Orders,
		risk:      deps.Risk,
		health:    deps.Health,
		access:    deps.Access,
		audit:     deps.Audit,
		validator: security.NewInputValidator(true),
		logger:    logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RequestLogger(logger))

	router.GET("/health", h.Health())

	limiter := newRateLimiter(cfg.RateLimit, cfg.RateBurst)
	v1 := router.Group("/api/v1")
	v1.Use(JWTAuth(cfg.JWTSecret, deps.Audit), limiter.RateLimit())
	{
		v1.POST("/intents", h.SubmitIntent())
		v1.GET("/intents/:intent_id", h.GetIntent())
		v1.GET("/orders/:command_id", h.GetOrder())
		v1.POST("/risk/force-exit", h.ForceExit())
	}

	return &Server{cfg: cfg, router: router, logger: logger}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Bool("auth", s.cfg.JWTSecret != "").Msg("Intake API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("Intake API stopped")
	return nil
}
