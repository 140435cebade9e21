// Package server is the ops API: health, pipeline status, recent errors,
// telemetry and the signed circuit-breaker reset. It binds to loopback;
// there is no web UI behind it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/database"
	"github.com/haetae-bot/haetae/internal/errorlog"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/governor"
	"github.com/haetae-bot/haetae/internal/risk"
	"github.com/haetae-bot/haetae/internal/selection"
	"github.com/haetae-bot/haetae/internal/telemetry"
	"github.com/haetae-bot/haetae/internal/token"
)

// Config holds server configuration.
type Config struct {
	Port int
	// Loc is the trading calendar's timezone; "today" in /api/status is
	// resolved in it.
	Loc *time.Location
}

// Deps are the live components the endpoints report on.
type Deps struct {
	DB         *database.DB
	Cache      *cache.Store
	Token      *token.Manager
	Governor   *governor.Governor
	Errors     *errorlog.Repository
	Telemetry  *telemetry.Monitor
	Breaker    *risk.CircuitBreaker
	Drawdown   *risk.DrawdownMonitor
	Selections *selection.Repository
	Files      *artifacts.Store
	Events     *events.Manager
}

// Server is the HTTP ops surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	deps   Deps
	log    zerolog.Logger
	loc    *time.Location

	now func() time.Time
}

// New builds the server and its routes.
func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		log:    log.With().Str("component", "server").Logger(),
		loc:    cfg.Loc,
		now:    time.Now,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		// Loopback only. Anything that needs this from outside goes
		// through a reverse proxy with its own auth.
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			"X-Reset-Timestamp", "X-Reset-Signature",
		},
		MaxAge: 300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleLiveness)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/errors/recent", s.handleRecentErrors)
		r.Get("/telemetry", s.handleTelemetry)
		r.Post("/circuit-breaker/reset", s.handleBreakerReset)
	})
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
