// Package server provides the read-only HTTP surface: bot state, trade and
// decision history, reconciliation, system health, and the event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/deviation"
	"github.com/quantfold/rebalancer/internal/engine"
	"github.com/quantfold/rebalancer/internal/events"
	"github.com/quantfold/rebalancer/internal/executor"
	"github.com/quantfold/rebalancer/internal/locks"
	"github.com/quantfold/rebalancer/internal/oracle"
	"github.com/quantfold/rebalancer/internal/scheduler"
)

// Config holds server wiring.
type Config struct {
	Log            zerolog.Logger
	Port           int
	DevMode        bool
	DB             *database.DB
	Bots           *bots.BotRepository
	Assets         *bots.AssetRepository
	Logs           *bots.LogRepository
	Trades         *executor.TradeRepository
	Missed         *engine.MissedRepository
	Deviations     *deviation.Repository
	PriceHistory   *oracle.HistoryRepository
	Locks          *locks.Repository
	Reconciliation *bots.ReconciliationService
	Reset          *bots.ResetService
	Scheduler      *scheduler.Scheduler
	Events         *events.Manager
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}
	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	h := newHandlers(s.cfg, s.log)
	sys := newSystemHandlers(s.cfg.DB, s.log)
	ws := newEventsWSHandler(s.cfg.Events, s.log)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/events/ws", ws.ServeHTTP)

		r.Route("/bots", func(r chi.Router) {
			r.Get("/", h.handleListBots)
			r.Route("/{botID}", func(r chi.Router) {
				r.Get("/", h.handleGetBot)
				r.Get("/trades", h.handleBotTrades)
				r.Get("/missed-trades", h.handleBotMissedTrades)
				r.Get("/deviations", h.handleBotDeviations)
				r.Get("/decision-log", h.handleBotDecisionLog)
				r.Get("/price-history", h.handleBotPriceHistory)
				r.Get("/reconcile", h.handleBotReconcile)
				r.Post("/reset", h.handleBotReset)
				r.Post("/start", h.handleBotStart)
				r.Post("/stop", h.handleBotStop)
			})
		})

		r.Get("/locks", h.handleActiveLocks)
		r.Get("/logs", h.handleLogs)

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", sys.handleSystemHealth)
			r.Get("/database/stats", sys.handleDatabaseStats)
		})
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
