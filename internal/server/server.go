/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the control surface: a JSON API over chi for
// playback commands, backlog editing, stats, logs, and a websocket
// event feed for the UI.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/afk"
	"github.com/friendsincode/vidar_player/internal/backlog"
	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/events"
	"github.com/friendsincode/vidar_player/internal/logbuffer"
	"github.com/friendsincode/vidar_player/internal/orchestrator"
	"github.com/friendsincode/vidar_player/internal/progress"
	"github.com/friendsincode/vidar_player/internal/queue"
	"github.com/friendsincode/vidar_player/internal/silence"
	"github.com/friendsincode/vidar_player/internal/telemetry"
	"github.com/friendsincode/vidar_player/internal/version"
)

// Controller is the command surface the API drives. Satisfied by
// orchestrator.Orchestrator; requests are applied asynchronously by its
// tick loop.
type Controller interface {
	Snapshot() orchestrator.Snapshot
	RequestStart(fromBeginning bool)
	RequestStop()
	RequestPause()
	RequestResume()
	RequestSkip(delta int)
	RequestJump(index int)
	RequestMode(mode queue.Mode, flags queue.Flags)
}

// Deps carries the already-wired collaborators. Monitor, Gate, and
// LogBuffer may be nil; their endpoints then report unavailable.
type Deps struct {
	Orchestrator Controller
	Backlog      *backlog.Service
	Scheduler    *queue.Scheduler
	Progress     *progress.Store
	Monitor      *silence.Monitor
	Gate         *afk.Gate
	Bus          *events.Bus
	LogBuffer    *logbuffer.Buffer
	Updates      *version.Checker
}

// Server is the HTTP control surface.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	orch      Controller
	backlog   *backlog.Service
	scheduler *queue.Scheduler
	progress  *progress.Store
	monitor   *silence.Monitor
	gate      *afk.Gate
	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	updates   *version.Checker
}

// New constructs the server and mounts its routes.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("vidar-player-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Skip the timeout for websocket upgrades: the event feed holds its
	// connection open for the lifetime of the client.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		router:    router,
		orch:      deps.Orchestrator,
		backlog:   deps.Backlog,
		scheduler: deps.Scheduler,
		progress:  deps.Progress,
		monitor:   deps.Monitor,
		gate:      deps.Gate,
		bus:       deps.Bus,
		logBuffer: deps.LogBuffer,
		updates:   deps.Updates,
	}
	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so the websocket feed is not cut; the
		// middleware timeout covers the JSON routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Post("/command", s.handleCommand)

		r.Get("/backlog", s.handleBacklogList)
		r.Post("/backlog", s.handleBacklogAdd)
		r.Delete("/backlog/{id}", s.handleBacklogRemove)
		r.Post("/backlog/reorder", s.handleBacklogReorder)
		r.Post("/backlog/import", s.handleBacklogImport)
		r.Get("/backlog/export", s.handleBacklogExport)

		r.Get("/stats", s.handleStats)
		r.Post("/progress/unwatched", s.handleMarkUnwatched)

		r.Get("/silence", s.handleSilenceGet)
		r.Post("/silence", s.handleSilenceSet)

		r.Get("/afk", s.handleAfkGet)
		r.Post("/afk", s.handleAfkSet)

		r.Get("/logs", s.handleLogs)
		r.Get("/events", s.handleEvents)
		r.Get("/version", s.handleVersion)
	})
}
