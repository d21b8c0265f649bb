/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server assembles the HTTP surface: control API, status pages,
// metrics, and WebRTC monitor signaling.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/api"
	"github.com/friendsincode/skald/internal/config"
	"github.com/friendsincode/skald/internal/dj"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/logbuffer"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/playout"
	"github.com/friendsincode/skald/internal/sink"
	"github.com/friendsincode/skald/internal/telemetry"
	"github.com/friendsincode/skald/internal/web"
	"github.com/friendsincode/skald/internal/webrtc"
)

// Options carries the already-wired station components into the HTTP layer.
type Options struct {
	Config      *config.Config
	Logger      zerolog.Logger
	DB          *gorm.DB
	Bus         *events.Bus
	LogBuffer   *logbuffer.Buffer
	StationName string

	Engine      *playout.Engine
	Brain       *dj.Brain
	Mixer       *mixer.Mixer
	Sinks       []sink.Sink
	Broadcaster *webrtc.Broadcaster
}

// Server owns the HTTP listener and its routes.
type Server struct {
	cfg         *config.Config
	logger      zerolog.Logger
	router      chi.Router
	httpServer  *http.Server
	engine      *playout.Engine
	broadcaster *webrtc.Broadcaster
}

// New builds the router and mounts every HTTP surface.
func New(opts Options) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "skald-http")
	})
	router.Use(telemetry.MetricsMiddleware)
	// WebSocket connections outlive any sane request timeout.
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
		cfg:         opts.Config,
		logger:      opts.Logger,
		router:      router,
		engine:      opts.Engine,
		broadcaster: opts.Broadcaster,
	}

	apiHandler := api.New(api.Options{
		DB:                   opts.DB,
		JWTSecret:            []byte(opts.Config.JWTSigningKey),
		StationName:          opts.StationName,
		Engine:               opts.Engine,
		Brain:                opts.Brain,
		Mixer:                opts.Mixer,
		Sinks:                opts.Sinks,
		Bus:                  opts.Bus,
		LogBuffer:            opts.LogBuffer,
		Logger:               opts.Logger,
		OperatorUser:         opts.Config.OperatorUser,
		OperatorPasswordHash: opts.Config.OperatorPasswordHash,
	})

	webHandler, err := web.New(web.Options{
		Logger:      opts.Logger,
		StationName: opts.StationName,
		Engine:      opts.Engine,
		Mixer:       opts.Mixer,
		Brain:       opts.Brain,
		Sinks:       opts.Sinks,
		STUNURL:     opts.Config.WebRTCSTUNURL,
	})
	if err != nil {
		return nil, fmt.Errorf("web handler: %w", err)
	}

	srv.configureRoutes(apiHandler, webHandler)

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.HTTPBind, opts.Config.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so the event stream WebSocket is not cut;
		// the middleware timeout covers plain requests.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func (s *Server) configureRoutes(apiHandler *api.API, webHandler *web.Handler) {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		state := s.engine.State()
		if state == playout.StateError {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","state":%q}`, state.String())
			return
		}
		fmt.Fprintf(w, `{"status":"ok","state":%q}`, state.String())
	})

	s.router.Handle("/metrics", telemetry.Handler())

	if s.broadcaster != nil {
		s.router.HandleFunc("/webrtc/signal", s.broadcaster.HandleSignaling)
	}

	apiHandler.Routes(s.router)
	webHandler.Routes(s.router)
}

// Router exposes the mux, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
