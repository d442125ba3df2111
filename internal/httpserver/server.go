// Package httpserver is the relay's HTTP surface: health and version
// endpoints, the metrics exposition route, and the websocket signaling
// endpoint, behind a shared middleware chain.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/config"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log   zerolog.Logger
	cfg   config.Config
	build BuildInfo

	ready atomic.Bool

	srv *http.Server
}

// New assembles the router. signal serves the websocket signaling endpoint
// and metricsHandler the exposition route; both are mounted behind the
// middleware chain.
func New(cfg config.Config, logger zerolog.Logger, build BuildInfo, signal, metricsHandler http.Handler) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer(logger))
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	r.Method(http.MethodGet, "/metrics", metricsHandler)
	r.Method(http.MethodGet, "/signal", signal)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /signal holds long-lived upgraded
		// connections.
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info().Str("addr", l.Addr().String()).Msg("http server serving")
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
