package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/keycast/keycast/internal/config"
	"github.com/keycast/keycast/internal/httpserver"
	"github.com/keycast/keycast/internal/metrics"
	"github.com/keycast/keycast/internal/registry"
	"github.com/keycast/keycast/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("mode", string(cfg.Mode)).
		Int("room_key_length", cfg.RoomKeyLength).
		Dur("candidate_grace", cfg.CandidateGrace).
		Dur("ws_idle_timeout", cfg.WSIdleTimeout).
		Int64("max_message_bytes", cfg.MaxMessageBytes).
		Int("max_messages_per_second", cfg.MaxMessagesPerSecond).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("starting keycast-relay")

	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		logger.Warn().Msg("allowed origins set to *; any browser origin may open sessions")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to listen")
		os.Exit(1)
	}

	m := metrics.New()

	reg := registry.New(registry.Config{
		KeyLength:   cfg.RoomKeyLength,
		KeyAttempts: cfg.RoomKeyAttempts,
	}, logger, m)

	sig := signaling.NewServer(signaling.Config{
		Registry:             reg,
		Logger:               logger,
		Metrics:              m,
		AllowedOrigins:       cfg.AllowedOrigins,
		CandidateGrace:       cfg.CandidateGrace,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger,
		httpserver.BuildInfo{Commit: commit, BuildTime: built},
		sig, metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
