package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/agent-dashboard/internal/api"
	"github.com/p-blackswan/agent-dashboard/internal/archive"
	"github.com/p-blackswan/agent-dashboard/internal/broadcast"
	"github.com/p-blackswan/agent-dashboard/internal/config"
	"github.com/p-blackswan/agent-dashboard/internal/dashboard"
	"github.com/p-blackswan/agent-dashboard/internal/health"
	"github.com/p-blackswan/agent-dashboard/internal/metrics"
	"github.com/p-blackswan/agent-dashboard/internal/state"
	"github.com/p-blackswan/agent-dashboard/internal/store"
	"github.com/p-blackswan/agent-dashboard/internal/watcher"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the teams and tasks trees and serve live updates",
		Long: `Watch the teams and tasks trees and serve:
- live snapshots over WebSocket at /ws on HTTP_PORT
- Prometheus metrics at /metrics and probes at /health, /ready on HTTP_PORT
- the REST API (/api/state, /api/history) on API_LISTEN_ADDR`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	logger.Info().
		Str("environment", cfg.Environment).
		Str("teams_dir", cfg.TeamsDir).
		Str("tasks_dir", cfg.TasksDir).
		Str("db_path", cfg.DBPath).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Msg("starting agent dashboard")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("store close error")
		}
	}()

	readerOpts := []state.Option{state.WithLogger(logger), state.WithErrorRecorder(m)}
	if cfg.ParseCacheSize > 0 {
		readerOpts = append(readerOpts, state.WithParseCache(cfg.ParseCacheSize))
	}
	reader := state.NewReader(cfg.TeamsDir, cfg.TasksDir, readerOpts...)

	w, err := watcher.New([]string{cfg.TeamsDir, cfg.TasksDir}, watcher.Options{
		Debounce: cfg.Debounce,
		Recorder: m,
	}, logger)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	var svc *dashboard.Service
	hub := broadcast.NewHub(broadcast.DefaultConfig(), func() state.Snapshot { return svc.Snapshot() }, m, logger)
	archiver := archive.New(reader, st, hub, logger, m)
	svc = dashboard.New(reader, hub, archiver, m, cfg.PollInterval, logger)

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st))
	checker.Register("roots", health.DirCheck(cfg.TeamsDir, cfg.TasksDir))
	checker.Register("watcher", func(context.Context) health.Status {
		if w.Running() {
			return health.StatusOK
		}
		return health.StatusDown
	})

	// Push channel, metrics and probes
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr:  cfg.APIListenAddr,
		CORSOrigins: cfg.CORSOriginList(),
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
	}, svc, st, checker, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
			stop()
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := svc.Run(ctx, w); err != nil {
			logger.Error().Err(err).Msg("dashboard stopped with error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	hub.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		<-runDone
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("agent dashboard stopped")
	return nil
}
