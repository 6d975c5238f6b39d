package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"tempest/examples/chat"
	"tempest/examples/paddle"
	"tempest/internal/config"
	"tempest/internal/logging"
	"tempest/internal/metrics"
	"tempest/pkg/lobby"
	"tempest/pkg/server"
	"tempest/pkg/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()

	srv := server.New(cfg.Server.Addr(), wire.NewJSONSchema(), logger,
		server.WithMetrics(metricsRegistry))

	settings := lobby.Settings{
		TickNoAction:   cfg.Lobby.TickNoAction,
		Tick:           cfg.Lobby.Tick,
		EventQueueSize: cfg.Lobby.EventQueueSize,
	}
	server.Register[chat.Options, chat.Action, chat.Delta](srv, "chat", settings, chat.New)

	// Paddle advances on wall-clock ticks, so its idle dwell doubles as
	// the frame interval.
	server.Register[paddle.Options, paddle.Action, paddle.Delta](srv, "paddle", lobby.Settings{
		TickNoAction:   50 * time.Millisecond,
		Tick:           16 * time.Millisecond,
		EventQueueSize: cfg.Lobby.EventQueueSize,
	}, paddle.New)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go runDiagnostics(ctx, cfg, srv, metricsRegistry, logger)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func runDiagnostics(ctx context.Context, cfg config.Config, srv *server.Server, registry *metrics.Registry, logger *zap.Logger) {
	stats := metrics.NewSystemStats()
	go func() {
		for ctx.Err() == nil {
			stats.Update()
			time.Sleep(5 * time.Second)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, registry.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"sessions": srv.Fabric().SessionCount(),
			"system":   stats.Snapshot(),
		})
	})

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("diagnostics listening", zap.String("addr", cfg.Metrics.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("diagnostics server error", zap.Error(err))
	}
}
