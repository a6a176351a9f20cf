// Command server runs the agent-mon realtime status server.
//
// # Usage
//
//	server --config /etc/agentmon/config.yaml --port 8080
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (AGENTMON_*)
// - Config file (YAML)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbus-ops/agent-mon/internal/api"
	"github.com/nimbus-ops/agent-mon/internal/command"
	"github.com/nimbus-ops/agent-mon/internal/config"
	"github.com/nimbus-ops/agent-mon/internal/eventlog"
	"github.com/nimbus-ops/agent-mon/internal/hub"
	"github.com/nimbus-ops/agent-mon/internal/recovery"
	"github.com/nimbus-ops/agent-mon/internal/registry"
	"github.com/nimbus-ops/agent-mon/internal/sampler"
	"github.com/nimbus-ops/agent-mon/internal/stream"
	"github.com/nimbus-ops/agent-mon/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("agentmon-server v" + api.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Realtime fan-out first; every component publishes through it.
	eventHub := hub.New(logger)

	if cfg.Redis.URL != "" {
		mirror, err := stream.NewMirror(cfg.Redis.URL, cfg.Redis.Channel, logger)
		if err != nil {
			logger.Error("failed to connect event mirror", "error", err)
			os.Exit(1)
		}
		defer mirror.Close()
		eventHub.SetTap(mirror)
		logger.Info("event mirror enabled", "channel", cfg.Redis.Channel)
	}

	// Stateful components
	agents := registry.New(eventHub, logger)
	errLog := eventlog.New(eventHub, logger)
	runner := command.NewRunner(command.Config{
		ExecTimeout:   cfg.Commands.ExecTimeout.Std(),
		RatePerMinute: cfg.Commands.RatePerMinute,
		FileRoot:      cfg.Commands.FileRoot,
	}, agents, logger)
	dispatcher := recovery.NewDispatcher(errLog, runner, eventHub, logger)
	metrics := sampler.New()
	runtime := config.NewRuntime()

	agents.Bootstrap()

	// HTTP facade; it also answers the hub's WebSocket commands.
	apiServer := api.NewServer(metrics, agents, errLog, dispatcher, runner, runtime, eventHub, eventHub, logger)
	eventHub.SetBackend(apiServer)

	// Periodic timers
	w := worker.New(metrics, agents, dispatcher, eventHub, worker.Config{
		MetricsInterval:       cfg.Timers.MetricsInterval.Std(),
		AgentTickInterval:     cfg.Timers.AgentTickInterval.Std(),
		RecoverySweepInterval: cfg.Timers.RecoverySweepInterval.Std(),
	}, logger)
	w.Start(ctx)
	defer w.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
