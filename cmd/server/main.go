// Command remindq-server is the remindq producer process.
// It loads configuration, opens the delayed queue store, and serves the
// publish API.
//
// Usage:
//
//	remindq-server [--config path/to/config.yaml] [--env-file .env]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/snehjoshi/remindq/internal/broker"
	"github.com/snehjoshi/remindq/internal/config"
	"github.com/snehjoshi/remindq/internal/metrics"
	"github.com/snehjoshi/remindq/internal/node"
	"github.com/snehjoshi/remindq/internal/storage/backend"
	transphttp "github.com/snehjoshi/remindq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "remindq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	flag.Parse()

	// ── 1. Load environment + configuration ──────────────────────────────────
	// Variables already set in the process win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── 3. Initialise instance identity ──────────────────────────────────────
	inst, err := node.New(cfg.Server.DataDir, cfg.Server.InstanceID)
	if err != nil {
		return fmt.Errorf("init instance: %w", err)
	}

	slog.Info("remindq starting",
		"instance_id", inst.ID(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"atomic_replace", cfg.Reminders.AtomicReplace,
	)

	// ── 4. Open the delayed queue store ──────────────────────────────────────
	openCtx, cancelOpen := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := backend.Open(openCtx, cfg.Store)
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── 5. Initialise metrics registry ───────────────────────────────────────
	var metricsReg *metrics.Registry
	if cfg.Metrics.Enabled {
		metricsReg = metrics.New()
	}

	// ── 6. Initialise broker ─────────────────────────────────────────────────
	b := broker.New(store,
		broker.WithLogger(logger),
		broker.WithMetrics(metricsReg),
		broker.WithQueues(broker.Queues{
			Reminders: cfg.Queues.Reminders,
			Added:     cfg.Queues.Added,
		}),
		broker.WithDefaultOffsets(cfg.Reminders.DefaultOffsets),
		broker.WithAtomicReplace(cfg.Reminders.AtomicReplace),
		broker.WithOpTimeout(cfg.Store.OpTimeout.Std()),
	)

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(b, inst, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("remindq ready", "instance_id", inst.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if metricsReg != nil {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}

	slog.Info("remindq stopped")
	return nil
}
