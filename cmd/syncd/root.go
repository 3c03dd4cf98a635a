package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/syncd/internal/api"
	"github.com/hyperengineering/syncd/internal/broadcast"
	"github.com/hyperengineering/syncd/internal/config"
	"github.com/hyperengineering/syncd/internal/connector"
	"github.com/hyperengineering/syncd/internal/connector/filedrop"
	"github.com/hyperengineering/syncd/internal/connector/memory"
	"github.com/hyperengineering/syncd/internal/executor"
	"github.com/hyperengineering/syncd/internal/export"
	"github.com/hyperengineering/syncd/internal/logging"
	"github.com/hyperengineering/syncd/internal/scheduler"
	"github.com/hyperengineering/syncd/internal/store"
	"github.com/hyperengineering/syncd/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "syncd - county data sync orchestrator",
	Long:          "Runs the sync operation server: scheduler, run executor, status broadcaster and HTTP API.",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          run,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(opsCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}()
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Status broadcaster
	hub := broadcast.NewHub(cfg.Broadcast.QueueSize)

	// 6. Fail runs interrupted by the previous shutdown before accepting new ones
	recovered, err := worker.RecoverInterrupted(ctx, db, hub, time.Now())
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		slog.Warn("interrupted runs recovered", "count", recovered)
	}

	// 7. Connectors and executor
	registry, err := buildRegistry(cfg.Connectors)
	if err != nil {
		return err
	}
	exec := executor.New(db, hub, registry, executorConfig(cfg.Executor))
	exec.Start()
	slog.Info("executor started", "workers", cfg.Executor.Workers, "queue_size", cfg.Executor.QueueSize)

	// 8. Initialize HTTP router
	handler := api.NewHandler(db, exec, hub, Version)
	router := api.NewRouter(handler, api.NewRateLimiter(cfg.Server.ActionRate, cfg.Server.ActionBurst))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		// Request contexts end with the process context so open
		// subscriptions close on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// 9. Background workers
	uploader, err := export.NewUploader(cfg.Export)
	if err != nil {
		return fmt.Errorf("create history uploader: %w", err)
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "scheduler",
		scheduler.New(db, exec, cfg.Scheduler.TickInterval.Std()).Run)
	startWorker(ctx, &wg, "history-export",
		worker.NewExportCoordinator(db, uploader, cfg.Export.Interval.Std(), cfg.Export.BatchSize).Run)
	startWorker(ctx, &wg, "history-retention",
		worker.NewRetentionWorker(db, cfg.History.Retention.Std(), cfg.History.RetentionInterval.Std()).Run)

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers so no new runs are dispatched
	wg.Wait()

	// 11c. Interrupt in-flight runs at their next batch boundary
	exec.Stop()

	slog.Info("shutdown complete")
	return nil
}

// buildRegistry wires the built-in connectors. Every system is served by
// the filedrop connector unless the development memory connector is on.
func buildRegistry(cfg config.ConnectorsConfig) (*connector.Registry, error) {
	reg := connector.NewRegistry()
	switch {
	case cfg.Memory:
		reg.SetFallback(memory.New())
		slog.Warn("memory connector enabled; data is not persisted")
	case cfg.FiledropRoot != "":
		fd, err := filedrop.New(cfg.FiledropRoot)
		if err != nil {
			return nil, err
		}
		reg.SetFallback(fd)
		slog.Info("filedrop connector enabled", "root", cfg.FiledropRoot)
	default:
		slog.Warn("no connectors configured; every run will fail")
	}
	return reg, nil
}

func executorConfig(c config.ExecutorConfig) executor.Config {
	return executor.Config{
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		BatchSize:       c.BatchSize,
		BatchRetries:    c.BatchRetries,
		RetryBackoff:    c.RetryBackoff.Std(),
		RunTimeout:      c.RunTimeout.Std(),
		AbortThreshold:  c.AbortThreshold,
		AbortMinRecords: c.AbortMinRecords,
		MaxErrorDetails: c.MaxErrorDetails,
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
