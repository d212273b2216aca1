package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spyglasshq/spyglass/internal/archive"
	"github.com/spyglasshq/spyglass/internal/collector"
	"github.com/spyglasshq/spyglass/internal/config"
	"github.com/spyglasshq/spyglass/internal/intel"
	"github.com/spyglasshq/spyglass/internal/ops"
	"github.com/spyglasshq/spyglass/internal/rawstore"
	"github.com/spyglasshq/spyglass/internal/store"
	"github.com/spyglasshq/spyglass/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "spyglass",
	Short: "Spyglass - Host Intelligence Collection Service",
	RunE:  run,
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
	initLogger(cfg.Log)
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize relational store (migrations, WAL mode, pool)
	db, err := store.NewSQLiteStore(cfg.Database.Path, store.PoolConfig{
		MinConns:       cfg.Database.PoolMin,
		MaxConns:       cfg.Database.PoolMax,
		AcquireTimeout: time.Duration(cfg.Database.AcquireTimeout),
	})
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize raw record store
	raw, err := rawstore.New(cfg.RawStore.Path)
	if err != nil {
		return err
	}
	slog.Info("raw store initialized", "path", cfg.RawStore.Path)

	// 6. Initialize intelligence API client
	client := intel.NewClient(intel.Config{
		BaseURL:      cfg.Intel.BaseURL,
		APIKey:       cfg.Intel.APIKey,
		Timeout:      time.Duration(cfg.Intel.Timeout),
		MaxRetries:   cfg.Intel.MaxRetries,
		RetryWait:    time.Duration(cfg.Intel.RetryWait),
		RetryMaxWait: time.Duration(cfg.Intel.RetryMaxWait),
		PageSize:     cfg.Intel.PageSize,
	})
	slog.Info("intel client initialized", "base_url", cfg.Intel.BaseURL)

	// 7. Load search profiles
	profiles, err := config.LoadProfiles(cfg.Collector.ProfilesPath)
	if err != nil {
		return err
	}
	slog.Info("profiles loaded", "path", cfg.Collector.ProfilesPath, "count", len(profiles))

	// 8. Assemble the collector
	coll := collector.New(db, raw, collector.SourceAdapter{Client: client}, collector.Config{
		Profiles:     profiles,
		PollInterval: time.Duration(cfg.Collector.PollInterval),
		RecordDelay:  time.Duration(cfg.Collector.RecordDelay),
	})

	// 9. Start background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "collector", coll.Run)

	reclaimer := worker.NewScanReclaimer(db,
		time.Duration(cfg.Reclaimer.StuckAfter),
		time.Duration(cfg.Reclaimer.SweepInterval))
	startWorker(ctx, &wg, "reclaimer", reclaimer.Run)

	if cfg.Archive.Bucket != "" {
		uploader, err := archive.NewUploader(cfg.Archive)
		if err != nil {
			return err
		}
		archiver := worker.NewArchiveWorker(raw, uploader, time.Duration(cfg.Archive.Interval))
		startWorker(ctx, &wg, "archive", archiver.Run)
		slog.Info("archive worker initialized", "bucket", cfg.Archive.Bucket)
	}

	// 10. Start ops HTTP server in goroutine
	var srv *http.Server
	if cfg.Ops.Enabled {
		handler := ops.NewHandler(db, raw, Version)
		srv = &http.Server{
			Addr:    cfg.Ops.Addr,
			Handler: ops.NewRouter(handler),
		}
		go func() {
			slog.Info("ops server starting", "address", cfg.Ops.Addr)
			// ErrServerClosed is the expected error when Shutdown() is called
			// gracefully. Any other error indicates an actual server failure
			// that should trigger shutdown.
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				slog.Error("ops server error", "error", err)
				cancel()
			}
		}()
	}

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.Ops.ShutdownTimeout))
		defer shutdownCancel()

		// Stop the ops server first so health checks fail fast while
		// workers drain.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("ops server shutdown error", "error", err)
		}
	}

	// Wait for workers to complete
	wg.Wait()

	// Close stores last; workers may write during drain
	if err := raw.Close(); err != nil {
		slog.Error("raw store close error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// initLogger installs the process-wide slog default per config.
func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
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
