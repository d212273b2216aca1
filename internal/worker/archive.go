package worker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spyglasshq/spyglass/internal/archive"
)

// SnapshotSource produces a point-in-time copy of the raw record store.
type SnapshotSource interface {
	SnapshotTo(path string) error
}

// ArchiveWorker periodically snapshots the raw record store and ships the
// copy to object storage. Failures are logged and retried on the next
// interval; archival never blocks collection.
type ArchiveWorker struct {
	source   SnapshotSource
	uploader archive.Uploader
	interval time.Duration
}

// NewArchiveWorker creates a worker that archives the raw store every
// interval.
func NewArchiveWorker(source SnapshotSource, uploader archive.Uploader, interval time.Duration) *ArchiveWorker {
	return &ArchiveWorker{source: source, uploader: uploader, interval: interval}
}

// Run starts the worker loop. Archives immediately on start, then on each
// interval. Blocks until ctx is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "archive",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.archive(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "archive",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.archive(ctx)
		}
	}
}

// archive snapshots the raw store to a temp file and uploads it under a
// timestamped key.
func (w *ArchiveWorker) archive(ctx context.Context) {
	start := time.Now()

	tmp, err := os.CreateTemp("", "spyglass-rawstore-*.db")
	if err != nil {
		slog.Warn("archive snapshot failed",
			"component", "worker",
			"action", "archive_failed",
			"error", err,
		)
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := w.source.SnapshotTo(tmpPath); err != nil {
		metricArchiveFailures.Inc()
		slog.Warn("archive snapshot failed",
			"component", "worker",
			"action", "archive_failed",
			"error", err,
		)
		return
	}

	key := "rawstore/" + start.UTC().Format("20060102T150405Z") + ".db"
	if err := w.uploader.Upload(ctx, key, tmpPath); err != nil {
		// Check for graceful shutdown
		if ctx.Err() != nil {
			return
		}
		metricArchiveFailures.Inc()
		slog.Warn("archive upload failed",
			"component", "worker",
			"action", "archive_failed",
			"key", key,
			"error", err,
		)
		return
	}

	metricArchiveUploads.Inc()
	slog.Info("archive upload completed",
		"component", "worker",
		"action", "archive_complete",
		"key", key,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
