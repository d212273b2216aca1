// Package worker contains the background maintenance loops that run
// alongside the collector.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// ReclaimStore defines the store operations needed by the scan reclaimer.
type ReclaimStore interface {
	CleanupStuckScans(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// ScanReclaimer forcibly times out scan runs stuck in the running state,
// typically left behind by a crashed process. Safe to run concurrently
// with an active collector: it only touches runs that are provably stale
// by wall-clock age.
type ScanReclaimer struct {
	store      ReclaimStore
	stuckAfter time.Duration
	interval   time.Duration
}

// NewScanReclaimer creates a reclaimer that times out runs older than
// stuckAfter, sweeping every interval.
func NewScanReclaimer(store ReclaimStore, stuckAfter, interval time.Duration) *ScanReclaimer {
	return &ScanReclaimer{store: store, stuckAfter: stuckAfter, interval: interval}
}

// Run starts the worker loop. Sweeps immediately on start, recovering
// runs orphaned by a crash before the previous process could finalize
// them, then sweeps on each interval. Blocks until ctx is cancelled.
func (w *ScanReclaimer) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "scan-reclaimer",
		"stuck_after", w.stuckAfter.String(),
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "scan-reclaimer",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep executes a single reclamation pass and logs any reclaimed runs.
func (w *ScanReclaimer) sweep(ctx context.Context) {
	reclaimed, err := w.store.CleanupStuckScans(ctx, w.stuckAfter)
	if err != nil {
		// Check for graceful shutdown
		if ctx.Err() != nil {
			return
		}
		slog.Error("stuck scan sweep failed",
			"component", "worker",
			"action", "reclaim_failed",
			"error", err,
		)
		return
	}
	if len(reclaimed) == 0 {
		return
	}

	metricScansReclaimed.Add(float64(len(reclaimed)))
	slog.Warn("reclaimed stuck scan runs",
		"component", "worker",
		"action", "reclaim_complete",
		"count", len(reclaimed),
		"scan_run_ids", reclaimed,
	)
}
