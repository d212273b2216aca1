// Package collector drives the collection cycle: for each configured
// profile it builds an incremental query from the stored checkpoint,
// streams records from the intelligence source, persists each one to the
// raw store and the relational store, and finalizes the scan-run ledger.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spyglasshq/spyglass/internal/types"
)

// finalizeTimeout bounds ledger writes that must land after the run
// context is already cancelled.
const finalizeTimeout = 5 * time.Second

// Store defines the relational operations needed by the collector.
type Store interface {
	CreateScanRun(ctx context.Context, targetsTotal int) (*types.ScanRun, error)
	UpdateScanRun(ctx context.Context, id string, upd types.ScanRunUpdate) error
	UpsertTarget(ctx context.Context, target types.Target) (int64, error)
	UpsertService(ctx context.Context, svc types.Service) error
	Checkpoint(ctx context.Context, profile string) (time.Time, bool, error)
	UpdateProfileStats(ctx context.Context, stats types.ProfileStats) error
	AppendProfileHistory(ctx context.Context, profile string, count int64, observedAt time.Time) error
}

// RawStore defines the document-store operations needed by the collector.
type RawStore interface {
	Put(rec types.RawRecord) (string, error)
	MarkProcessed(digest string) error
}

// Config carries the collector's schedule and profile list.
type Config struct {
	Profiles     []types.Profile
	PollInterval time.Duration
	RecordDelay  time.Duration

	// Now is the clock used for checkpoints and ledger timestamps.
	// Defaults to time.Now; tests substitute a fixed clock.
	Now func() time.Time
}

// Collector owns the outer collection loop. Profiles are processed
// strictly sequentially within a cycle; the pool handles any concurrent
// maintenance traffic.
type Collector struct {
	store  Store
	raw    RawStore
	source Source
	cfg    Config
	now    func() time.Time
}

func New(st Store, raw RawStore, source Source, cfg Config) *Collector {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Collector{store: st, raw: raw, source: source, cfg: cfg, now: now}
}

// CycleResult summarizes one collection cycle for logging and tests.
type CycleResult struct {
	RunID             string
	Status            types.RunStatus
	ProfilesSucceeded int
	ProfilesFailed    int
	RecordsProcessed  int
	RecordsSkipped    int
	Interrupted       bool
}

// Run starts the collection loop: one cycle immediately, then one per
// poll interval. Blocks until ctx is cancelled. The inter-cycle sleep is
// interruptible, so shutdown never waits out a full interval.
func (c *Collector) Run(ctx context.Context) {
	slog.Info("collector started",
		"component", "collector",
		"action", "collector_start",
		"profiles", len(c.cfg.Profiles),
		"poll_interval", c.cfg.PollInterval.String(),
	)

	for {
		if _, err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
			slog.Error("collection cycle failed",
				"component", "collector",
				"action", "cycle_failed",
				"error", err,
			)
		}

		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			slog.Info("collector stopped",
				"component", "collector",
				"action", "collector_stop",
				"reason", "context_cancelled",
			)
			return
		}
	}
}

// RunCycle executes one full collection cycle: open a scan run, sweep
// every profile, finalize the run. Returns an error only when the cycle
// could not run at all (the run row could not be created) or could not be
// finalized; per-profile failures are absorbed into the result.
func (c *Collector) RunCycle(ctx context.Context) (*CycleResult, error) {
	run, err := c.store.CreateScanRun(ctx, len(c.cfg.Profiles))
	if err != nil {
		return nil, fmt.Errorf("create scan run: %w", err)
	}

	slog.Info("collection cycle started",
		"component", "collector",
		"action", "cycle_start",
		"scan_run_id", run.ID,
		"profiles", len(c.cfg.Profiles),
	)

	res := &CycleResult{RunID: run.ID}
	var succeeded, failed, seen int

	for _, profile := range c.cfg.Profiles {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		pr := c.collectProfile(ctx, run.ID, profile)
		seen += pr.records
		res.RecordsProcessed += pr.records
		res.RecordsSkipped += pr.skipped

		switch pr.status {
		case profileSucceeded:
			succeeded++
		case profileFailed:
			failed++
			metricProfileFailures.WithLabelValues(profile.Name).Inc()
			slog.Error("profile pass failed",
				"component", "collector",
				"action", "profile_failed",
				"scan_run_id", run.ID,
				"profile", profile.Name,
				"error", pr.err,
			)
		case profileInterrupted:
			// An incomplete pass counts as failed: its checkpoint did
			// not advance and the next cycle retries it.
			failed++
			res.Interrupted = true
		}

		c.updateRunCounters(ctx, run.ID, succeeded, failed, seen)
		if res.Interrupted {
			break
		}
	}
	res.ProfilesSucceeded = succeeded
	res.ProfilesFailed = failed

	// The run fails only when every profile failed; partial success is
	// still a completed run, with the per-profile split in the counters.
	status := types.RunStatusCompleted
	if len(c.cfg.Profiles) > 0 && succeeded == 0 && failed > 0 {
		status = types.RunStatusFailed
	}
	res.Status = status

	if err := c.finalizeRun(ctx, run.ID, status, succeeded, failed, seen); err != nil {
		return res, fmt.Errorf("finalize scan run %s: %w", run.ID, err)
	}
	metricCycles.Inc()

	if !res.Interrupted {
		c.logQuota(ctx)
	}

	slog.Info("collection cycle completed",
		"component", "collector",
		"action", "cycle_complete",
		"scan_run_id", run.ID,
		"status", string(status),
		"profiles_succeeded", succeeded,
		"profiles_failed", failed,
		"records", res.RecordsProcessed,
		"skipped", res.RecordsSkipped,
		"interrupted", res.Interrupted,
	)
	return res, nil
}

// updateRunCounters pushes cumulative per-cycle counters to the ledger
// after each profile, so an abrupt crash still leaves an honest row.
func (c *Collector) updateRunCounters(ctx context.Context, runID string, succeeded, failed, seen int) {
	upd := types.ScanRunUpdate{
		TargetsSucceeded: &succeeded,
		TargetsFailed:    &failed,
		ServicesSeen:     &seen,
	}
	if err := c.store.UpdateScanRun(ctx, runID, upd); err != nil && ctx.Err() == nil {
		slog.Warn("scan run counter update failed",
			"component", "collector",
			"action", "run_update_failed",
			"scan_run_id", runID,
			"error", err,
		)
	}
}

// finalizeRun stamps the terminal status. When the cycle was interrupted
// the run context is already dead, so the write gets its own short-lived
// context; committed work is never rolled back on shutdown.
func (c *Collector) finalizeRun(ctx context.Context, runID string, status types.RunStatus, succeeded, failed, seen int) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
	}
	return c.store.UpdateScanRun(ctx, runID, types.ScanRunUpdate{
		Status:           &status,
		TargetsSucceeded: &succeeded,
		TargetsFailed:    &failed,
		ServicesSeen:     &seen,
	})
}

// logQuota reports remaining source credits once per cycle. Best-effort:
// a quota failure never affects the cycle outcome.
func (c *Collector) logQuota(ctx context.Context) {
	quota, err := c.source.Quota(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("quota snapshot unavailable",
				"component", "collector",
				"action", "quota_failed",
				"error", err,
			)
		}
		return
	}
	slog.Info("source quota",
		"component", "collector",
		"action", "quota",
		"plan", quota.Plan,
		"query_credits", quota.QueryCredits,
		"scan_credits", quota.ScanCredits,
	)
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
