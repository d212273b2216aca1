package store

import (
	"context"
	"time"

	"github.com/spyglasshq/spyglass/internal/types"
)

// Store defines the contract for the relational storage engine. Every
// operation is atomic: its own transaction unless documented otherwise.
type Store interface {
	// Scan-run ledger.
	CreateScanRun(ctx context.Context, targetsTotal int) (*types.ScanRun, error)
	GetScanRun(ctx context.Context, id string) (*types.ScanRun, error)
	UpdateScanRun(ctx context.Context, id string, upd types.ScanRunUpdate) error
	CleanupStuckScans(ctx context.Context, olderThan time.Duration) ([]string, error)

	// Targets and services.
	UpsertTarget(ctx context.Context, target types.Target) (int64, error)
	UpsertService(ctx context.Context, svc types.Service) error
	BatchUpsertServices(ctx context.Context, svcs []types.Service) (int, error)

	// Profile aggregates and checkpoints.
	Checkpoint(ctx context.Context, profile string) (time.Time, bool, error)
	UpdateProfileStats(ctx context.Context, stats types.ProfileStats) error
	GetProfileStats(ctx context.Context, profile string) (*types.ProfileStats, error)
	AppendProfileHistory(ctx context.Context, profile string, count int64, observedAt time.Time) error

	// Aggregate reads.
	Stats(ctx context.Context) (*types.DatabaseStats, error)
	ServicesWithVuln(ctx context.Context, vulnID string) (int64, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
