package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spyglasshq/spyglass/internal/types"
)

// CreateScanRun opens a new ledger entry in the running state.
func (s *SQLiteStore) CreateScanRun(ctx context.Context, targetsTotal int) (*types.ScanRun, error) {
	run := &types.ScanRun{
		ID:           ulid.Make().String(),
		Status:       types.RunStatusRunning,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
		TargetsTotal: targetsTotal,
	}

	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO scan_runs (id, status, started_at, targets_total)
			VALUES (?, ?, ?, ?)
		`, run.ID, string(run.Status), formatTime(run.StartedAt), run.TargetsTotal)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create scan run: %w", err)
	}

	return run, nil
}

// GetScanRun retrieves a ledger entry by ID.
func (s *SQLiteStore) GetScanRun(ctx context.Context, id string) (*types.ScanRun, error) {
	var run *types.ScanRun
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT id, status, started_at, finished_at,
			       targets_total, targets_succeeded, targets_failed, services_seen
			FROM scan_runs
			WHERE id = ?
		`, id)

		r, err := scanScanRun(row)
		if err != nil {
			return err
		}
		run = r
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get scan run: %w", err)
	}
	return run, nil
}

// UpdateScanRun applies a partial update to a ledger entry. A terminal
// status stamps finished_at; once a run is terminal its status never
// changes again, though counter updates are still accepted.
func (s *SQLiteStore) UpdateScanRun(ctx context.Context, id string, upd types.ScanRunUpdate) error {
	if upd.Status != nil && !upd.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *upd.Status)
	}

	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM scan_runs WHERE id = ?`, id,
		).Scan(&current); err != nil {
			return err
		}

		sets := make([]string, 0, 5)
		args := make([]any, 0, 6)

		if upd.Status != nil {
			if types.RunStatus(current).Terminal() {
				return fmt.Errorf("%w: %s is %s", ErrRunFinalized, id, current)
			}
			sets = append(sets, "status = ?")
			args = append(args, string(*upd.Status))
			if upd.Status.Terminal() {
				sets = append(sets, "finished_at = ?")
				args = append(args, formatTime(time.Now()))
			}
		}
		if upd.TargetsSucceeded != nil {
			sets = append(sets, "targets_succeeded = ?")
			args = append(args, *upd.TargetsSucceeded)
		}
		if upd.TargetsFailed != nil {
			sets = append(sets, "targets_failed = ?")
			args = append(args, *upd.TargetsFailed)
		}
		if upd.ServicesSeen != nil {
			sets = append(sets, "services_seen = ?")
			args = append(args, *upd.ServicesSeen)
		}
		if len(sets) == 0 {
			return nil
		}

		args = append(args, id)
		_, err := tx.ExecContext(ctx,
			"UPDATE scan_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case errors.Is(err, ErrRunFinalized):
			return err
		default:
			return fmt.Errorf("update scan run: %w", err)
		}
	}
	return nil
}

// CleanupStuckScans forcibly finalizes running scans whose start time
// precedes now minus olderThan. Only provably stale rows match, so it is
// safe to run alongside an active collection cycle.
func (s *SQLiteStore) CleanupStuckScans(ctx context.Context, olderThan time.Duration) ([]string, error) {
	now := time.Now()
	cutoff := formatTime(now.Add(-olderThan))

	var reclaimed []string
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE scan_runs
			SET status = ?, finished_at = ?
			WHERE status = ? AND started_at < ?
			RETURNING id
		`, string(types.RunStatusTimeout), formatTime(now), string(types.RunStatusRunning), cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			reclaimed = append(reclaimed, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup stuck scans: %w", err)
	}
	return reclaimed, nil
}

// scanScanRun scans one ledger row, handling the nullable finish time.
func scanScanRun(scanner interface{ Scan(...any) error }) (*types.ScanRun, error) {
	var run types.ScanRun
	var status, startedAt string
	var finishedAt sql.NullString

	if err := scanner.Scan(
		&run.ID, &status, &startedAt, &finishedAt,
		&run.TargetsTotal, &run.TargetsSucceeded, &run.TargetsFailed, &run.ServicesSeen,
	); err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = nullableTime(finishedAt)
	return &run, nil
}
