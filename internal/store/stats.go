package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/spyglasshq/spyglass/internal/types"
)

// HighRiskThreshold is the risk score at or above which a service counts
// as high risk in aggregate statistics.
const HighRiskThreshold = 80

const recentRunLimit = 5

// Stats assembles the aggregate view: table counts, the run status
// histogram, the most recent runs, and per-profile aggregates.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.DatabaseStats, error) {
	stats := &types.DatabaseStats{RunCounts: make(map[types.RunStatus]int64)}

	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM targets`,
		).Scan(&stats.TargetCount); err != nil {
			return fmt.Errorf("count targets: %w", err)
		}

		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM services`,
		).Scan(&stats.ServiceCount); err != nil {
			return fmt.Errorf("count services: %w", err)
		}

		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM services WHERE risk_score >= ?`, HighRiskThreshold,
		).Scan(&stats.HighRiskServices); err != nil {
			return fmt.Errorf("count high-risk services: %w", err)
		}

		if err := scanRunCounts(ctx, conn, stats); err != nil {
			return err
		}
		if err := scanRecentRuns(ctx, conn, stats); err != nil {
			return err
		}
		return scanProfileRows(ctx, conn, stats)
	})
	if err != nil {
		return nil, fmt.Errorf("database stats: %w", err)
	}
	return stats, nil
}

// ServicesWithVuln counts services whose vulnerability document contains
// the given identifier.
func (s *SQLiteStore) ServicesWithVuln(ctx context.Context, vulnID string) (int64, error) {
	var count int64
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM services
			WHERE EXISTS (
				SELECT 1 FROM json_each(services.vulns) WHERE json_each.value = ?
			)
		`, vulnID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count services with vuln %s: %w", vulnID, err)
	}
	return count, nil
}

func scanRunCounts(ctx context.Context, conn *sql.Conn, stats *types.DatabaseStats) error {
	rows, err := conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scan_runs GROUP BY status`)
	if err != nil {
		return fmt.Errorf("count runs by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("scan run count: %w", err)
		}
		stats.RunCounts[types.RunStatus(status)] = count
	}
	return rows.Err()
}

func scanRecentRuns(ctx context.Context, conn *sql.Conn, stats *types.DatabaseStats) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT id, status, started_at, finished_at,
		       targets_total, targets_succeeded, targets_failed, services_seen
		FROM scan_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, recentRunLimit)
	if err != nil {
		return fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanScanRun(rows)
		if err != nil {
			return fmt.Errorf("scan recent run: %w", err)
		}
		stats.RecentRuns = append(stats.RecentRuns, *run)
	}
	return rows.Err()
}

func scanProfileRows(ctx context.Context, conn *sql.Conn, stats *types.DatabaseStats) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT profile_name, total_count, country_dist, last_updated, last_collected_at
		FROM profile_stats
		ORDER BY profile_name
	`)
	if err != nil {
		return fmt.Errorf("query profile stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st types.ProfileStats
		var dist, lastUpdated, lastCollected string
		if err := rows.Scan(&st.ProfileName, &st.TotalCount, &dist, &lastUpdated, &lastCollected); err != nil {
			return fmt.Errorf("scan profile stats: %w", err)
		}
		if err := json.Unmarshal([]byte(dist), &st.CountryDist); err != nil {
			return fmt.Errorf("parse country distribution: %w", err)
		}
		st.LastUpdated = parseTime(lastUpdated)
		st.LastCollectedAt = parseTime(lastCollected)
		stats.Profiles = append(stats.Profiles, st)
	}
	return rows.Err()
}
