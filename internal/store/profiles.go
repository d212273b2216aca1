package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spyglasshq/spyglass/internal/types"
)

// Checkpoint returns the last successfully collected observation time for
// a profile. ok is false when the profile has no aggregate row yet, which
// tells the collector to run a full rather than incremental query.
func (s *SQLiteStore) Checkpoint(ctx context.Context, profile string) (time.Time, bool, error) {
	var raw string
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT last_collected_at FROM profile_stats WHERE profile_name = ?`,
			profile,
		).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read checkpoint for %s: %w", profile, err)
	}
	return parseTime(raw), true, nil
}

// UpdateProfileStats upserts a profile's aggregate row. Statistics and
// checkpoint share the row, so a single statement keeps them consistent.
// The checkpoint column only moves forward: a write carrying an older
// last_collected_at updates the statistics but leaves the stored
// checkpoint untouched.
func (s *SQLiteStore) UpdateProfileStats(ctx context.Context, stats types.ProfileStats) error {
	dist, err := marshalCountryDist(stats.CountryDist)
	if err != nil {
		return fmt.Errorf("marshal country distribution: %w", err)
	}

	err = s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO profile_stats (profile_name, total_count, country_dist, last_updated, last_collected_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (profile_name) DO UPDATE SET
				total_count  = excluded.total_count,
				country_dist = excluded.country_dist,
				last_updated = excluded.last_updated,
				last_collected_at = CASE
					WHEN excluded.last_collected_at > profile_stats.last_collected_at
						THEN excluded.last_collected_at
					ELSE profile_stats.last_collected_at
				END
		`, stats.ProfileName, stats.TotalCount, dist,
			formatTime(time.Now()), formatTime(stats.LastCollectedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("update profile stats for %s: %w", stats.ProfileName, err)
	}
	return nil
}

// GetProfileStats retrieves a profile's aggregate row.
func (s *SQLiteStore) GetProfileStats(ctx context.Context, profile string) (*types.ProfileStats, error) {
	var st types.ProfileStats
	var dist, lastUpdated, lastCollected string

	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT profile_name, total_count, country_dist, last_updated, last_collected_at
			FROM profile_stats
			WHERE profile_name = ?
		`, profile).Scan(&st.ProfileName, &st.TotalCount, &dist, &lastUpdated, &lastCollected)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile stats for %s: %w", profile, err)
	}

	if err := json.Unmarshal([]byte(dist), &st.CountryDist); err != nil {
		return nil, fmt.Errorf("parse country distribution: %w", err)
	}
	st.LastUpdated = parseTime(lastUpdated)
	st.LastCollectedAt = parseTime(lastCollected)
	return &st, nil
}

// AppendProfileHistory records one trend data point. History rows are
// append-only and never updated.
func (s *SQLiteStore) AppendProfileHistory(ctx context.Context, profile string, count int64, observedAt time.Time) error {
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO profile_history (profile_name, record_count, observed_at)
			VALUES (?, ?, ?)
		`, profile, count, formatTime(observedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("append history for %s: %w", profile, err)
	}
	return nil
}

func marshalCountryDist(dist map[string]int64) (string, error) {
	if dist == nil {
		dist = map[string]int64{}
	}
	b, err := json.Marshal(dist)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
