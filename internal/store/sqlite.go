package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// connPragmas travel in the DSN so every pooled connection gets them;
// busy_timeout and foreign_keys are per-connection settings in SQLite,
// not database-level ones.
const connPragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=synchronous(NORMAL)"

// PoolConfig bounds the connection pool backing the store.
type PoolConfig struct {
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
}

// DefaultPoolConfig keeps a small always-warm pool with a bounded
// acquisition wait.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MinConns: 1, MaxConns: 10, AcquireTimeout: 5 * time.Second}
}

// SQLiteStore is the relational store: the scan-run ledger, target and
// service tables, and per-profile aggregates.
type SQLiteStore struct {
	db   *sql.DB
	pool *Pool
}

// NewSQLiteStore opens (creating if needed) the database at dbPath,
// applies pragmas, runs migrations, and wraps the connection pool.
func NewSQLiteStore(dbPath string, pc PoolConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{
		db:   db,
		pool: NewPool(db, pc.MinConns, pc.MaxConns, pc.AcquireTimeout),
	}, nil
}

// Pool exposes the connection pool, for health reporting and callers that
// need multi-statement scopes.
func (s *SQLiteStore) Pool() *Pool {
	return s.pool
}

// Close closes the database connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// formatTime renders timestamps the way every column stores them: UTC
// RFC 3339 at second precision. The fixed width keeps string comparison
// consistent with time order.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
