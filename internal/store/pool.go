package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Pool wraps *sql.DB with explicit acquire/release semantics and a bounded
// acquisition wait. database/sql maintains the underlying connections; Pool
// adds the timeout and the release-on-every-path discipline the storage
// operations are written against.
type Pool struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

// NewPool bounds the pool to [minConns, maxConns]. Connections are created
// lazily up to maxConns; idle connections are closed down to minConns but
// never below it.
func NewPool(db *sql.DB, minConns, maxConns int, acquireTimeout time.Duration) *Pool {
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	db.SetMaxIdleConns(minConns)
	db.SetMaxOpenConns(maxConns)
	return &Pool{db: db, acquireTimeout: acquireTimeout}
}

// Acquire returns a dedicated connection, blocking until one is free or the
// acquire timeout elapses. The caller owns the connection and must close it
// to return it to the pool.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrAcquireTimeout, p.acquireTimeout)
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// WithConn runs fn with a pooled connection, returning the connection on
// every exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// WithTx runs fn inside a transaction on a pooled connection. Unless fn
// succeeds and the commit goes through, the transaction is rolled back
// before the connection is released; a panic inside fn still rolls back
// and releases.
func (p *Pool) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// Deferred rollback covers every failure path and runs before the
	// deferred close; after a successful commit it is a no-op.
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Stats reports the underlying pool counters.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}
