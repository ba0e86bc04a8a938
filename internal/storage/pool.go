// Package storage defines the persistence boundary of the governance system
// and its PostgreSQL implementation.
//
// The PostgreSQL store uses a pgxpool.Pool for queries and an optional
// dedicated pgx.Conn for LISTEN/NOTIFY, which carries knowledge cache
// invalidations between instances.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
	timeout    time.Duration
}

var _ Store = (*DB)(nil)

// New creates a new DB with a connection pool. notifyDSN may be empty, in
// which case Listen and WaitForNotification return an error. Every store
// call is bounded by timeout (DefaultTimeout when zero).
func New(ctx context.Context, poolDSN, notifyDSN string, timeout time.Duration, logger *slog.Logger) (*DB, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Wrap("ping pool", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, Wrap("connect notify", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
		timeout:    timeout,
	}, nil
}

// bounded derives the per-call deadline.
func (db *DB) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	return Wrap("ping", db.pool.Ping(ctx))
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks. The whole attempt sequence shares one deadline.
func (db *DB) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	return Wrap(op, err)
}
