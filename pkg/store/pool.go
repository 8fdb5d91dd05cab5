// Package store is the PostgreSQL layer: pooled connections, schema
// bootstrap, dimension upserts and the time-series fact writer. All SQL is
// hand-written; the entity set is small and the hot path is one bulk insert
// plus one targeted update.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Config holds connection parameters and pool sizing.
type Config struct {
	Hostname string
	Username string
	Password string
	Name     string

	// PoolSize is the steady-state connection count; MaxOverflow is the
	// burst headroom above it.
	PoolSize    int
	MaxOverflow int

	// Recycle bounds a connection's lifetime so the pool never holds a
	// socket across a database restart or failover window.
	Recycle time.Duration
}

// DB wraps a connection pool. Readers and writers obtain sessions through
// ReadScope and ModifyScope; release is guaranteed on every exit path.
type DB struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// connectTimeout bounds the startup ping.
const connectTimeout = 10 * time.Second

// Connect opens a pool against PostgreSQL and verifies it with a ping.
// Workers are goroutines, never forked processes, so pool hygiene (dead
// connections discarded on checkout, lifetime recycling) replaces the
// pid-tracking fork guard the original design needed.
func Connect(cfg Config, log *zap.SugaredLogger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Hostname, cfg.Username, cfg.Password, cfg.Name,
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	if cfg.Recycle > 0 {
		db.SetConnMaxLifetime(cfg.Recycle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database %s@%s/%s: %w", cfg.Username, cfg.Hostname, cfg.Name, err)
	}
	return &DB{db: db, log: log}, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// ReadScope runs fn inside a read-only transaction that is always rolled
// back on exit.
func (d *DB) ReadScope(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// ModifyScope runs fn inside a transaction, committing on normal return and
// rolling back on any error.
func (d *DB) ModifyScope(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.log.Warnw("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// During upserts these mean another worker materialized the row first and
// are treated as success.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
