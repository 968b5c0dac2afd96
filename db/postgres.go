// Package db provides PostgreSQL connection management and the schema
// migration runner for the Archon core. The storage schema relies on the
// pgvector extension for cosine-similarity search and pg_trgm for lexical
// ranking; both are created by the initial migration.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres wraps a pgx connection pool with helper methods. All higher-level
// storage access goes through this type so isolation and retry policy live in
// one place.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL connection pool. The connection string
// is the standard form:
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param=value&...]
func NewPostgres(ctx context.Context, connString string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *Postgres) Close() {
	db.pool.Close()
}

// Exec executes a SQL statement.
func (db *Postgres) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows. Caller must close the rows.
func (db *Postgres) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
func (db *Postgres) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error. Serialization failures are retried once before being surfaced.
func (db *Postgres) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = db.runTx(ctx, fn)
		if lastErr == nil || !isSerializationFailure(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (db *Postgres) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Pool returns the underlying connection pool for advanced operations.
func (db *Postgres) Pool() *pgxpool.Pool {
	return db.pool
}
