package utils

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultMaxConns     = 10
	connMaxLifetime     = 30 * time.Minute
	postgresPingTimeout = 5 * time.Second
)

// OpenPostgres opens dsn with driverName ("pgx" in production) and pings it.
// maxConns bounds both open and idle connections; 0 means the default.
// dsn carries the password and must not be logged.
func OpenPostgres(ctx context.Context, driverName, dsn string, maxConns int) (*sql.DB, error) {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := HealthCheck(ctx, db, postgresPingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// HealthCheck pings db, giving up after timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping failed: %w", err)
	}
	return nil
}

// DBTX is satisfied by both *sql.DB and *sql.Tx, so token queries can run
// inside or outside WithTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in a transaction that commits only if fn returns nil.
// A panic in fn rolls back and propagates.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return tx.Commit()
}
