package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
)

// PoolConfig sizes the analytics engine connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLExecutor hands compiled SQL to the analytics engine. Every statement runs in its own
// read-only transaction; the executor only counts rows.
type SQLExecutor struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to the analytics engine at dsn and verifies the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig, logger *zap.Logger) (*SQLExecutor, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics engine: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping analytics engine: %w", err)
	}

	logger.Info("analytics engine connection established")
	return NewSQLExecutor(db, logger), nil
}

// NewSQLExecutor wraps an open pool.
func NewSQLExecutor(db *sql.DB, logger *zap.Logger) *SQLExecutor {
	return &SQLExecutor{db: db, logger: logger}
}

// Execute runs q and returns the number of rows it produced. Driver errors are returned
// as-is; the caller tags them with the SQL hash.
func (e *SQLExecutor) Execute(ctx context.Context, q *models.CompiledQuery) (int64, error) {
	if q == nil || q.SQL == "" {
		return 0, errors.New("no SQL to execute")
	}
	start := time.Now()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			e.logger.Warn("failed to release read-only transaction", zap.Error(err))
		}
	}()

	rows, err := tx.QueryContext(ctx, q.SQL)
	if err != nil {
		return 0, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating result rows: %w", err)
	}

	e.logger.Debug("query executed",
		zap.Int64("rows", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}

// Ping checks the engine is reachable.
func (e *SQLExecutor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("analytics engine ping failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (e *SQLExecutor) Close() error {
	return e.db.Close()
}
