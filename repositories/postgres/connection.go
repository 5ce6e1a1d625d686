package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/config"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("evidence database connection established",
		zap.String("connection", cfg.LogString()))

	return Wrap(db, logger), nil
}

// Wrap adopts an already open pool.
func Wrap(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing evidence database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// schema creates the evidence tables. Both tables reject UPDATE and DELETE at the
// database level so history cannot be rewritten by a misbehaving client.
const schema = `
	CREATE TABLE IF NOT EXISTS evidence_packs (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		sql_hash CHAR(64) NOT NULL,
		decision VARCHAR(32) NOT NULL,
		request_id VARCHAR(255),
		subject VARCHAR(255),
		result_row_count BIGINT,
		body JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS denial_records (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		reason_code VARCHAR(64) NOT NULL,
		reason TEXT NOT NULL,
		alternative TEXT,
		dsl_plan JSONB,
		matched_rules TEXT[] NOT NULL DEFAULT '{}',
		ruleset_version VARCHAR(64) NOT NULL,
		catalog_version VARCHAR(64) NOT NULL,
		subject VARCHAR(255),
		request_id VARCHAR(255)
	);

	ALTER TABLE denial_records ADD COLUMN IF NOT EXISTS alternative TEXT;

	CREATE INDEX IF NOT EXISTS idx_evidence_packs_sql_hash ON evidence_packs(sql_hash);
	CREATE INDEX IF NOT EXISTS idx_evidence_packs_timestamp ON evidence_packs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_evidence_packs_request_id ON evidence_packs(request_id);
	CREATE INDEX IF NOT EXISTS idx_denial_records_timestamp ON denial_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_denial_records_reason_code ON denial_records(reason_code);

	CREATE OR REPLACE FUNCTION reject_evidence_mutation() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'evidence records are append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS evidence_packs_append_only ON evidence_packs;
	CREATE TRIGGER evidence_packs_append_only BEFORE UPDATE OR DELETE ON evidence_packs
		FOR EACH ROW EXECUTE FUNCTION reject_evidence_mutation();

	DROP TRIGGER IF EXISTS denial_records_append_only ON denial_records;
	CREATE TRIGGER denial_records_append_only BEFORE UPDATE OR DELETE ON denial_records
		FOR EACH ROW EXECUTE FUNCTION reject_evidence_mutation();
`

// InitSchema initializes the evidence schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("evidence schema initialized successfully")
	return nil
}
