package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/services"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// EvidenceRepository implements the repositories.EvidenceRepository interface
type EvidenceRepository struct {
	db     *DB
	exec   Executor
	logger *zap.Logger
}

// NewEvidenceRepository creates a new evidence repository
func NewEvidenceRepository(db *DB, logger *zap.Logger) repositories.EvidenceRepository {
	return &EvidenceRepository{
		db:     db,
		exec:   db.DB,
		logger: logger,
	}
}

// InsertPack stores the pack. The full JSON document is kept so a later read
// reproduces exactly what was issued.
func (r *EvidenceRepository) InsertPack(ctx context.Context, pack *models.EvidencePack) error {
	body, err := json.Marshal(pack)
	if err != nil {
		return fmt.Errorf("failed to encode evidence pack: %w", err)
	}

	var rowCount sql.NullInt64
	if n, ok := pack.ResultRowCount(); ok {
		rowCount = sql.NullInt64{Int64: n, Valid: true}
	}

	query := `
		INSERT INTO evidence_packs (
			id, timestamp, sql_hash, decision, request_id, subject, result_row_count, body
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err = r.exec.ExecContext(ctx, query,
		pack.ID(),
		pack.Timestamp(),
		pack.SQLHash(),
		string(pack.Decision().Decision),
		nullString(pack.RequestID()),
		nullString(pack.Subject()),
		rowCount,
		body,
	)
	if err != nil {
		return insertError("evidence pack", pack.ID(), err)
	}

	r.logger.Debug("evidence pack inserted",
		zap.String("evidence_pack_id", pack.ID().String()),
		zap.String("sql_hash", pack.SQLHash()),
	)
	return nil
}

// InsertDenial stores a denial record
func (r *EvidenceRepository) InsertDenial(ctx context.Context, record *models.DenialRecord) error {
	query := `
		INSERT INTO denial_records (
			id, timestamp, reason_code, reason, alternative, dsl_plan, matched_rules,
			ruleset_version, catalog_version, subject, request_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	matched := record.MatchedRules
	if matched == nil {
		matched = []string{}
	}

	_, err := r.exec.ExecContext(ctx, query,
		record.ID,
		record.Timestamp,
		record.ReasonCode,
		record.Reason,
		nullString(record.Alternative),
		nullJSON(record.DslPlan),
		pq.Array(matched),
		record.RulesetVersion,
		record.CatalogVersion,
		nullString(record.Subject),
		nullString(record.RequestID),
	)
	if err != nil {
		return insertError("denial record", record.ID, err)
	}

	r.logger.Debug("denial record inserted",
		zap.String("denial_id", record.ID.String()),
		zap.String("reason_code", record.ReasonCode),
	)
	return nil
}

// GetPack retrieves an evidence pack by id
func (r *EvidenceRepository) GetPack(ctx context.Context, id uuid.UUID) (*models.EvidencePack, error) {
	query := `SELECT body FROM evidence_packs WHERE id = $1`

	var body []byte
	if err := r.exec.QueryRowContext(ctx, query, id).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("evidence pack", id)
		}
		return nil, fmt.Errorf("failed to get evidence pack: %w", err)
	}

	pack, err := models.UnmarshalEvidencePack(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode evidence pack %s: %w", id, err)
	}
	return pack, nil
}

// GetDenial retrieves a denial record by id
func (r *EvidenceRepository) GetDenial(ctx context.Context, id uuid.UUID) (*models.DenialRecord, error) {
	query := `
		SELECT id, timestamp, reason_code, reason, alternative, dsl_plan, matched_rules,
		       ruleset_version, catalog_version, subject, request_id
		FROM denial_records
		WHERE id = $1
	`

	record, err := scanDenial(r.exec.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("denial record", id)
		}
		return nil, fmt.Errorf("failed to get denial record: %w", err)
	}
	return record, nil
}

// ListPacksBySQLHash lists packs that compiled to the same SQL, newest first
func (r *EvidenceRepository) ListPacksBySQLHash(ctx context.Context, sqlHash string, limit int) ([]*models.EvidencePack, error) {
	query := `
		SELECT body
		FROM evidence_packs
		WHERE sql_hash = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`

	rows, err := r.exec.QueryContext(ctx, query, sqlHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence packs: %w", err)
	}
	defer rows.Close()

	var packs []*models.EvidencePack
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan evidence pack: %w", err)
		}
		pack, err := models.UnmarshalEvidencePack(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode evidence pack: %w", err)
		}
		packs = append(packs, pack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evidence pack rows: %w", err)
	}

	return packs, nil
}

// ListDenials lists denial records, newest first
func (r *EvidenceRepository) ListDenials(ctx context.Context, limit, offset int) ([]*models.DenialRecord, error) {
	query := `
		SELECT id, timestamp, reason_code, reason, alternative, dsl_plan, matched_rules,
		       ruleset_version, catalog_version, subject, request_id
		FROM denial_records
		ORDER BY timestamp DESC, id DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.exec.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query denial records: %w", err)
	}
	defer rows.Close()

	var records []*models.DenialRecord
	for rows.Next() {
		record, err := scanDenial(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan denial record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating denial record rows: %w", err)
	}

	return records, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *EvidenceRepository) WithTx(tx repositories.Transaction) repositories.EvidenceRepository {
	return &EvidenceRepository{
		db:     r.db,
		exec:   executorFor(tx, r.db),
		logger: r.logger,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDenial(row scanner) (*models.DenialRecord, error) {
	record := &models.DenialRecord{Decision: models.DecisionDeny}
	var plan []byte
	var alternative, subject, requestID sql.NullString

	err := row.Scan(
		&record.ID,
		&record.Timestamp,
		&record.ReasonCode,
		&record.Reason,
		&alternative,
		&plan,
		pq.Array(&record.MatchedRules),
		&record.RulesetVersion,
		&record.CatalogVersion,
		&subject,
		&requestID,
	)
	if err != nil {
		return nil, err
	}

	record.Timestamp = record.Timestamp.UTC()
	if len(plan) > 0 {
		record.DslPlan = plan
	}
	record.Alternative = alternative.String
	record.Subject = subject.String
	record.RequestID = requestID.String
	return record, nil
}

func insertError(kind string, id uuid.UUID, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return services.NewDomainError(services.ErrorTypeConflict, kind+" already exists", err).
			WithDetail("id", id.String())
	}
	return fmt.Errorf("failed to insert %s: %w", kind, err)
}

func notFound(kind string, id uuid.UUID) error {
	return services.NewDomainError(services.ErrorTypeNotFound, kind+" not found", nil).
		WithDetail("id", id.String())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
