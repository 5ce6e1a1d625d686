package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/services"
)

var (
	packID   = uuid.MustParse("01900000-0000-7000-8000-0000000000aa")
	denialID = uuid.MustParse("01900000-0000-7000-8000-0000000000bb")
	stamp    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

const sqlHash = "3f1c1f7a2f4f3c9e0f5b7d0c4e8b2a6d9c1e3f5a7b9d0c2e4f6a8b0c1d3e5f7a"

func newTestRepo(t *testing.T) (*EvidenceRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewEvidenceRepository(Wrap(db, zap.NewNop()), zap.NewNop()).(*EvidenceRepository)
	return repo, mock
}

func testPack() *models.EvidencePack {
	rows := int64(12)
	return models.NewEvidencePack(models.EvidencePackParams{
		ID:        packID,
		Timestamp: stamp,
		Plan:      json.RawMessage(`{"metrics":["net_income@1.0.0"]}`),
		Decision:  models.PolicyDecision{Decision: models.DecisionAllow, ReasonCode: "POLICY_ALLOW", Reason: "Request complies with all policies."},
		SQLHash:   sqlHash,
		SQL:       "SELECT 1",
		RowCount:  &rows,
		RequestID: "req-1",
	})
}

func testDenial() *models.DenialRecord {
	return &models.DenialRecord{
		ID:             denialID,
		Timestamp:      stamp,
		Decision:       models.DecisionDeny,
		ReasonCode:     "SENSITIVE_FIELD_DENIED",
		Reason:         "High-sensitivity narrative or PII fields are restricted.",
		Alternative:    "Try the query without the restricted fields, or request access elevation.",
		DslPlan:        json.RawMessage(`{"metrics":["complaint_narrative@1.0.0"]}`),
		MatchedRules:   []string{"deny_sensitive_fields"},
		RulesetVersion: "2024.06.1",
		CatalogVersion: "2024.06.1",
		Subject:        "u-analyst",
	}
}

func TestEvidenceRepository_InsertPack(t *testing.T) {
	repo, mock := newTestRepo(t)
	pack := testPack()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence_packs")).
		WithArgs(packID, stamp, sqlHash, "ALLOW", "req-1", nil, int64(12), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.InsertPack(context.Background(), pack))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvidenceRepository_InsertPack_Duplicate(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence_packs")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.InsertPack(context.Background(), testPack())
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
	assert.Equal(t, packID.String(), services.GetErrorDetails(err)["id"])
}

func TestEvidenceRepository_GetPack(t *testing.T) {
	repo, mock := newTestRepo(t)
	original := testPack()
	body, err := json.Marshal(original)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM evidence_packs WHERE id = $1")).
		WithArgs(packID).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	pack, err := repo.GetPack(context.Background(), packID)
	require.NoError(t, err)
	assert.Equal(t, packID, pack.ID())
	assert.Equal(t, sqlHash, pack.SQLHash())
	n, ok := pack.ResultRowCount()
	assert.True(t, ok)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM evidence_packs")).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetPack(context.Background(), packID)
		assert.True(t, services.IsNotFoundError(err))
	})
}

func TestEvidenceRepository_InsertDenial(t *testing.T) {
	repo, mock := newTestRepo(t)
	record := testDenial()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO denial_records")).
		WithArgs(denialID, stamp, "SENSITIVE_FIELD_DENIED", record.Reason, record.Alternative, sqlmock.AnyArg(), sqlmock.AnyArg(),
			"2024.06.1", "2024.06.1", "u-analyst", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.InsertDenial(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func denialColumns() []string {
	return []string{"id", "timestamp", "reason_code", "reason", "alternative", "dsl_plan", "matched_rules",
		"ruleset_version", "catalog_version", "subject", "request_id"}
}

func TestEvidenceRepository_GetDenial(t *testing.T) {
	repo, mock := newTestRepo(t)
	want := testDenial()

	mock.ExpectQuery(regexp.QuoteMeta("FROM denial_records")).
		WithArgs(denialID).
		WillReturnRows(sqlmock.NewRows(denialColumns()).AddRow(
			denialID.String(), stamp, want.ReasonCode, want.Reason, want.Alternative, []byte(want.DslPlan),
			"{deny_sensitive_fields}", "2024.06.1", "2024.06.1", "u-analyst", nil,
		))

	got, err := repo.GetDenial(context.Background(), denialID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvidenceRepository_ListPacksBySQLHash(t *testing.T) {
	repo, mock := newTestRepo(t)
	body, err := json.Marshal(testPack())
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE sql_hash = $1")).
		WithArgs(sqlHash, 50).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body).AddRow(body))

	packs, err := repo.ListPacksBySQLHash(context.Background(), sqlHash, 50)
	require.NoError(t, err)
	assert.Len(t, packs, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvidenceRepository_ListDenials(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM denial_records")).
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(denialColumns()).AddRow(
			denialID.String(), stamp, "FILTER_ON_RESTRICTED_FIELD", "Filtering on restricted fields is not allowed.",
			nil, nil, "{}", "2024.06.1", "2024.06.1", nil, "req-9",
		))

	records, err := repo.ListDenials(context.Background(), 20, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "req-9", records[0].RequestID)
	assert.Empty(t, records[0].Subject)
	assert.Nil(t, records[0].DslPlan)
	assert.Empty(t, records[0].Alternative)
	assert.Empty(t, records[0].MatchedRules)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvidenceRepository_WithTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	pgDB := Wrap(db, zap.NewNop())
	repo := NewEvidenceRepository(pgDB, zap.NewNop())
	txm := NewTransactionManager(pgDB, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence_packs")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO denial_records")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = services.WithTransaction(context.Background(), txm, func(ctx context.Context, tx repositories.Transaction) error {
		txRepo := repo.WithTx(tx)
		if err := txRepo.InsertPack(ctx, testPack()); err != nil {
			return err
		}
		return txRepo.InsertDenial(ctx, testDenial())
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
