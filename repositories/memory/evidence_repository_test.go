package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/services"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func pack(id uuid.UUID, at time.Time, hash string) *models.EvidencePack {
	return models.NewEvidencePack(models.EvidencePackParams{
		ID:        id,
		Timestamp: at,
		Plan:      json.RawMessage(`{"metrics":["net_income@1.0.0"]}`),
		Decision:  models.PolicyDecision{Decision: models.DecisionAllow, ReasonCode: "POLICY_ALLOW"},
		SQLHash:   hash,
		SQL:       "SELECT 1",
	})
}

func denial(id uuid.UUID, at time.Time) *models.DenialRecord {
	return &models.DenialRecord{
		ID:           id,
		Timestamp:    at,
		Decision:     models.DecisionDeny,
		ReasonCode:   "SENSITIVE_FIELD_DENIED",
		MatchedRules: []string{"deny_sensitive_fields"},
	}
}

func TestEvidenceRepository_Packs(t *testing.T) {
	ctx := context.Background()
	repo := NewEvidenceRepository(NewStore())

	first, second, other := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, repo.InsertPack(ctx, pack(first, base, "h1")))
	require.NoError(t, repo.InsertPack(ctx, pack(second, base.Add(time.Minute), "h1")))
	require.NoError(t, repo.InsertPack(ctx, pack(other, base, "h2")))

	got, err := repo.GetPack(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "h1", got.SQLHash())

	listed, err := repo.ListPacksBySQLHash(ctx, "h1", 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second, listed[0].ID(), "newest first")

	limited, err := repo.ListPacksBySQLHash(ctx, "h1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = repo.GetPack(ctx, uuid.New())
	assert.True(t, services.IsNotFoundError(err))

	err = repo.InsertPack(ctx, pack(first, base, "h1"))
	assert.True(t, services.IsConflictError(err), "append-only")
}

func TestEvidenceRepository_Denials(t *testing.T) {
	ctx := context.Background()
	repo := NewEvidenceRepository(NewStore())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		require.NoError(t, repo.InsertDenial(ctx, denial(id, base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := repo.GetDenial(ctx, ids[0])
	require.NoError(t, err)
	got.MatchedRules[0] = "mutated"
	again, err := repo.GetDenial(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"deny_sensitive_fields"}, again.MatchedRules)

	page, err := repo.ListDenials(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	rest, err := repo.ListDenials(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)

	none, err := repo.ListDenials(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repos := store.Repositories()

	t.Run("commit applies staged writes", func(t *testing.T) {
		err := services.WithTransaction(ctx, repos.Transactions, func(ctx context.Context, tx repositories.Transaction) error {
			txRepo := repos.Evidence.WithTx(tx)
			require.NoError(t, txRepo.InsertPack(ctx, pack(uuid.New(), base, "h1")))
			require.NoError(t, txRepo.InsertDenial(ctx, denial(uuid.New(), base)))

			packs, denials := store.Counts()
			assert.Equal(t, 0, packs+denials, "nothing visible before commit")
			return nil
		})
		require.NoError(t, err)

		packs, denials := store.Counts()
		assert.Equal(t, 1, packs)
		assert.Equal(t, 1, denials)
	})

	t.Run("rollback discards", func(t *testing.T) {
		boom := errors.New("boom")
		err := services.WithTransaction(ctx, repos.Transactions, func(ctx context.Context, tx repositories.Transaction) error {
			require.NoError(t, repos.Evidence.WithTx(tx).InsertPack(ctx, pack(uuid.New(), base, "h3")))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		packs, _ := store.Counts()
		assert.Equal(t, 1, packs)
	})

	t.Run("a duplicate aborts the whole batch", func(t *testing.T) {
		dup := uuid.New()
		require.NoError(t, repos.Evidence.InsertDenial(ctx, denial(dup, base)))

		err := services.WithTransaction(ctx, repos.Transactions, func(ctx context.Context, tx repositories.Transaction) error {
			txRepo := repos.Evidence.WithTx(tx)
			require.NoError(t, txRepo.InsertPack(ctx, pack(uuid.New(), base, "h4")))
			return txRepo.InsertDenial(ctx, denial(dup, base))
		})
		require.Error(t, err)
		assert.True(t, services.IsConflictError(err))

		listed, err := repos.Evidence.ListPacksBySQLHash(ctx, "h4", 10)
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("finished transactions reject writes", func(t *testing.T) {
		tx, err := repos.Transactions.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		err = repos.Evidence.WithTx(tx).InsertPack(ctx, pack(uuid.New(), base, "h5"))
		assert.ErrorIs(t, err, ErrTxDone)
		assert.ErrorIs(t, tx.Commit(), ErrTxDone)
	})
}
