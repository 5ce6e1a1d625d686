package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/repositories/memory"
	"github.com/upb/analytics-control-plane/services"
)

func testPack() *models.EvidencePack {
	return models.NewEvidencePack(models.EvidencePackParams{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Decision:  models.PolicyDecision{Decision: models.DecisionAllow},
		SQLHash:   "h",
		SQL:       "SELECT 1",
	})
}

func testDenial() *models.DenialRecord {
	return &models.DenialRecord{ID: uuid.New(), Timestamp: time.Now(), Decision: models.DecisionDeny, ReasonCode: "SENSITIVE_FIELD_DENIED"}
}

// stubRepository fails or blocks writes; unused methods panic through the nil interface.
type stubRepository struct {
	repositories.EvidenceRepository
	release chan struct{}
	err     error
	calls   atomic.Int32
}

func (s *stubRepository) InsertPack(ctx context.Context, pack *models.EvidencePack) error {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.err
}

func (s *stubRepository) InsertDenial(ctx context.Context, record *models.DenialRecord) error {
	return s.InsertPack(ctx, nil)
}

func (s *stubRepository) WithTx(tx repositories.Transaction) repositories.EvidenceRepository {
	return s
}

func stop(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestRecorder_PersistsEverything(t *testing.T) {
	store := memory.NewStore()
	repos := store.Repositories()
	r := NewRecorder(repos.Evidence, repos.Transactions, Config{BufferSize: 64, WorkerCount: 3, BatchSize: 4}, zap.NewNop())
	require.NoError(t, r.Start())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, r.RecordPack(ctx, testPack()))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, r.RecordDenial(ctx, testDenial()))
	}
	stop(t, r)

	packs, denials := store.Counts()
	assert.Equal(t, 20, packs)
	assert.Equal(t, 10, denials)

	stats := r.GetStats()
	assert.Equal(t, uint64(30), stats.Written)
	assert.Equal(t, uint64(0), stats.Failed)
	assert.False(t, stats.Running)
}

func TestRecorder_Lifecycle(t *testing.T) {
	store := memory.NewStore()
	r := NewRecorder(memory.NewEvidenceRepository(store), nil, Config{}, zap.NewNop())

	assert.ErrorIs(t, r.RecordPack(context.Background(), testPack()), services.ErrRecorderStopped)
	assert.Equal(t, DefaultConfig().BufferSize, r.GetStats().BufferSize)

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())
	assert.True(t, r.GetStats().Running)

	stop(t, r)
	assert.ErrorIs(t, r.RecordDenial(context.Background(), testDenial()), services.ErrRecorderStopped)
	assert.Error(t, r.Stop(context.Background()))
}

func TestRecorder_FullBufferIsReported(t *testing.T) {
	repo := &stubRepository{release: make(chan struct{})}
	r := NewRecorder(repo, nil, Config{BufferSize: 1, WorkerCount: 1, BatchSize: 1}, zap.NewNop())
	require.NoError(t, r.Start())

	var full int
	for i := 0; i < 3; i++ {
		if err := r.RecordPack(context.Background(), testPack()); err != nil {
			assert.ErrorIs(t, err, services.ErrRecorderFull)
			assert.True(t, services.IsInternalError(err))
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 1)

	close(repo.release)
	stop(t, r)
	assert.Equal(t, int32(3-full), repo.calls.Load())
}

func TestRecorder_WriteFailuresAreCounted(t *testing.T) {
	repo := &stubRepository{err: errors.New("database unavailable")}
	r := NewRecorder(repo, nil, Config{BufferSize: 8, WorkerCount: 1, BatchSize: 4}, zap.NewNop())
	require.NoError(t, r.Start())

	require.NoError(t, r.RecordPack(context.Background(), testPack()))
	require.NoError(t, r.RecordDenial(context.Background(), testDenial()))
	stop(t, r)

	assert.Equal(t, uint64(2), r.GetStats().Failed)
	assert.Equal(t, uint64(0), r.GetStats().Written)
}

func TestRecorder_DuplicateDoesNotSinkTheBatch(t *testing.T) {
	store := memory.NewStore()
	repos := store.Repositories()
	dup := testDenial()
	require.NoError(t, repos.Evidence.InsertDenial(context.Background(), dup))

	r := NewRecorder(repos.Evidence, repos.Transactions, Config{BufferSize: 16, WorkerCount: 1, BatchSize: 16}, zap.NewNop())
	require.NoError(t, r.Start())

	ctx := context.Background()
	require.NoError(t, r.RecordPack(ctx, testPack()))
	require.NoError(t, r.RecordDenial(ctx, dup))
	require.NoError(t, r.RecordPack(ctx, testPack()))
	stop(t, r)

	packs, denials := store.Counts()
	assert.Equal(t, 2, packs)
	assert.Equal(t, 1, denials)
	assert.Equal(t, uint64(0), r.GetStats().Failed)
}
