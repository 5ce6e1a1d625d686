// Package memory keeps evidence in process. It backs development deployments and tests;
// nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/services"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction has already been committed or rolled back")

type storedPack struct {
	id        uuid.UUID
	timestamp time.Time
	sqlHash   string
	body      []byte
}

// Store is the shared in-memory state. Packs are held as their JSON documents so reads
// always return fresh copies.
type Store struct {
	mu      sync.RWMutex
	packs   map[uuid.UUID]storedPack
	denials map[uuid.UUID]models.DenialRecord
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		packs:   make(map[uuid.UUID]storedPack),
		denials: make(map[uuid.UUID]models.DenialRecord),
	}
}

// Repositories returns the repository set backed by s.
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Evidence:     NewEvidenceRepository(s),
		Transactions: NewTransactionManager(s),
	}
}

// Counts returns how many packs and denials are stored.
func (s *Store) Counts() (packs, denials int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.packs), len(s.denials)
}

type pending struct {
	pack   *storedPack
	denial *models.DenialRecord
}

func (p pending) id() uuid.UUID {
	if p.pack != nil {
		return p.pack.id
	}
	return p.denial.ID
}

// apply writes all entries or none. Callers hold s.mu.
func (s *Store) apply(entries []pending) error {
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		id := e.id()
		_, packExists := s.packs[id]
		_, denialExists := s.denials[id]
		if packExists || denialExists || seen[id] {
			kind := "denial record"
			if e.pack != nil {
				kind = "evidence pack"
			}
			return services.NewDomainError(services.ErrorTypeConflict, kind+" already exists", nil).
				WithDetail("id", id.String())
		}
		seen[id] = true
	}
	for _, e := range entries {
		if e.pack != nil {
			s.packs[e.pack.id] = *e.pack
		} else {
			s.denials[e.denial.ID] = *e.denial
		}
	}
	return nil
}

// EvidenceRepository implements repositories.EvidenceRepository in memory
type EvidenceRepository struct {
	store *Store
	tx    *Transaction
}

// NewEvidenceRepository creates a repository over store
func NewEvidenceRepository(store *Store) repositories.EvidenceRepository {
	return &EvidenceRepository{store: store}
}

func (r *EvidenceRepository) write(e pending) error {
	if r.tx != nil {
		return r.tx.stage(e)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.apply([]pending{e})
}

// InsertPack stores a packaged evidence pack
func (r *EvidenceRepository) InsertPack(ctx context.Context, pack *models.EvidencePack) error {
	body, err := json.Marshal(pack)
	if err != nil {
		return fmt.Errorf("failed to encode evidence pack: %w", err)
	}
	return r.write(pending{pack: &storedPack{
		id:        pack.ID(),
		timestamp: pack.Timestamp(),
		sqlHash:   pack.SQLHash(),
		body:      body,
	}})
}

// InsertDenial stores a denial record
func (r *EvidenceRepository) InsertDenial(ctx context.Context, record *models.DenialRecord) error {
	return r.write(pending{denial: copyDenial(record)})
}

// GetPack retrieves an evidence pack by id
func (r *EvidenceRepository) GetPack(ctx context.Context, id uuid.UUID) (*models.EvidencePack, error) {
	r.store.mu.RLock()
	stored, ok := r.store.packs[id]
	r.store.mu.RUnlock()
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "evidence pack not found", nil).
			WithDetail("id", id.String())
	}
	return models.UnmarshalEvidencePack(stored.body)
}

// GetDenial retrieves a denial record by id
func (r *EvidenceRepository) GetDenial(ctx context.Context, id uuid.UUID) (*models.DenialRecord, error) {
	r.store.mu.RLock()
	record, ok := r.store.denials[id]
	r.store.mu.RUnlock()
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "denial record not found", nil).
			WithDetail("id", id.String())
	}
	return copyDenial(&record), nil
}

// ListPacksBySQLHash lists packs that compiled to the same SQL, newest first
func (r *EvidenceRepository) ListPacksBySQLHash(ctx context.Context, sqlHash string, limit int) ([]*models.EvidencePack, error) {
	r.store.mu.RLock()
	matches := lo.Filter(lo.Values(r.store.packs), func(p storedPack, _ int) bool {
		return p.sqlHash == sqlHash
	})
	r.store.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return newer(matches[i].timestamp, matches[j].timestamp, matches[i].id, matches[j].id)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	packs := make([]*models.EvidencePack, 0, len(matches))
	for _, m := range matches {
		pack, err := models.UnmarshalEvidencePack(m.body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode evidence pack: %w", err)
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// ListDenials lists denial records, newest first
func (r *EvidenceRepository) ListDenials(ctx context.Context, limit, offset int) ([]*models.DenialRecord, error) {
	r.store.mu.RLock()
	records := lo.Values(r.store.denials)
	r.store.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return newer(records[i].Timestamp, records[j].Timestamp, records[i].ID, records[j].ID)
	})
	if offset >= len(records) {
		return nil, nil
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return lo.Map(records, func(d models.DenialRecord, _ int) *models.DenialRecord {
		return copyDenial(&d)
	}), nil
}

// WithTx returns a new repository instance bound to the transaction. Writes are staged
// until commit; reads see committed state only.
func (r *EvidenceRepository) WithTx(tx repositories.Transaction) repositories.EvidenceRepository {
	memTx, _ := tx.(*Transaction)
	return &EvidenceRepository{store: r.store, tx: memTx}
}

func newer(a, b time.Time, idA, idB uuid.UUID) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return idA.String() > idB.String()
}

func copyDenial(d *models.DenialRecord) *models.DenialRecord {
	out := *d
	if d.DslPlan != nil {
		out.DslPlan = append(json.RawMessage(nil), d.DslPlan...)
	}
	if d.MatchedRules != nil {
		out.MatchedRules = append([]string{}, d.MatchedRules...)
	}
	return &out
}

// TransactionManager stages writes and applies them atomically on commit
type TransactionManager struct {
	store *Store
}

// NewTransactionManager creates a transaction manager over store
func NewTransactionManager(store *Store) repositories.TransactionManager {
	return &TransactionManager{store: store}
}

// Begin starts a new transaction
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &Transaction{store: tm.store, ctx: ctx}, nil
}

// Transaction collects staged writes
type Transaction struct {
	mu      sync.Mutex
	store   *Store
	ctx     context.Context
	entries []pending
	done    bool
}

func (t *Transaction) stage(e pending) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.entries = append(t.entries, e)
	return nil
}

// Commit applies every staged write, or none if any id already exists
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.apply(t.entries)
}

// Rollback discards staged writes
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.entries = nil
	return nil
}

// Context returns the transaction context
func (t *Transaction) Context() context.Context {
	return t.ctx
}
