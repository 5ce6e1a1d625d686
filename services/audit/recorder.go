package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/services"
)

// Config holds configuration for the Recorder
type Config struct {
	BufferSize   int           // Size of the record buffer channel
	WorkerCount  int           // Number of concurrent writers
	BatchSize    int           // Records written per transaction
	WriteTimeout time.Duration // Deadline for one batch
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1024,
		WorkerCount:  4,
		BatchSize:    32,
		WriteTimeout: 5 * time.Second,
	}
}

// entry is one queued record: exactly one field is set.
type entry struct {
	pack   *models.EvidencePack
	denial *models.DenialRecord
}

func (e entry) fields() []zap.Field {
	if e.pack != nil {
		return []zap.Field{zap.String("evidence_pack_id", e.pack.ID().String()), zap.String("sql_hash", e.pack.SQLHash())}
	}
	return []zap.Field{zap.String("denial_id", e.denial.ID.String()), zap.String("reason_code", e.denial.ReasonCode)}
}

// Recorder persists evidence packs and denial records in the background. Requests hand
// records over without waiting for the database; a full buffer is reported to the caller
// instead of dropping the record.
type Recorder struct {
	repo   repositories.EvidenceRepository
	txm    repositories.TransactionManager
	cfg    Config
	logger *zap.Logger

	queue   chan entry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a new Recorder. txm may be nil, in which case records are written
// one at a time.
func NewRecorder(repo repositories.EvidenceRepository, txm repositories.TransactionManager, cfg Config, logger *zap.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Recorder{
		repo:   repo,
		txm:    txm,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan entry, cfg.BufferSize),
	}
}

// Start starts the background workers
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("evidence recorder already started")
	}
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.started = true

	r.logger.Info("started evidence recorder",
		zap.Int("worker_count", r.cfg.WorkerCount),
		zap.Int("buffer_size", r.cfg.BufferSize),
		zap.Int("batch_size", r.cfg.BatchSize))
	return nil
}

// Stop stops accepting records and waits for the queue to drain.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("evidence recorder not running")
	}
	r.stopped = true
	pending := len(r.queue)
	close(r.queue)
	r.mu.Unlock()

	r.logger.Info("stopping evidence recorder", zap.Int("pending_records", pending))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("evidence recorder stopped gracefully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("evidence recorder stop: %w", ctx.Err())
	}
}

// RecordPack queues a packaged evidence pack
func (r *Recorder) RecordPack(ctx context.Context, pack *models.EvidencePack) error {
	return r.enqueue(entry{pack: pack})
}

// RecordDenial queues a denial record
func (r *Recorder) RecordDenial(ctx context.Context, record *models.DenialRecord) error {
	return r.enqueue(entry{denial: record})
}

func (r *Recorder) enqueue(e entry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started || r.stopped {
		return services.ErrRecorderStopped
	}
	select {
	case r.queue <- e:
		return nil
	default:
		r.logger.Error("evidence recorder buffer full", e.fields()...)
		return services.ErrRecorderFull
	}
}

// worker drains the queue in batches
func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("evidence recorder worker started", zap.Int("worker_id", id))

	for first := range r.queue {
		batch := []entry{first}
	fill:
		for len(batch) < r.cfg.BatchSize {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		r.writeBatch(id, batch)
	}

	r.logger.Debug("evidence recorder worker stopped", zap.Int("worker_id", id))
}

// writeBatch writes the batch in one transaction. If the transaction fails the records
// are retried one by one so a single bad record cannot take the rest down with it.
func (r *Recorder) writeBatch(workerID int, batch []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	if r.txm != nil && len(batch) > 1 {
		err := services.WithTransaction(ctx, r.txm, func(ctx context.Context, tx repositories.Transaction) error {
			repo := r.repo.WithTx(tx)
			for _, e := range batch {
				if err := insert(ctx, repo, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			r.written.Add(uint64(len(batch)))
			return
		}
		r.logger.Warn("evidence batch failed, retrying records individually",
			zap.Int("worker_id", workerID),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}

	for _, e := range batch {
		err := insert(ctx, r.repo, e)
		switch {
		case err == nil:
			r.written.Add(1)
		case services.IsConflictError(err):
			r.logger.Warn("evidence record already stored", append(e.fields(), zap.Int("worker_id", workerID))...)
		default:
			r.failed.Add(1)
			r.logger.Error("failed to persist evidence record",
				append(e.fields(), zap.Int("worker_id", workerID), zap.Error(err))...)
		}
	}
}

func insert(ctx context.Context, repo repositories.EvidenceRepository, e entry) error {
	if e.pack != nil {
		return repo.InsertPack(ctx, e.pack)
	}
	return repo.InsertDenial(ctx, e.denial)
}

// Stats represents recorder statistics
type Stats struct {
	BufferSize     int    `json:"buffer_size"`
	PendingRecords int    `json:"pending_records"`
	WorkerCount    int    `json:"worker_count"`
	Written        uint64 `json:"written"`
	Failed         uint64 `json:"failed"`
	Running        bool   `json:"running"`
}

// GetStats returns statistics about the recorder
func (r *Recorder) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		BufferSize:     r.cfg.BufferSize,
		PendingRecords: len(r.queue),
		WorkerCount:    r.cfg.WorkerCount,
		Written:        r.written.Load(),
		Failed:         r.failed.Load(),
		Running:        r.started && !r.stopped,
	}
}
