package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/upb/analytics-control-plane/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// EvidenceRepository stores evidence packs and denial records. It is append-only:
// there is no update or delete, and inserting an existing id is a conflict.
type EvidenceRepository interface {
	// InsertPack stores a packaged evidence pack
	InsertPack(ctx context.Context, pack *models.EvidencePack) error

	// InsertDenial stores a denial record
	InsertDenial(ctx context.Context, record *models.DenialRecord) error

	// GetPack retrieves an evidence pack by id
	GetPack(ctx context.Context, id uuid.UUID) (*models.EvidencePack, error)

	// GetDenial retrieves a denial record by id
	GetDenial(ctx context.Context, id uuid.UUID) (*models.DenialRecord, error)

	// ListPacksBySQLHash lists packs that compiled to the same SQL, newest first
	ListPacksBySQLHash(ctx context.Context, sqlHash string, limit int) ([]*models.EvidencePack, error)

	// ListDenials lists denial records, newest first
	ListDenials(ctx context.Context, limit, offset int) ([]*models.DenialRecord, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) EvidenceRepository
}

// Repositories holds all repository instances
type Repositories struct {
	Evidence     EvidenceRepository
	Transactions TransactionManager
}
