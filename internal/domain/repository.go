// Package domain defines the core entities and collaborator interfaces for
// Tern.
package domain

import (
	"context"
	"time"
)

// BatchSearchCriteria selects batches for dynamic matrices and read queries.
// Zero date bounds mean "no constraint"; empty slices mean "any".
type BatchSearchCriteria struct {
	FromDate        int64
	ToDate          int64
	SettlementModel string
	CurrencyCodes   []string
	States          []BatchState
}

// BatchRepository persists settlement batches. Implementations hold no
// business logic and always return full entity snapshots.
type BatchRepository interface {
	StoreNewBatch(ctx context.Context, batch *SettlementBatch) error
	UpdateBatch(ctx context.Context, batch *SettlementBatch) error
	GetBatch(ctx context.Context, batchID string) (*SettlementBatch, error)
	GetBatchesByName(ctx context.Context, batchName string) ([]*SettlementBatch, error)
	GetBatchesByIDs(ctx context.Context, batchIDs []string) ([]*SettlementBatch, error)
	GetBatchesByCriteria(ctx context.Context, criteria BatchSearchCriteria) ([]*SettlementBatch, error)
}

// TransferSearchQuery is a paginated read-path lookup for batch transfers.
type TransferSearchQuery struct {
	BatchID    string
	BatchName  string
	TransferID string
	Offset     int
	Limit      int
}

// TransferSearchPage is one page of batch transfers.
type TransferSearchPage struct {
	Items      []*BatchTransfer `json:"items"`
	TotalCount int              `json:"totalCount"`
}

// BatchTransferRepository persists individual batch transfers.
type BatchTransferRepository interface {
	StoreBatchTransfer(ctx context.Context, transfer *BatchTransfer) error
	UpdateBatchTransfer(ctx context.Context, transfer *BatchTransfer) error
	GetAllTransfersByBatchID(ctx context.Context, batchID string) ([]*BatchTransfer, error)
	SearchTransfers(ctx context.Context, query TransferSearchQuery) (*TransferSearchPage, error)
}

// SettlementModelRepository persists settlement model configurations.
type SettlementModelRepository interface {
	StoreModel(ctx context.Context, model *SettlementModel) error
	GetModelByName(ctx context.Context, name string) (*SettlementModel, error)
}

// MatrixRepository persists settlement matrices. StoreMatrix is an upsert.
type MatrixRepository interface {
	StoreMatrix(ctx context.Context, matrix *SettlementMatrix) error
	GetMatrixByID(ctx context.Context, matrixID string) (*SettlementMatrix, error)
	// GetIdleMatricesWithBatchID returns all IDLE matrices whose snapshot
	// references the given batch id. Used by out-of-sync propagation.
	GetIdleMatricesWithBatchID(ctx context.Context, batchID string) ([]*SettlementMatrix, error)
}

// Repositories bundles the persistence interfaces the aggregate needs.
type Repositories struct {
	Batches   BatchRepository
	Transfers BatchTransferRepository
	Models    SettlementModelRepository
	Matrices  MatrixRepository
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
