package domain

import "context"

// AuditDetail is one key-value pair attached to an audit record.
type AuditDetail struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AuditClient records security-relevant actions. Audit calls are
// fire-and-forget: they never block and never fail the triggering operation.
type AuditClient interface {
	Audit(ctx context.Context, action string, success bool, actor string, details ...AuditDetail)
}

// Audit action names.
const (
	AuditTransferReceived       = "SETTLEMENT_TRANSFER_RECEIVED"
	AuditSettlementModelCreated = "SETTLEMENT_MODEL_CREATED"
	AuditMatrixCreated          = "SETTLEMENT_MATRIX_CREATED"
	AuditMatrixRecalculated     = "SETTLEMENT_MATRIX_RECALCULATED"
	AuditMatrixBatchesAdded     = "SETTLEMENT_MATRIX_BATCHES_ADDED"
	AuditMatrixBatchesRemoved   = "SETTLEMENT_MATRIX_BATCHES_REMOVED"
	AuditMatrixDisputed         = "SETTLEMENT_MATRIX_DISPUTED"
	AuditMatrixLocked           = "SETTLEMENT_MATRIX_LOCKED"
	AuditMatrixUnlocked         = "SETTLEMENT_MATRIX_UNLOCKED"
	AuditMatrixClosed           = "SETTLEMENT_MATRIX_CLOSED"
	AuditMatrixSettled          = "SETTLEMENT_MATRIX_SETTLED"
)
