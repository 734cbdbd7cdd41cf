// Package settlement implements the settlement aggregate: batch creation on
// transfer ingestion, the settlement matrix lifecycle, and the cross-matrix
// out-of-sync propagation protocol.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/tern/internal/domain"
)

// Aggregate is the sole mutator of settlement entities. Repositories are dumb
// persistence; all state-machine guards and balance math live here.
type Aggregate struct {
	repos      domain.Repositories
	ledger     domain.LedgerAdapter
	bus        domain.EventBus
	audit      domain.AuditClient
	currencies domain.CurrencyLookup
	filters    *BatchFilterEngine

	now func() time.Time
}

// NewAggregate wires the aggregate with its collaborators. All dependencies
// are injected; the aggregate never reads process-wide state.
func NewAggregate(repos domain.Repositories, ledger domain.LedgerAdapter, bus domain.EventBus, audit domain.AuditClient, currencies domain.CurrencyLookup) (*Aggregate, error) {
	filters, err := NewBatchFilterEngine()
	if err != nil {
		return nil, err
	}
	return &Aggregate{
		repos:      repos,
		ledger:     ledger,
		bus:        bus,
		audit:      audit,
		currencies: currencies,
		filters:    filters,
		now:        time.Now,
	}, nil
}

// HandleTransfer validates and records one inbound fund transfer, creating
// its time-bucket batch on demand. No ledger calls happen here; journal
// entries are materialized lazily during matrix recalculation so ingestion
// stays decoupled from ledger latency. Returns the batch id the transfer
// landed in.
func (a *Aggregate) HandleTransfer(ctx context.Context, evt *domain.TransferEvent) (string, error) {
	if evt.Timestamp <= 0 {
		return "", domain.ErrInvalidTimestamp
	}
	if evt.SettlementModel == "" {
		return "", domain.ErrInvalidSettlementModel
	}
	if evt.CurrencyCode == "" {
		return "", domain.ErrInvalidCurrencyCode
	}
	if evt.Amount == "" {
		return "", domain.ErrInvalidAmount
	}
	if evt.TransferID == "" {
		return "", domain.ErrInvalidTransferID
	}
	if evt.PayerFspID == "" || evt.PayeeFspID == "" {
		return "", domain.ErrInvalidID
	}

	_, amount, err := domain.ParseAmount(a.currencies, evt.CurrencyCode, evt.Amount)
	if err != nil {
		return "", err
	}

	model, err := a.repos.Models.GetModelByName(ctx, evt.SettlementModel)
	if err != nil {
		return "", err
	}

	bucketStart := model.BucketStart(evt.Timestamp)
	batchName := domain.BuildBatchName(model.Name, evt.CurrencyCode, bucketStart)

	batch, created, err := a.getOrCreateBatch(ctx, batchName, model.Name, evt.CurrencyCode, bucketStart)
	if err != nil {
		return "", err
	}

	transfer := &domain.BatchTransfer{
		TransferID:        evt.TransferID,
		TransferTimestamp: evt.Timestamp,
		PayerFspID:        evt.PayerFspID,
		PayeeFspID:        evt.PayeeFspID,
		CurrencyCode:      evt.CurrencyCode,
		Amount:            amount,
		BatchID:           batch.ID,
		BatchName:         batch.BatchName,
	}
	if err := a.repos.Transfers.StoreBatchTransfer(ctx, transfer); err != nil {
		return "", fmt.Errorf("failed to store batch transfer: %w", err)
	}

	slog.Debug("transfer recorded",
		"transfer_id", evt.TransferID,
		"batch_id", batch.ID,
		"batch_created", created,
	)

	a.audit.Audit(ctx, domain.AuditTransferReceived, true, "",
		domain.AuditDetail{Key: "transferId", Value: evt.TransferID},
		domain.AuditDetail{Key: "batchId", Value: batch.ID},
	)

	return batch.ID, nil
}

// getOrCreateBatch reuses the highest-sequence OPEN batch for a bucket, or
// creates the next sequence if the highest is no longer open. This keeps at
// most one OPEN batch per bucket with strictly increasing sequence numbers.
func (a *Aggregate) getOrCreateBatch(ctx context.Context, batchName, model, currencyCode string, bucketStartMs int64) (*domain.SettlementBatch, bool, error) {
	existing, err := a.repos.Batches.GetBatchesByName(ctx, batchName)
	if err != nil && !errors.Is(err, domain.ErrBatchNotFound) {
		return nil, false, err
	}

	var highest *domain.SettlementBatch
	for _, b := range existing {
		if highest == nil || b.BatchSequence > highest.BatchSequence {
			highest = b
		}
	}

	if highest != nil && highest.State == domain.BatchStateOpen {
		return highest, false, nil
	}

	sequence := 1
	if highest != nil {
		sequence = highest.BatchSequence + 1
	}

	batch := &domain.SettlementBatch{
		BatchUUID:       uuid.New().String(),
		ID:              domain.BuildBatchID(batchName, sequence),
		Timestamp:       bucketStartMs,
		SettlementModel: model,
		CurrencyCode:    currencyCode,
		BatchName:       batchName,
		BatchSequence:   sequence,
		State:           domain.BatchStateOpen,
	}
	if err := a.repos.Batches.StoreNewBatch(ctx, batch); err != nil {
		return nil, false, fmt.Errorf("failed to store new batch: %w", err)
	}

	slog.Info("settlement batch created",
		"batch_id", batch.ID,
		"model", model,
		"currency", currencyCode,
	)

	return batch, true, nil
}

// CreateSettlementModel registers a new batching configuration for a model
// name. Models are immutable once created.
func (a *Aggregate) CreateSettlementModel(ctx context.Context, cmd *domain.CreateSettlementModelCmd) error {
	if cmd.Name == "" {
		return domain.ErrInvalidSettlementModel
	}
	if cmd.BatchCreateIntervalSecs <= 0 {
		return fmt.Errorf("%w: batch create interval must be positive", domain.ErrInvalidSettlementModel)
	}

	if _, err := a.repos.Models.GetModelByName(ctx, cmd.Name); err == nil {
		return domain.ErrSettlementModelExists
	} else if !errors.Is(err, domain.ErrSettlementModelNotFound) {
		return err
	}

	id := cmd.ID
	if id == "" {
		id = uuid.New().String()
	}
	nowMs := a.now().UnixMilli()

	model := &domain.SettlementModel{
		ID:                      id,
		Name:                    cmd.Name,
		BatchCreateIntervalSecs: cmd.BatchCreateIntervalSecs,
		IsActive:                true,
		CreatedBy:               cmd.CreatedBy,
		CreatedDate:             nowMs,
		ChangeLog: []domain.ChangeLogEntry{
			{ChangeType: "CREATE", User: cmd.CreatedBy, Timestamp: nowMs},
		},
	}
	if err := a.repos.Models.StoreModel(ctx, model); err != nil {
		return fmt.Errorf("failed to store settlement model: %w", err)
	}

	slog.Info("settlement model created",
		"model", model.Name,
		"interval_secs", model.BatchCreateIntervalSecs,
	)

	a.audit.Audit(ctx, domain.AuditSettlementModelCreated, true, cmd.CreatedBy,
		domain.AuditDetail{Key: "settlementModel", Value: model.Name},
	)

	return nil
}

// propagateOutOfSync publishes a mark-out-of-sync command naming the origin
// matrix and the batches it changed. Delivery is fire-and-forget here; the
// command bus provides at-least-once redelivery.
func (a *Aggregate) propagateOutOfSync(ctx context.Context, originMatrixID string, batchIDs []string) {
	if len(batchIDs) == 0 {
		return
	}

	cmd, err := domain.NewCommand(domain.CmdMarkMatrixOutOfSync, &domain.MarkMatrixOutOfSyncCmd{
		OriginMatrixID: originMatrixID,
		BatchIDs:       batchIDs,
	})
	if err != nil {
		slog.Error("failed to build out-of-sync command", "matrix_id", originMatrixID, "error", err)
		return
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		slog.Error("failed to marshal out-of-sync command", "matrix_id", originMatrixID, "error", err)
		return
	}

	if err := a.bus.Publish(ctx, domain.TopicCommands, payload); err != nil {
		slog.Error("failed to publish out-of-sync command",
			"matrix_id", originMatrixID,
			"batch_count", len(batchIDs),
			"error", err,
		)
	}
}

// MarkMatrixOutOfSync flips other idle matrices referencing the changed
// batches to OUT_OF_SYNC without recalculating them. Recalculation is
// deferred until each matrix is next acted on.
func (a *Aggregate) MarkMatrixOutOfSync(ctx context.Context, originMatrixID string, batchIDs []string) error {
	flagged := make(map[string]bool)

	for _, batchID := range batchIDs {
		matrices, err := a.repos.Matrices.GetIdleMatricesWithBatchID(ctx, batchID)
		if err != nil {
			return err
		}
		for _, m := range matrices {
			if m.ID == originMatrixID || flagged[m.ID] {
				continue
			}
			if m.State != domain.MatrixStateIdle {
				continue
			}
			m.State = domain.MatrixStateOutOfSync
			m.IsBatchesOutOfSync = true
			m.UpdatedAt = a.now().UnixMilli()
			if err := a.repos.Matrices.StoreMatrix(ctx, m); err != nil {
				return fmt.Errorf("failed to mark matrix out of sync: %w", err)
			}
			flagged[m.ID] = true

			slog.Info("matrix marked out of sync",
				"matrix_id", m.ID,
				"origin_matrix_id", originMatrixID,
				"batch_id", batchID,
			)
		}
	}

	return nil
}
