package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opensource-finance/tern/internal/domain"
)

// Matrix operations share one shape: load the matrix, guard its state, claim
// it BUSY and persist the claim, recalculate, apply the batch mutation,
// persist the final state, then fan out OUT_OF_SYNC commands for any batches
// whose state changed. Only recalculate accepts an OUT_OF_SYNC matrix; every
// other operation requires its documented precondition state. The BUSY claim
// is best effort; concurrent claimers are serialized by the single command
// consumer, not by a storage CAS.

// CreateStaticMatrix creates a matrix over an explicit batch id list and runs
// its first recalculation. Every referenced batch must exist.
func (a *Aggregate) CreateStaticMatrix(ctx context.Context, cmd *domain.CreateStaticMatrixCmd) (string, error) {
	matrixID := cmd.MatrixID
	if matrixID == "" {
		matrixID = uuid.New().String()
	}

	if err := a.ensureMatrixAbsent(ctx, matrixID); err != nil {
		return "", err
	}

	batches, err := a.fetchBatchesByIDs(ctx, cmd.BatchIDs)
	if err != nil {
		return "", err
	}

	m := domain.NewStaticMatrix(matrixID, a.now().UnixMilli(), batches)
	m.State = domain.MatrixStateBusy
	if err := a.repos.Matrices.StoreMatrix(ctx, m); err != nil {
		return "", err
	}

	if _, err := a.recalculateMatrix(ctx, m, false); err != nil {
		return "", err
	}
	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateIdle); err != nil {
		return "", err
	}

	slog.Info("static settlement matrix created", "matrix_id", m.ID, "batches", len(m.Batches))
	a.audit.Audit(ctx, domain.AuditMatrixCreated, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
		domain.AuditDetail{Key: "type", Value: string(domain.MatrixTypeStatic)},
	)
	return m.ID, nil
}

// CreateDynamicMatrix creates a criteria-based matrix and runs its first
// recalculation. The optional batch filter expression is compiled up front so
// a bad expression fails the create, not a later recalculation.
func (a *Aggregate) CreateDynamicMatrix(ctx context.Context, cmd *domain.CreateDynamicMatrixCmd) (string, error) {
	matrixID := cmd.MatrixID
	if matrixID == "" {
		matrixID = uuid.New().String()
	}

	if err := a.ensureMatrixAbsent(ctx, matrixID); err != nil {
		return "", err
	}
	if err := a.filters.Compile(cmd.BatchFilter); err != nil {
		return "", err
	}

	m := domain.NewDynamicMatrix(matrixID, a.now().UnixMilli(),
		cmd.FromDate, cmd.ToDate, cmd.SettlementModel, cmd.CurrencyCodes, cmd.BatchStatuses, cmd.BatchFilter)
	m.State = domain.MatrixStateBusy
	if err := a.repos.Matrices.StoreMatrix(ctx, m); err != nil {
		return "", err
	}

	if _, err := a.recalculateMatrix(ctx, m, false); err != nil {
		return "", err
	}
	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateIdle); err != nil {
		return "", err
	}

	slog.Info("dynamic settlement matrix created", "matrix_id", m.ID, "batches", len(m.Batches))
	a.audit.Audit(ctx, domain.AuditMatrixCreated, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
		domain.AuditDetail{Key: "type", Value: string(domain.MatrixTypeDynamic)},
	)
	return m.ID, nil
}

// RecalculateMatrix refreshes every computed field of a matrix. BUSY is an
// accepted input state: a matrix stranded BUSY by a crashed operation is
// recovered by recalculating it.
func (a *Aggregate) RecalculateMatrix(ctx context.Context, matrixID string) error {
	m, err := a.beginMatrixOp(ctx, matrixID, domain.ErrCannotRecalculateMatrix,
		domain.MatrixStateIdle, domain.MatrixStateOutOfSync, domain.MatrixStateBusy)
	if err != nil {
		return err
	}

	if _, err := a.recalculateMatrix(ctx, m, false); err != nil {
		return err
	}
	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateIdle); err != nil {
		return err
	}

	slog.Info("settlement matrix recalculated", "matrix_id", m.ID, "batches", len(m.Batches))
	a.audit.Audit(ctx, domain.AuditMatrixRecalculated, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
	)
	return nil
}

// AddBatchesToStaticMatrix extends a static matrix's membership. Batches
// already present are skipped, unknown batch ids fail the whole call.
func (a *Aggregate) AddBatchesToStaticMatrix(ctx context.Context, matrixID string, batchIDs []string) error {
	batches, err := a.fetchBatchesByIDs(ctx, batchIDs)
	if err != nil {
		return err
	}

	m, err := a.beginMatrixOp(ctx, matrixID, domain.ErrCannotAddBatches,
		domain.MatrixStateIdle)
	if err != nil {
		return err
	}
	if m.Type != domain.MatrixTypeStatic {
		// IDLE was the only accepted entry state, so this restores it.
		_ = a.finishMatrixOp(ctx, m, domain.MatrixStateIdle)
		return fmt.Errorf("%w: matrix %s", domain.ErrNotStaticMatrix, m.ID)
	}

	for _, b := range batches {
		m.AddBatch(b, "0", "0")
	}

	if _, err := a.recalculateMatrix(ctx, m, false); err != nil {
		return err
	}
	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateIdle); err != nil {
		return err
	}

	slog.Info("batches added to settlement matrix", "matrix_id", m.ID, "added", len(batchIDs))
	a.audit.Audit(ctx, domain.AuditMatrixBatchesAdded, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
	)
	return nil
}

// RemoveBatchesFromStaticMatrix shrinks a static matrix's membership.
// Unknown or absent batch ids are ignored.
func (a *Aggregate) RemoveBatchesFromStaticMatrix(ctx context.Context, matrixID string, batchIDs []string) error {
	m, err := a.beginMatrixOp(ctx, matrixID, domain.ErrCannotRemoveBatches,
		domain.MatrixStateIdle)
	if err != nil {
		return err
	}
	if m.Type != domain.MatrixTypeStatic {
		// IDLE was the only accepted entry state, so this restores it.
		_ = a.finishMatrixOp(ctx, m, domain.MatrixStateIdle)
		return fmt.Errorf("%w: matrix %s", domain.ErrNotStaticMatrix, m.ID)
	}

	for _, id := range batchIDs {
		m.RemoveBatch(id)
	}

	if _, err := a.recalculateMatrix(ctx, m, false); err != nil {
		return err
	}
	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateIdle); err != nil {
		return err
	}

	slog.Info("batches removed from settlement matrix", "matrix_id", m.ID, "removed", len(batchIDs))
	a.audit.Audit(ctx, domain.AuditMatrixBatchesRemoved, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
	)
	return nil
}

// DisputeMatrix flags the matrix's batches as DISPUTED. Batches already
// settled, awaiting settlement or disputed are left untouched.
func (a *Aggregate) DisputeMatrix(ctx context.Context, matrixID string) error {
	return a.mutateBatches(ctx, matrixID, domain.ErrCannotDisputeMatrix, domain.AuditMatrixDisputed,
		domain.MatrixStateIdle,
		func(m *domain.SettlementMatrix, b *domain.SettlementBatch) bool {
			switch b.State {
			case domain.BatchStateSettled, domain.BatchStateAwaitingSettlement, domain.BatchStateDisputed:
				return false
			}
			b.State = domain.BatchStateDisputed
			return true
		})
}

// CloseMatrix closes the matrix's open batches so they stop accepting new
// transfers into matrix math under the OPEN grouping.
func (a *Aggregate) CloseMatrix(ctx context.Context, matrixID string) error {
	return a.mutateBatches(ctx, matrixID, domain.ErrCannotCloseMatrix, domain.AuditMatrixClosed,
		domain.MatrixStateIdle,
		func(m *domain.SettlementMatrix, b *domain.SettlementBatch) bool {
			switch b.State {
			case domain.BatchStateSettled, domain.BatchStateAwaitingSettlement,
				domain.BatchStateDisputed, domain.BatchStateClosed:
				return false
			}
			b.State = domain.BatchStateClosed
			return true
		})
}

// LockMatrix claims the matrix's eligible batches for settlement by this
// matrix: they become AWAITING_SETTLEMENT with this matrix as owner, and no
// other matrix may dispute, close or settle them until unlocked. The matrix
// itself ends LOCKED.
func (a *Aggregate) LockMatrix(ctx context.Context, matrixID string) error {
	m, err := a.beginMatrixOp(ctx, matrixID, domain.ErrCannotLockMatrix,
		domain.MatrixStateIdle)
	if err != nil {
		return err
	}

	batches, err := a.recalculateMatrix(ctx, m, false)
	if err != nil {
		return err
	}

	changed, err := a.applyBatchMutation(ctx, m, batches, func(b *domain.SettlementBatch) bool {
		switch b.State {
		case domain.BatchStateSettled, domain.BatchStateDisputed, domain.BatchStateAwaitingSettlement:
			return false
		}
		b.State = domain.BatchStateAwaitingSettlement
		b.OwnerMatrixID = m.ID
		return true
	})
	if err != nil {
		return err
	}

	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateLocked); err != nil {
		return err
	}

	a.propagateOutOfSync(ctx, m.ID, changed)
	slog.Info("settlement matrix locked", "matrix_id", m.ID, "locked_batches", len(changed))
	a.audit.Audit(ctx, domain.AuditMatrixLocked, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
	)
	return nil
}

// UnlockMatrix releases this matrix's lock: batches it owns revert from
// AWAITING_SETTLEMENT to CLOSED with the owner cleared. Batches locked by
// other matrices are untouched.
func (a *Aggregate) UnlockMatrix(ctx context.Context, matrixID string) error {
	m, err := a.beginMatrixOp(ctx, matrixID, domain.ErrCannotUnlockMatrix,
		domain.MatrixStateLocked)
	if err != nil {
		return err
	}

	batches, err := a.recalculateMatrix(ctx, m, false)
	if err != nil {
		return err
	}

	changed, err := a.applyBatchMutation(ctx, m, batches, func(b *domain.SettlementBatch) bool {
		if b.State != domain.BatchStateAwaitingSettlement || b.OwnerMatrixID != m.ID {
			return false
		}
		b.State = domain.BatchStateClosed
		b.OwnerMatrixID = ""
		return true
	})
	if err != nil {
		return err
	}

	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateIdle); err != nil {
		return err
	}

	a.propagateOutOfSync(ctx, m.ID, changed)
	slog.Info("settlement matrix unlocked", "matrix_id", m.ID, "released_batches", len(changed))
	a.audit.Audit(ctx, domain.AuditMatrixUnlocked, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
	)
	return nil
}

// SettleMatrix settles the batches this matrix owns. Transfers are
// materialized to the ledger if they never were, balances are computed over
// the owned AWAITING_SETTLEMENT batches only, those batches become SETTLED,
// and the matrix is FINALIZED permanently. A settled-event with the final
// participant balances is published.
func (a *Aggregate) SettleMatrix(ctx context.Context, matrixID string) error {
	m, err := a.beginMatrixOp(ctx, matrixID, domain.ErrCannotSettleMatrix,
		domain.MatrixStateLocked)
	if err != nil {
		return err
	}

	batches, err := a.recalculateMatrix(ctx, m, true)
	if err != nil {
		return err
	}

	var changed []string
	for _, b := range batches {
		if b.State != domain.BatchStateAwaitingSettlement || b.OwnerMatrixID != m.ID {
			// Not ours to settle; drop it from the final snapshot.
			m.RemoveBatch(b.ID)
			continue
		}
		b.State = domain.BatchStateSettled
		b.OwnerMatrixID = ""
		if err := a.repos.Batches.UpdateBatch(ctx, b); err != nil {
			return err
		}
		if snap := m.GetBatch(b.ID); snap != nil {
			snap.State = domain.BatchStateSettled
		}
		changed = append(changed, b.ID)
	}

	settledAt := a.now().UnixMilli()
	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateFinalized); err != nil {
		return err
	}

	a.publishMatrixSettled(ctx, m, settledAt)
	a.propagateOutOfSync(ctx, m.ID, changed)

	slog.Info("settlement matrix settled", "matrix_id", m.ID, "settled_batches", len(changed))
	a.audit.Audit(ctx, domain.AuditMatrixSettled, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
	)
	return nil
}

// mutateBatches is the shared body of dispute and close: claim BUSY,
// recalculate, flip the eligible batches, return to IDLE, propagate. Balance
// rows are keyed by the pre-flip batch states; the flipped states show up in
// the rows on the next recalculation.
func (a *Aggregate) mutateBatches(ctx context.Context, matrixID string, opErr error, auditAction string,
	allowed domain.MatrixState, flip func(*domain.SettlementMatrix, *domain.SettlementBatch) bool) error {

	m, err := a.beginMatrixOp(ctx, matrixID, opErr, allowed)
	if err != nil {
		return err
	}

	batches, err := a.recalculateMatrix(ctx, m, false)
	if err != nil {
		return err
	}

	changed, err := a.applyBatchMutation(ctx, m, batches, func(b *domain.SettlementBatch) bool {
		return flip(m, b)
	})
	if err != nil {
		return err
	}

	if err := a.finishMatrixOp(ctx, m, domain.MatrixStateIdle); err != nil {
		return err
	}

	a.propagateOutOfSync(ctx, m.ID, changed)
	slog.Info("settlement matrix batches mutated", "matrix_id", m.ID, "changed", len(changed))
	a.audit.Audit(ctx, auditAction, true, "",
		domain.AuditDetail{Key: "matrixId", Value: m.ID},
	)
	return nil
}

// applyBatchMutation applies flip to each batch, persists the ones that
// changed and keeps the matrix's snapshots in step. Returns the changed ids.
func (a *Aggregate) applyBatchMutation(ctx context.Context, m *domain.SettlementMatrix, batches []*domain.SettlementBatch, flip func(*domain.SettlementBatch) bool) ([]string, error) {
	var changed []string
	for _, b := range batches {
		if !flip(b) {
			continue
		}
		if err := a.repos.Batches.UpdateBatch(ctx, b); err != nil {
			return nil, err
		}
		if snap := m.GetBatch(b.ID); snap != nil {
			snap.State = b.State
		}
		changed = append(changed, b.ID)
	}
	return changed, nil
}

// beginMatrixOp loads the matrix, checks it is in one of the allowed states
// and persists the BUSY claim.
func (a *Aggregate) beginMatrixOp(ctx context.Context, matrixID string, opErr error, allowed ...domain.MatrixState) (*domain.SettlementMatrix, error) {
	m, err := a.repos.Matrices.GetMatrixByID(ctx, matrixID)
	if err != nil {
		return nil, err
	}

	ok := false
	for _, s := range allowed {
		if m.State == s {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: matrix %s is %s", opErr, m.ID, m.State)
	}

	m.State = domain.MatrixStateBusy
	m.UpdatedAt = a.now().UnixMilli()
	if err := a.repos.Matrices.StoreMatrix(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// finishMatrixOp persists the matrix in its final state.
func (a *Aggregate) finishMatrixOp(ctx context.Context, m *domain.SettlementMatrix, final domain.MatrixState) error {
	m.State = final
	m.UpdatedAt = a.now().UnixMilli()
	return a.repos.Matrices.StoreMatrix(ctx, m)
}

// ensureMatrixAbsent fails with ErrMatrixExists when the id is taken.
func (a *Aggregate) ensureMatrixAbsent(ctx context.Context, matrixID string) error {
	_, err := a.repos.Matrices.GetMatrixByID(ctx, matrixID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", domain.ErrMatrixExists, matrixID)
	case errors.Is(err, domain.ErrMatrixNotFound):
		return nil
	default:
		return err
	}
}

// fetchBatchesByIDs loads batches and requires every id to resolve.
func (a *Aggregate) fetchBatchesByIDs(ctx context.Context, batchIDs []string) ([]*domain.SettlementBatch, error) {
	if len(batchIDs) == 0 {
		return nil, fmt.Errorf("%w: no batch ids", domain.ErrBatchNotFound)
	}
	batches, err := a.repos.Batches.GetBatchesByIDs(ctx, batchIDs)
	if err != nil {
		return nil, err
	}
	if len(batches) != len(batchIDs) {
		return nil, fmt.Errorf("%w: requested %d batches, found %d",
			domain.ErrBatchNotFound, len(batchIDs), len(batches))
	}
	return batches, nil
}

// publishMatrixSettled emits the settled event; publish failures are logged,
// never fatal to an already-committed settlement.
func (a *Aggregate) publishMatrixSettled(ctx context.Context, m *domain.SettlementMatrix, settledAt int64) {
	inner, err := json.Marshal(&domain.MatrixSettledEvt{
		MatrixID:            m.ID,
		SettledTimestamp:    settledAt,
		ParticipantBalances: m.BalancesByParticipant,
	})
	if err != nil {
		slog.Error("failed to encode matrix settled event", "matrix_id", m.ID, "error", err)
		return
	}
	payload, err := json.Marshal(domain.Event{Type: domain.EventTypeMatrixSettled, Payload: inner})
	if err != nil {
		slog.Error("failed to encode matrix settled event", "matrix_id", m.ID, "error", err)
		return
	}
	if err := a.bus.Publish(ctx, domain.TopicEvents, payload); err != nil {
		slog.Error("failed to publish matrix settled event", "matrix_id", m.ID, "error", err)
	}
}
