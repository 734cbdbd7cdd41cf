package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/tern/internal/domain"
)

func transferEvtAt(id, payer, payee, amount string, ts time.Time) *domain.TransferEvent {
	evt := transferEvt(id, payer, payee, amount)
	evt.Timestamp = ts.UnixMilli()
	return evt
}

func participantRow(m *domain.SettlementMatrix, participant string, state domain.BatchState) *domain.ParticipantBalance {
	for i := range m.BalancesByParticipant {
		row := &m.BalancesByParticipant[i]
		if row.ParticipantID == participant && row.State == state {
			return row
		}
	}
	return nil
}

func TestCreateStaticMatrix(t *testing.T) {
	ctx := context.Background()

	t.Run("computes batch and participant balances", func(t *testing.T) {
		env := newTestEnv(t)

		batchID, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))
		env.agg.HandleTransfer(ctx, transferEvt("t2", "fsp-b", "fsp-a", "2.50"))

		matrixID, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{
			MatrixID: "m1", BatchIDs: []string{batchID},
		})
		if err != nil {
			t.Fatalf("CreateStaticMatrix: %v", err)
		}

		m, err := env.store.GetMatrixByID(ctx, matrixID)
		if err != nil {
			t.Fatalf("GetMatrixByID: %v", err)
		}
		if m.State != domain.MatrixStateIdle {
			t.Errorf("matrix state = %s, want IDLE", m.State)
		}
		if len(m.Batches) != 1 {
			t.Fatalf("snapshots = %d, want 1", len(m.Batches))
		}
		if m.Batches[0].BatchDebitBalance != "12.50" || m.Batches[0].BatchCreditBalance != "12.50" {
			t.Errorf("batch balances = %s/%s, want 12.50/12.50",
				m.Batches[0].BatchDebitBalance, m.Batches[0].BatchCreditBalance)
		}

		rowA := participantRow(m, "fsp-a", domain.BatchStateOpen)
		if rowA == nil || rowA.DebitBalance != "10.00" || rowA.CreditBalance != "2.50" {
			t.Errorf("fsp-a row = %+v, want debit 10.00 credit 2.50", rowA)
		}
		rowB := participantRow(m, "fsp-b", domain.BatchStateOpen)
		if rowB == nil || rowB.DebitBalance != "2.50" || rowB.CreditBalance != "10.00" {
			t.Errorf("fsp-b row = %+v, want debit 2.50 credit 10.00", rowB)
		}

		if len(m.TotalBalances) != 1 {
			t.Fatalf("total rows = %d, want 1", len(m.TotalBalances))
		}
		total := m.TotalBalances[0]
		if total.DebitBalance != "12.50" || total.CreditBalance != "12.50" {
			t.Errorf("totals = %s/%s, want 12.50/12.50", total.DebitBalance, total.CreditBalance)
		}
	})

	t.Run("materializes transfers once", func(t *testing.T) {
		env := newTestEnv(t)

		batchID, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))
		env.agg.HandleTransfer(ctx, transferEvt("t2", "fsp-b", "fsp-a", "2.50"))

		if _, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{
			MatrixID: "m1", BatchIDs: []string{batchID},
		}); err != nil {
			t.Fatalf("CreateStaticMatrix: %v", err)
		}
		if env.ledger.entryCount != 2 {
			t.Fatalf("journal entries = %d, want 2", env.ledger.entryCount)
		}

		transfers, _ := env.store.GetAllTransfersByBatchID(ctx, batchID)
		for _, tr := range transfers {
			if tr.JournalEntryID == "" {
				t.Errorf("transfer %s not materialized", tr.TransferID)
			}
			if tr.MatrixID != "m1" {
				t.Errorf("transfer %s matrix id = %q", tr.TransferID, tr.MatrixID)
			}
		}

		// recalculating must not post the transfers again
		if err := env.agg.RecalculateMatrix(ctx, "m1"); err != nil {
			t.Fatalf("RecalculateMatrix: %v", err)
		}
		if env.ledger.entryCount != 2 {
			t.Errorf("journal entries after recalc = %d, want 2", env.ledger.entryCount)
		}

		m, _ := env.store.GetMatrixByID(ctx, "m1")
		if m.Batches[0].BatchDebitBalance != "12.50" {
			t.Errorf("balance drifted after recalc: %s", m.Batches[0].BatchDebitBalance)
		}
	})

	t.Run("unknown batch rejected", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{
			MatrixID: "m1", BatchIDs: []string{"nope"},
		})
		if !errors.Is(err, domain.ErrBatchNotFound) {
			t.Errorf("err = %v, want ErrBatchNotFound", err)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		env := newTestEnv(t)
		batchID, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))

		if _, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{
			MatrixID: "m1", BatchIDs: []string{batchID},
		}); err != nil {
			t.Fatalf("CreateStaticMatrix: %v", err)
		}
		_, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{
			MatrixID: "m1", BatchIDs: []string{batchID},
		})
		if !errors.Is(err, domain.ErrMatrixExists) {
			t.Errorf("err = %v, want ErrMatrixExists", err)
		}
	})
}

func TestDynamicMatrix(t *testing.T) {
	ctx := context.Background()

	t.Run("picks up new matching batches on recalculation", func(t *testing.T) {
		env := newTestEnv(t)
		env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))

		matrixID, err := env.agg.CreateDynamicMatrix(ctx, &domain.CreateDynamicMatrixCmd{
			MatrixID:        "dyn",
			SettlementModel: "DEFAULT",
			CurrencyCodes:   []string{"USD"},
		})
		if err != nil {
			t.Fatalf("CreateDynamicMatrix: %v", err)
		}

		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		if len(m.Batches) != 1 {
			t.Fatalf("snapshots = %d, want 1", len(m.Batches))
		}

		// second transfer lands in a later bucket
		env.agg.HandleTransfer(ctx, transferEvtAt("t2", "fsp-a", "fsp-b", "4.00", testNow.Add(10*time.Minute)))

		if err := env.agg.RecalculateMatrix(ctx, matrixID); err != nil {
			t.Fatalf("RecalculateMatrix: %v", err)
		}
		m, _ = env.store.GetMatrixByID(ctx, matrixID)
		if len(m.Batches) != 2 {
			t.Errorf("snapshots after recalc = %d, want 2", len(m.Batches))
		}
	})

	t.Run("batch filter narrows the set", func(t *testing.T) {
		env := newTestEnv(t)
		env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))

		matrixID, err := env.agg.CreateDynamicMatrix(ctx, &domain.CreateDynamicMatrixCmd{
			MatrixID:        "dyn",
			SettlementModel: "DEFAULT",
			BatchFilter:     "sequence > 1",
		})
		if err != nil {
			t.Fatalf("CreateDynamicMatrix: %v", err)
		}
		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		if len(m.Batches) != 0 {
			t.Errorf("filter kept %d batches, want 0", len(m.Batches))
		}
	})

	t.Run("invalid batch filter rejected", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.agg.CreateDynamicMatrix(ctx, &domain.CreateDynamicMatrixCmd{
			MatrixID:    "dyn",
			BatchFilter: "currency ==",
		})
		if !errors.Is(err, domain.ErrInvalidBatchFilter) {
			t.Errorf("err = %v, want ErrInvalidBatchFilter", err)
		}
	})

	t.Run("membership cannot be edited by hand", func(t *testing.T) {
		env := newTestEnv(t)
		batchID, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))

		matrixID, err := env.agg.CreateDynamicMatrix(ctx, &domain.CreateDynamicMatrixCmd{
			MatrixID: "dyn", SettlementModel: "DEFAULT",
		})
		if err != nil {
			t.Fatalf("CreateDynamicMatrix: %v", err)
		}
		if err := env.agg.AddBatchesToStaticMatrix(ctx, matrixID, []string{batchID}); !errors.Is(err, domain.ErrNotStaticMatrix) {
			t.Errorf("add err = %v, want ErrNotStaticMatrix", err)
		}
		if err := env.agg.RemoveBatchesFromStaticMatrix(ctx, matrixID, []string{batchID}); !errors.Is(err, domain.ErrNotStaticMatrix) {
			t.Errorf("remove err = %v, want ErrNotStaticMatrix", err)
		}
	})
}

func TestStaticMatrixMembership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b1, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))
	b2, _ := env.agg.HandleTransfer(ctx, transferEvtAt("t2", "fsp-a", "fsp-b", "4.00", testNow.Add(10*time.Minute)))

	matrixID, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{MatrixID: "m1", BatchIDs: []string{b1}})
	if err != nil {
		t.Fatalf("CreateStaticMatrix: %v", err)
	}

	if err := env.agg.AddBatchesToStaticMatrix(ctx, matrixID, []string{b2}); err != nil {
		t.Fatalf("AddBatchesToStaticMatrix: %v", err)
	}
	m, _ := env.store.GetMatrixByID(ctx, matrixID)
	if len(m.Batches) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(m.Batches))
	}

	if err := env.agg.RemoveBatchesFromStaticMatrix(ctx, matrixID, []string{b1}); err != nil {
		t.Fatalf("RemoveBatchesFromStaticMatrix: %v", err)
	}
	m, _ = env.store.GetMatrixByID(ctx, matrixID)
	if len(m.Batches) != 1 || m.Batches[0].ID != b2 {
		t.Errorf("snapshots after remove = %+v", m.Batches)
	}

	if err := env.agg.AddBatchesToStaticMatrix(ctx, matrixID, []string{"nope"}); !errors.Is(err, domain.ErrBatchNotFound) {
		t.Errorf("add unknown err = %v, want ErrBatchNotFound", err)
	}
}

func TestMatrixLifecycle(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, string, string) {
		env := newTestEnv(t)
		batchID, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))
		matrixID, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{
			MatrixID: "m1", BatchIDs: []string{batchID},
		})
		if err != nil {
			t.Fatalf("CreateStaticMatrix: %v", err)
		}
		return env, matrixID, batchID
	}

	t.Run("close marks open batches closed", func(t *testing.T) {
		env, matrixID, batchID := setup(t)

		if err := env.agg.CloseMatrix(ctx, matrixID); err != nil {
			t.Fatalf("CloseMatrix: %v", err)
		}
		batch, _ := env.store.GetBatch(ctx, batchID)
		if batch.State != domain.BatchStateClosed {
			t.Errorf("batch state = %s, want CLOSED", batch.State)
		}
		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		if m.State != domain.MatrixStateIdle {
			t.Errorf("matrix state = %s, want IDLE", m.State)
		}

		// closed batches still count toward OPEN balance rows
		if row := participantRow(m, "fsp-a", domain.BatchStateOpen); row == nil || row.DebitBalance != "10.00" {
			t.Errorf("fsp-a row after close = %+v", row)
		}

		if got := env.bus.messagesOn(domain.TopicCommands); len(got) != 1 {
			t.Errorf("out-of-sync commands published = %d, want 1", len(got))
		}
	})

	t.Run("dispute marks open batches disputed", func(t *testing.T) {
		env, matrixID, batchID := setup(t)

		if err := env.agg.DisputeMatrix(ctx, matrixID); err != nil {
			t.Fatalf("DisputeMatrix: %v", err)
		}
		batch, _ := env.store.GetBatch(ctx, batchID)
		if batch.State != domain.BatchStateDisputed {
			t.Errorf("batch state = %s, want DISPUTED", batch.State)
		}

		// the snapshot tracks the flip, but balance rows were computed before
		// it; the DISPUTED rows appear on the next recalculation
		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		if snap := m.GetBatch(batchID); snap == nil || snap.State != domain.BatchStateDisputed {
			t.Errorf("snapshot = %+v, want DISPUTED", snap)
		}
		if row := participantRow(m, "fsp-a", domain.BatchStateOpen); row == nil || row.DebitBalance != "10.00" {
			t.Errorf("fsp-a row right after dispute = %+v, want OPEN debit 10.00", row)
		}

		if err := env.agg.RecalculateMatrix(ctx, matrixID); err != nil {
			t.Fatalf("RecalculateMatrix: %v", err)
		}
		m, _ = env.store.GetMatrixByID(ctx, matrixID)
		if row := participantRow(m, "fsp-a", domain.BatchStateDisputed); row == nil {
			t.Error("expected DISPUTED balance row after recalculation")
		}
	})

	t.Run("lock claims batches and finalized settle releases them settled", func(t *testing.T) {
		env, matrixID, batchID := setup(t)

		if err := env.agg.LockMatrix(ctx, matrixID); err != nil {
			t.Fatalf("LockMatrix: %v", err)
		}
		batch, _ := env.store.GetBatch(ctx, batchID)
		if batch.State != domain.BatchStateAwaitingSettlement || batch.OwnerMatrixID != matrixID {
			t.Fatalf("batch = %s owner %q, want AWAITING_SETTLEMENT owned by %s",
				batch.State, batch.OwnerMatrixID, matrixID)
		}
		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		if m.State != domain.MatrixStateLocked {
			t.Fatalf("matrix state = %s, want LOCKED", m.State)
		}

		// locked matrices reject batch mutations
		if err := env.agg.CloseMatrix(ctx, matrixID); !errors.Is(err, domain.ErrCannotCloseMatrix) {
			t.Errorf("close err = %v, want ErrCannotCloseMatrix", err)
		}
		if err := env.agg.DisputeMatrix(ctx, matrixID); !errors.Is(err, domain.ErrCannotDisputeMatrix) {
			t.Errorf("dispute err = %v, want ErrCannotDisputeMatrix", err)
		}

		if err := env.agg.SettleMatrix(ctx, matrixID); err != nil {
			t.Fatalf("SettleMatrix: %v", err)
		}
		batch, _ = env.store.GetBatch(ctx, batchID)
		if batch.State != domain.BatchStateSettled || batch.OwnerMatrixID != "" {
			t.Errorf("batch = %s owner %q, want SETTLED unowned", batch.State, batch.OwnerMatrixID)
		}
		m, _ = env.store.GetMatrixByID(ctx, matrixID)
		if m.State != domain.MatrixStateFinalized {
			t.Errorf("matrix state = %s, want FINALIZED", m.State)
		}

		events := env.bus.messagesOn(domain.TopicEvents)
		if len(events) != 1 {
			t.Fatalf("events published = %d, want 1", len(events))
		}
		var evt domain.Event
		if err := json.Unmarshal(events[0].payload, &evt); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if evt.Type != domain.EventTypeMatrixSettled {
			t.Errorf("event type = %q", evt.Type)
		}
		var settled domain.MatrixSettledEvt
		if err := json.Unmarshal(evt.Payload, &settled); err != nil {
			t.Fatalf("unmarshal settled payload: %v", err)
		}
		if settled.MatrixID != matrixID || len(settled.ParticipantBalances) == 0 {
			t.Errorf("settled event = %+v", settled)
		}

		// finalized matrices are immutable
		if err := env.agg.RecalculateMatrix(ctx, matrixID); !errors.Is(err, domain.ErrCannotRecalculateMatrix) {
			t.Errorf("recalc err = %v, want ErrCannotRecalculateMatrix", err)
		}
		if err := env.agg.LockMatrix(ctx, matrixID); !errors.Is(err, domain.ErrCannotLockMatrix) {
			t.Errorf("lock err = %v, want ErrCannotLockMatrix", err)
		}
	})

	t.Run("unlock reverts owned batches to closed", func(t *testing.T) {
		env, matrixID, batchID := setup(t)

		if err := env.agg.LockMatrix(ctx, matrixID); err != nil {
			t.Fatalf("LockMatrix: %v", err)
		}
		if err := env.agg.UnlockMatrix(ctx, matrixID); err != nil {
			t.Fatalf("UnlockMatrix: %v", err)
		}
		batch, _ := env.store.GetBatch(ctx, batchID)
		if batch.State != domain.BatchStateClosed || batch.OwnerMatrixID != "" {
			t.Errorf("batch = %s owner %q, want CLOSED unowned", batch.State, batch.OwnerMatrixID)
		}
		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		if m.State != domain.MatrixStateIdle {
			t.Errorf("matrix state = %s, want IDLE", m.State)
		}
	})

	t.Run("unlock requires a locked matrix", func(t *testing.T) {
		env, matrixID, _ := setup(t)
		if err := env.agg.UnlockMatrix(ctx, matrixID); !errors.Is(err, domain.ErrCannotUnlockMatrix) {
			t.Errorf("err = %v, want ErrCannotUnlockMatrix", err)
		}
	})

	t.Run("settle requires a locked matrix", func(t *testing.T) {
		env, matrixID, _ := setup(t)
		if err := env.agg.SettleMatrix(ctx, matrixID); !errors.Is(err, domain.ErrCannotSettleMatrix) {
			t.Errorf("err = %v, want ErrCannotSettleMatrix", err)
		}
	})

	t.Run("stale matrix accepts only recalculate", func(t *testing.T) {
		env, matrixID, batchID := setup(t)

		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		m.State = domain.MatrixStateOutOfSync
		m.IsBatchesOutOfSync = true
		if err := env.store.StoreMatrix(ctx, m); err != nil {
			t.Fatalf("StoreMatrix: %v", err)
		}

		ops := []struct {
			name string
			op   func() error
			want error
		}{
			{"dispute", func() error { return env.agg.DisputeMatrix(ctx, matrixID) }, domain.ErrCannotDisputeMatrix},
			{"close", func() error { return env.agg.CloseMatrix(ctx, matrixID) }, domain.ErrCannotCloseMatrix},
			{"lock", func() error { return env.agg.LockMatrix(ctx, matrixID) }, domain.ErrCannotLockMatrix},
			{"unlock", func() error { return env.agg.UnlockMatrix(ctx, matrixID) }, domain.ErrCannotUnlockMatrix},
			{"settle", func() error { return env.agg.SettleMatrix(ctx, matrixID) }, domain.ErrCannotSettleMatrix},
			{"add batches", func() error { return env.agg.AddBatchesToStaticMatrix(ctx, matrixID, []string{batchID}) }, domain.ErrCannotAddBatches},
			{"remove batches", func() error { return env.agg.RemoveBatchesFromStaticMatrix(ctx, matrixID, []string{batchID}) }, domain.ErrCannotRemoveBatches},
		}
		for _, tc := range ops {
			t.Run(tc.name, func(t *testing.T) {
				if err := tc.op(); !errors.Is(err, tc.want) {
					t.Errorf("err = %v, want %v", err, tc.want)
				}
				got, _ := env.store.GetMatrixByID(ctx, matrixID)
				if got.State != domain.MatrixStateOutOfSync {
					t.Errorf("state after rejected %s = %s, want OUT_OF_SYNC unchanged", tc.name, got.State)
				}
			})
		}

		if err := env.agg.RecalculateMatrix(ctx, matrixID); err != nil {
			t.Fatalf("RecalculateMatrix: %v", err)
		}
		got, _ := env.store.GetMatrixByID(ctx, matrixID)
		if got.State != domain.MatrixStateIdle || got.IsBatchesOutOfSync {
			t.Errorf("matrix = %s outOfSync=%v, want IDLE false", got.State, got.IsBatchesOutOfSync)
		}
	})

	t.Run("recalculate recovers a stuck busy matrix", func(t *testing.T) {
		env, matrixID, _ := setup(t)

		m, _ := env.store.GetMatrixByID(ctx, matrixID)
		m.State = domain.MatrixStateBusy
		if err := env.store.StoreMatrix(ctx, m); err != nil {
			t.Fatalf("StoreMatrix: %v", err)
		}

		if err := env.agg.RecalculateMatrix(ctx, matrixID); err != nil {
			t.Fatalf("RecalculateMatrix: %v", err)
		}
		m, _ = env.store.GetMatrixByID(ctx, matrixID)
		if m.State != domain.MatrixStateIdle {
			t.Errorf("matrix state = %s, want IDLE", m.State)
		}
	})

	t.Run("unknown matrix", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.agg.RecalculateMatrix(ctx, "nope"); !errors.Is(err, domain.ErrMatrixNotFound) {
			t.Errorf("err = %v, want ErrMatrixNotFound", err)
		}
	})
}

func TestBatchOwnership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b1, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))
	b2, _ := env.agg.HandleTransfer(ctx, transferEvtAt("t2", "fsp-a", "fsp-b", "4.00", testNow.Add(10*time.Minute)))

	m1, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{MatrixID: "m1", BatchIDs: []string{b1, b2}})
	if err != nil {
		t.Fatalf("CreateStaticMatrix m1: %v", err)
	}
	m2, err := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{MatrixID: "m2", BatchIDs: []string{b2}})
	if err != nil {
		t.Fatalf("CreateStaticMatrix m2: %v", err)
	}

	// m2 claims b2 first
	if err := env.agg.LockMatrix(ctx, m2); err != nil {
		t.Fatalf("LockMatrix m2: %v", err)
	}

	// m1's lock claims b1 but must skip the batch m2 owns
	if err := env.agg.LockMatrix(ctx, m1); err != nil {
		t.Fatalf("LockMatrix m1: %v", err)
	}
	batch2, _ := env.store.GetBatch(ctx, b2)
	if batch2.OwnerMatrixID != m2 {
		t.Fatalf("b2 owner = %q, want %s", batch2.OwnerMatrixID, m2)
	}

	// settling m1 settles only b1; b2 stays awaiting under m2 and is dropped
	// from m1's final snapshot
	if err := env.agg.SettleMatrix(ctx, m1); err != nil {
		t.Fatalf("SettleMatrix m1: %v", err)
	}
	batch1, _ := env.store.GetBatch(ctx, b1)
	if batch1.State != domain.BatchStateSettled {
		t.Errorf("b1 state = %s, want SETTLED", batch1.State)
	}
	batch2, _ = env.store.GetBatch(ctx, b2)
	if batch2.State != domain.BatchStateAwaitingSettlement || batch2.OwnerMatrixID != m2 {
		t.Errorf("b2 = %s owner %q, want AWAITING_SETTLEMENT owned by %s",
			batch2.State, batch2.OwnerMatrixID, m2)
	}

	final, _ := env.store.GetMatrixByID(ctx, m1)
	if final.GetBatch(b2) != nil {
		t.Error("settled matrix kept snapshot of batch it does not own")
	}
	if final.GetBatch(b1) == nil || final.GetBatch(b1).State != domain.BatchStateSettled {
		t.Errorf("b1 snapshot = %+v, want SETTLED", final.GetBatch(b1))
	}

	// m2 can still settle its own batch afterwards
	if err := env.agg.SettleMatrix(ctx, m2); err != nil {
		t.Fatalf("SettleMatrix m2: %v", err)
	}
	batch2, _ = env.store.GetBatch(ctx, b2)
	if batch2.State != domain.BatchStateSettled || batch2.OwnerMatrixID != "" {
		t.Errorf("b2 after m2 settle = %s owner %q", batch2.State, batch2.OwnerMatrixID)
	}
}

func TestUnlockOnlyReleasesOwnedBatches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	b1, _ := env.agg.HandleTransfer(ctx, transferEvt("t1", "fsp-a", "fsp-b", "10.00"))

	m1, _ := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{MatrixID: "m1", BatchIDs: []string{b1}})
	m2, _ := env.agg.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{MatrixID: "m2", BatchIDs: []string{b1}})

	if err := env.agg.LockMatrix(ctx, m1); err != nil {
		t.Fatalf("LockMatrix m1: %v", err)
	}
	// m2 locks too, but holds nothing
	if err := env.agg.LockMatrix(ctx, m2); err != nil {
		t.Fatalf("LockMatrix m2: %v", err)
	}

	if err := env.agg.UnlockMatrix(ctx, m2); err != nil {
		t.Fatalf("UnlockMatrix m2: %v", err)
	}
	batch, _ := env.store.GetBatch(ctx, b1)
	if batch.State != domain.BatchStateAwaitingSettlement || batch.OwnerMatrixID != m1 {
		t.Errorf("b1 after foreign unlock = %s owner %q, want AWAITING_SETTLEMENT owned by %s",
			batch.State, batch.OwnerMatrixID, m1)
	}

	if err := env.agg.UnlockMatrix(ctx, m1); err != nil {
		t.Fatalf("UnlockMatrix m1: %v", err)
	}
	batch, _ = env.store.GetBatch(ctx, b1)
	if batch.State != domain.BatchStateClosed || batch.OwnerMatrixID != "" {
		t.Errorf("b1 after owner unlock = %s owner %q, want CLOSED unowned", batch.State, batch.OwnerMatrixID)
	}
}
