package domain

// MatrixType distinguishes explicit-membership matrices from criteria-based
// ones.
type MatrixType string

const (
	MatrixTypeStatic  MatrixType = "STATIC"
	MatrixTypeDynamic MatrixType = "DYNAMIC"
)

// MatrixState is the lifecycle state of a settlement matrix.
//
// BUSY is a transient claim held only while an operation is in flight. A
// matrix stranded in BUSY by a mid-operation failure is recovered by a
// subsequent recalculate call; there is no automatic rollback.
type MatrixState string

const (
	MatrixStateIdle      MatrixState = "IDLE"
	MatrixStateBusy      MatrixState = "BUSY"
	MatrixStateLocked    MatrixState = "LOCKED"
	MatrixStateFinalized MatrixState = "FINALIZED"
	MatrixStateOutOfSync MatrixState = "OUT_OF_SYNC"
)

// MatrixBatch is the denormalized per-batch snapshot a matrix carries. It
// caches the batch state and balances as of the last recalculation and can
// drift from the authoritative batch until the matrix is recalculated;
// staleness is signalled by the OUT_OF_SYNC matrix state, never silently
// reconciled.
type MatrixBatch struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	BatchDebitBalance  string     `json:"batchDebitBalance"`
	BatchCreditBalance string     `json:"batchCreditBalance"`
	State              BatchState `json:"state"`
	CurrencyCode       string     `json:"currencyCode"`
}

// ParticipantBalance is one per-participant balance row, keyed by
// participant, currency and batch state.
type ParticipantBalance struct {
	ParticipantID string     `json:"participantId"`
	CurrencyCode  string     `json:"currencyCode"`
	State         BatchState `json:"state"`
	DebitBalance  string     `json:"debitBalance"`
	CreditBalance string     `json:"creditBalance"`
}

// TotalBalance aggregates across all batches for one currency and state.
type TotalBalance struct {
	CurrencyCode  string     `json:"currencyCode"`
	State         BatchState `json:"state"`
	DebitBalance  string     `json:"debitBalance"`
	CreditBalance string     `json:"creditBalance"`
}

// SettlementMatrix groups batches for settlement, either by an explicit batch
// id list (STATIC) or by criteria re-evaluated on every recalculation
// (DYNAMIC).
type SettlementMatrix struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"` // unix ms
	UpdatedAt int64  `json:"updatedAt"` // unix ms

	// Dynamic criteria (DYNAMIC only).
	DateFrom        int64        `json:"dateFrom,omitempty"`
	DateTo          int64        `json:"dateTo,omitempty"`
	CurrencyCodes   []string     `json:"currencyCodes,omitempty"`
	SettlementModel string       `json:"settlementModel,omitempty"`
	BatchStatuses   []BatchState `json:"batchStatuses,omitempty"`
	BatchFilter     string       `json:"batchFilter,omitempty"` // optional CEL expression

	Type  MatrixType  `json:"type"`
	State MatrixState `json:"state"`

	// Computed at recalculation.
	Batches               []MatrixBatch        `json:"batches"`
	BalancesByParticipant []ParticipantBalance `json:"balancesByParticipant"`
	TotalBalances         []TotalBalance       `json:"totalBalances"`

	GenerationDurationSecs int64 `json:"generationDurationSecs"`
	IsBatchesOutOfSync     bool  `json:"isBatchesOutOfSync"`
}

// NewStaticMatrix creates an idle static matrix over an explicit batch list.
// Batch snapshots are seeded with ids only; balances come from the first
// recalculation.
func NewStaticMatrix(id string, nowMs int64, batches []*SettlementBatch) *SettlementMatrix {
	m := &SettlementMatrix{
		ID:        id,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
		Type:      MatrixTypeStatic,
		State:     MatrixStateIdle,
	}
	for _, b := range batches {
		m.AddBatch(b, "0", "0")
	}
	return m
}

// NewDynamicMatrix creates an idle dynamic matrix from criteria.
func NewDynamicMatrix(id string, nowMs int64, dateFrom, dateTo int64, model string, currencyCodes []string, statuses []BatchState, batchFilter string) *SettlementMatrix {
	return &SettlementMatrix{
		ID:              id,
		CreatedAt:       nowMs,
		UpdatedAt:       nowMs,
		DateFrom:        dateFrom,
		DateTo:          dateTo,
		CurrencyCodes:   currencyCodes,
		SettlementModel: model,
		BatchStatuses:   statuses,
		BatchFilter:     batchFilter,
		Type:            MatrixTypeDynamic,
		State:           MatrixStateIdle,
	}
}

// AddBatch appends a batch snapshot if not already present.
func (m *SettlementMatrix) AddBatch(batch *SettlementBatch, debitBalance, creditBalance string) {
	if m.GetBatch(batch.ID) != nil {
		return
	}
	m.Batches = append(m.Batches, MatrixBatch{
		ID:                 batch.ID,
		Name:               batch.BatchName,
		BatchDebitBalance:  debitBalance,
		BatchCreditBalance: creditBalance,
		State:              batch.State,
		CurrencyCode:       batch.CurrencyCode,
	})
}

// GetBatch returns the snapshot for a batch id, or nil.
func (m *SettlementMatrix) GetBatch(batchID string) *MatrixBatch {
	for i := range m.Batches {
		if m.Batches[i].ID == batchID {
			return &m.Batches[i]
		}
	}
	return nil
}

// RemoveBatch drops the snapshot for a batch id, if present.
func (m *SettlementMatrix) RemoveBatch(batchID string) {
	for i := range m.Batches {
		if m.Batches[i].ID == batchID {
			m.Batches = append(m.Batches[:i], m.Batches[i+1:]...)
			return
		}
	}
}

// BatchIDs returns the ids of all batch snapshots.
func (m *SettlementMatrix) BatchIDs() []string {
	ids := make([]string, 0, len(m.Batches))
	for i := range m.Batches {
		ids = append(ids, m.Batches[i].ID)
	}
	return ids
}

// ClearBalances resets all computed balances ahead of a recalculation.
// Membership (batch ids / criteria) is untouched.
func (m *SettlementMatrix) ClearBalances() {
	for i := range m.Batches {
		m.Batches[i].BatchDebitBalance = "0"
		m.Batches[i].BatchCreditBalance = "0"
	}
	m.BalancesByParticipant = nil
	m.TotalBalances = nil
}
