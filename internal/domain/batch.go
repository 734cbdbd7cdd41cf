package domain

import (
	"fmt"
	"time"
)

// BatchState is the lifecycle state of a settlement batch.
type BatchState string

const (
	BatchStateOpen               BatchState = "OPEN"
	BatchStateDisputed           BatchState = "DISPUTED"
	BatchStateClosed             BatchState = "CLOSED"
	BatchStateAwaitingSettlement BatchState = "AWAITING_SETTLEMENT"
	BatchStateSettled            BatchState = "SETTLED"
)

// SettlementBatch is one time/currency/model-scoped bucket of transfers.
//
// OwnerMatrixID is non-empty only while the batch is AWAITING_SETTLEMENT and
// records which matrix holds the exclusive settlement claim; it is cleared on
// unlock. At most one matrix may own a batch at a time.
type SettlementBatch struct {
	BatchUUID       string         `json:"batchUUID"` // immutable internal id
	ID              string         `json:"id"`        // human id: name + ".NNN"
	Timestamp       int64          `json:"timestamp"` // bucket start, unix ms
	SettlementModel string         `json:"settlementModel"`
	CurrencyCode    string         `json:"currencyCode"`
	BatchName       string         `json:"batchName"` // id minus the sequence
	BatchSequence   int            `json:"batchSequence"`
	State           BatchState     `json:"state"`
	OwnerMatrixID   string         `json:"ownerMatrixId,omitempty"`
	Accounts        []BatchAccount `json:"accounts"`
}

// BatchAccount is one (participant, currency) pair that has moved money
// through a batch, backed by an external ledger account.
type BatchAccount struct {
	AccountExtID  string `json:"accountExtId"` // external ledger account id
	ParticipantID string `json:"participantId"`
	CurrencyCode  string `json:"currencyCode"`
	DebitBalance  string `json:"debitBalance"`  // decimal string
	CreditBalance string `json:"creditBalance"` // decimal string
}

// BuildBatchName derives the batch name for a model, currency and bucket
// start: MODEL.CCY.YYYY.MM.DD.HH.mm (UTC).
func BuildBatchName(model, currencyCode string, bucketStartMs int64) string {
	t := time.UnixMilli(bucketStartMs).UTC()
	return fmt.Sprintf("%s.%s.%04d.%02d.%02d.%02d.%02d",
		model, currencyCode,
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(),
	)
}

// BuildBatchID appends the zero-padded 3-digit sequence to a batch name.
func BuildBatchID(batchName string, sequence int) string {
	return fmt.Sprintf("%s.%03d", batchName, sequence)
}

// GetAccount returns the batch account for a (participant, currency) pair,
// or nil if none exists yet.
func (b *SettlementBatch) GetAccount(participantID, currencyCode string) *BatchAccount {
	for i := range b.Accounts {
		if b.Accounts[i].ParticipantID == participantID && b.Accounts[i].CurrencyCode == currencyCode {
			return &b.Accounts[i]
		}
	}
	return nil
}

// GetAccountByExtID returns the batch account backed by the given external
// ledger account id, or nil.
func (b *SettlementBatch) GetAccountByExtID(accountExtID string) *BatchAccount {
	for i := range b.Accounts {
		if b.Accounts[i].AccountExtID == accountExtID {
			return &b.Accounts[i]
		}
	}
	return nil
}

// AddAccount appends a new (participant, currency) account to the batch.
func (b *SettlementBatch) AddAccount(accountExtID, participantID, currencyCode string) *BatchAccount {
	b.Accounts = append(b.Accounts, BatchAccount{
		AccountExtID:  accountExtID,
		ParticipantID: participantID,
		CurrencyCode:  currencyCode,
		DebitBalance:  "0",
		CreditBalance: "0",
	})
	return &b.Accounts[len(b.Accounts)-1]
}

// AccountExtIDs returns the external ledger account ids of all batch accounts.
func (b *SettlementBatch) AccountExtIDs() []string {
	ids := make([]string, 0, len(b.Accounts))
	for i := range b.Accounts {
		ids = append(ids, b.Accounts[i].AccountExtID)
	}
	return ids
}
