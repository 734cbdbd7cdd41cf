package domain

// BatchTransfer is one individual fund movement recorded against a batch.
//
// JournalEntryID is populated the first time the transfer is processed during
// matrix recalculation; once set, the transfer is treated as already posted
// to the ledger and skipped on subsequent recalculations.
type BatchTransfer struct {
	TransferID        string `json:"transferId"` // unique
	TransferTimestamp int64  `json:"transferTimestamp"` // unix ms
	PayerFspID        string `json:"payerFspId"`
	PayeeFspID        string `json:"payeeFspId"`
	CurrencyCode      string `json:"currencyCode"`
	Amount            string `json:"amount"` // decimal string
	BatchID           string `json:"batchId"`
	BatchName         string `json:"batchName"`
	JournalEntryID    string `json:"journalEntryId,omitempty"`
	MatrixID          string `json:"matrixId,omitempty"`
}

// TransferEvent is an inbound fund-transfer notification, translated into a
// HandleTransfer call by the consumer.
type TransferEvent struct {
	TransferID      string `json:"transferId"`
	Timestamp       int64  `json:"completedTimestamp"` // unix ms
	PayerFspID      string `json:"payerFspId"`
	PayeeFspID      string `json:"payeeFspId"`
	CurrencyCode    string `json:"currencyCode"`
	Amount          string `json:"amount"`
	SettlementModel string `json:"settlementModel"`
}
