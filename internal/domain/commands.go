package domain

import "encoding/json"

// CommandType identifies a settlement command on the bus.
type CommandType string

const (
	CmdProcessTransfer          CommandType = "process-transfer"
	CmdCreateSettlementModel    CommandType = "create-settlement-model"
	CmdCreateStaticMatrix       CommandType = "create-static-matrix"
	CmdCreateDynamicMatrix      CommandType = "create-dynamic-matrix"
	CmdRecalculateMatrix        CommandType = "recalculate-matrix"
	CmdCloseMatrix              CommandType = "close-matrix"
	CmdSettleMatrix             CommandType = "settle-matrix"
	CmdDisputeMatrix            CommandType = "dispute-matrix"
	CmdLockMatrix               CommandType = "lock-matrix"
	CmdUnlockMatrix             CommandType = "unlock-matrix"
	CmdAddBatchesToMatrix       CommandType = "add-batches-to-matrix"
	CmdRemoveBatchesFromMatrix  CommandType = "remove-batches-from-matrix"
	CmdMarkMatrixOutOfSync      CommandType = "mark-matrix-out-of-sync"
)

// Command is the bus payload wrapping one settlement command.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewCommand marshals payload into a Command envelope.
func NewCommand(cmdType CommandType, payload any) (*Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Command{Type: cmdType, Payload: data}, nil
}

// CreateSettlementModelCmd creates a settlement model.
type CreateSettlementModelCmd struct {
	ID                      string `json:"id"`
	Name                    string `json:"settlementModel"`
	BatchCreateIntervalSecs int64  `json:"batchCreateIntervalSecs"`
	CreatedBy               string `json:"createdBy"`
}

// CreateStaticMatrixCmd creates a static matrix over explicit batch ids.
type CreateStaticMatrixCmd struct {
	MatrixID string   `json:"matrixId"`
	BatchIDs []string `json:"batchIds"`
}

// CreateDynamicMatrixCmd creates a dynamic matrix from criteria.
type CreateDynamicMatrixCmd struct {
	MatrixID        string       `json:"matrixId"`
	FromDate        int64        `json:"fromDate"`
	ToDate          int64        `json:"toDate"`
	SettlementModel string       `json:"settlementModel"`
	CurrencyCodes   []string     `json:"currencyCodes"`
	BatchStatuses   []BatchState `json:"batchStatuses"`
	BatchFilter     string       `json:"batchFilter,omitempty"`
}

// MatrixCmd targets a single matrix (recalculate/close/settle/dispute/
// lock/unlock).
type MatrixCmd struct {
	MatrixID string `json:"matrixId"`
}

// MatrixBatchesCmd adds or removes batches on a static matrix.
type MatrixBatchesCmd struct {
	MatrixID string   `json:"matrixId"`
	BatchIDs []string `json:"batchIds"`
}

// MarkMatrixOutOfSyncCmd propagates batch-state changes made by the origin
// matrix to other matrices referencing the same batches.
type MarkMatrixOutOfSyncCmd struct {
	OriginMatrixID string   `json:"originMatrixId"`
	BatchIDs       []string `json:"batchIds"`
}

// MatrixSettledEvt is emitted after a matrix settles, carrying the final
// per-participant settled balances.
type MatrixSettledEvt struct {
	MatrixID            string               `json:"matrixId"`
	SettledTimestamp    int64                `json:"settledTimestamp"`
	ParticipantBalances []ParticipantBalance `json:"participantBalances"`
}

// EventTypeMatrixSettled names the settlement event on TopicEvents.
const EventTypeMatrixSettled = "matrix-settled"

// Event is the bus payload wrapping one settlement event.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
