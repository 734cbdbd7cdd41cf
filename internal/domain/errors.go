package domain

import "errors"

// Validation errors: the caller's input is malformed. Never retried.
var (
	ErrInvalidTimestamp       = errors.New("invalid transfer timestamp")
	ErrInvalidSettlementModel = errors.New("invalid settlement model")
	ErrInvalidCurrencyCode    = errors.New("invalid currency code")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidTransferID      = errors.New("invalid transfer id")
	ErrInvalidID              = errors.New("invalid id")
	ErrInvalidBatchFilter     = errors.New("invalid batch filter expression")
)

// Not-found errors: the caller referenced a nonexistent entity.
var (
	ErrSettlementModelNotFound = errors.New("settlement model not found")
	ErrBatchNotFound           = errors.New("settlement batch not found")
	ErrMatrixNotFound          = errors.New("settlement matrix not found")
)

// State-conflict errors: the matrix is not in the state the operation requires.
var (
	ErrCannotRecalculateMatrix = errors.New("cannot recalculate settlement matrix in its current state")
	ErrCannotAddBatches        = errors.New("cannot add batches to settlement matrix in its current state")
	ErrCannotRemoveBatches     = errors.New("cannot remove batches from settlement matrix in its current state")
	ErrCannotDisputeMatrix     = errors.New("cannot dispute settlement matrix in its current state")
	ErrCannotLockMatrix        = errors.New("cannot lock settlement matrix in its current state")
	ErrCannotUnlockMatrix      = errors.New("cannot unlock settlement matrix in its current state")
	ErrCannotCloseMatrix       = errors.New("cannot close settlement matrix in its current state")
	ErrCannotSettleMatrix      = errors.New("cannot settle settlement matrix in its current state")
	ErrNotStaticMatrix         = errors.New("operation requires a static settlement matrix")
)

// Already-exists errors.
var (
	ErrMatrixExists          = errors.New("settlement matrix already exists")
	ErrSettlementModelExists = errors.New("settlement model already exists")
)

// External-dependency errors: the ledger adapter misbehaved. Fatal for the
// current operation, never silently swallowed.
var (
	ErrLedgerAccountsMismatch = errors.New("ledger did not return all requested accounts")
	ErrInvalidJournalEntry    = errors.New("ledger rejected journal entry")
)

var validationErrors = []error{
	ErrInvalidTimestamp, ErrInvalidSettlementModel, ErrInvalidCurrencyCode,
	ErrInvalidAmount, ErrInvalidTransferID, ErrInvalidID, ErrInvalidBatchFilter,
}

var notFoundErrors = []error{
	ErrSettlementModelNotFound, ErrBatchNotFound, ErrMatrixNotFound,
}

var stateConflictErrors = []error{
	ErrCannotRecalculateMatrix, ErrCannotAddBatches, ErrCannotRemoveBatches,
	ErrCannotDisputeMatrix, ErrCannotLockMatrix, ErrCannotUnlockMatrix,
	ErrCannotCloseMatrix, ErrCannotSettleMatrix, ErrNotStaticMatrix,
}

var alreadyExistsErrors = []error{
	ErrMatrixExists, ErrSettlementModelExists,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return isAny(err, validationErrors) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return isAny(err, notFoundErrors) }

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool { return isAny(err, stateConflictErrors) }

// IsAlreadyExists reports whether err is an already-exists error.
func IsAlreadyExists(err error) bool { return isAny(err, alreadyExistsErrors) }
