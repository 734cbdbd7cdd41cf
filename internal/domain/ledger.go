package domain

import "context"

// LedgerAccount is an external accounts-and-balances ledger account with its
// live balances, returned by GetAccounts.
type LedgerAccount struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"` // participant id
	Type          string `json:"type"`
	CurrencyCode  string `json:"currencyCode"`
	DebitBalance  string `json:"debitBalance"`  // decimal string
	CreditBalance string `json:"creditBalance"` // decimal string
}

// AccountTypeSettlement is the ledger account type used for batch accounts.
const AccountTypeSettlement = "SETTLEMENT"

// LedgerJournalEntry is a double-entry posting between two ledger accounts.
type LedgerJournalEntry struct {
	ID               string `json:"id"` // requested id
	OwnerID          string `json:"ownerId"` // originating transfer id
	CurrencyCode     string `json:"currencyCode"`
	Amount           string `json:"amount"` // decimal string
	DebitedAccountID string `json:"debitedAccountId"`
	CreditedAccountID string `json:"creditedAccountId"`
	Timestamp        int64  `json:"timestamp"` // unix ms
}

// JournalEntryResult is the per-entry outcome of CreateJournalEntries. A
// non-zero ErrorCode is a hard failure for that entry.
type JournalEntryResult struct {
	ID        string `json:"id"`
	ErrorCode int    `json:"errorCode"`
}

// LedgerAdapter abstracts the external accounts-and-balances service.
// Implementations are swapped at construction time (embedded in-process
// ledger or a bus-backed remote client).
type LedgerAdapter interface {
	// CreateAccount creates a ledger account and returns its external id.
	CreateAccount(ctx context.Context, requestedID, ownerID, accountType, currencyCode string) (string, error)

	// GetAccounts fetches accounts with live balances. Implementations must
	// return exactly one account per requested id; callers treat anything
	// else as a fatal mismatch.
	GetAccounts(ctx context.Context, ids []string) ([]*LedgerAccount, error)

	// CreateJournalEntries posts entries and returns one result per entry.
	CreateJournalEntries(ctx context.Context, entries []*LedgerJournalEntry) ([]*JournalEntryResult, error)
}

// LedgerConfig holds configuration for ledger adapter initialization.
type LedgerConfig struct {
	// Type is the adapter type: "memory" (embedded) or "bus" (remote).
	Type string

	// Bus adapter settings
	RequestTimeoutSecs int
}
