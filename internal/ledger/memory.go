package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/tern/internal/domain"
)

// Ledger error codes reported per journal entry.
const (
	errCodeAccountNotFound  = 201
	errCodeCurrencyMismatch = 202
	errCodeInvalidAmount    = 203
)

type memoryAccount struct {
	id           string
	ownerID      string
	accountType  string
	currencyCode string
	decimals     uint8
	debit        *big.Int
	credit       *big.Int
}

// MemoryLedger is an embedded double-entry ledger. Used in the Community
// tier where no external accounts-and-balances service is deployed.
type MemoryLedger struct {
	mu         sync.RWMutex
	currencies domain.CurrencyLookup
	accounts   map[string]*memoryAccount
	entries    map[string]*domain.LedgerJournalEntry
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger(currencies domain.CurrencyLookup) *MemoryLedger {
	return &MemoryLedger{
		currencies: currencies,
		accounts:   make(map[string]*memoryAccount),
		entries:    make(map[string]*domain.LedgerJournalEntry),
	}
}

// CreateAccount creates a ledger account and returns its id. The requested
// id is honored when free; creating the same id twice is an error.
func (l *MemoryLedger) CreateAccount(ctx context.Context, requestedID, ownerID, accountType, currencyCode string) (string, error) {
	currency, ok := l.currencies.CurrencyByCode(currencyCode)
	if !ok {
		return "", fmt.Errorf("unknown currency %s", currencyCode)
	}

	id := requestedID
	if id == "" {
		id = uuid.New().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[id]; exists {
		return "", fmt.Errorf("account %s already exists", id)
	}

	l.accounts[id] = &memoryAccount{
		id:           id,
		ownerID:      ownerID,
		accountType:  accountType,
		currencyCode: currencyCode,
		decimals:     currency.Decimals,
		debit:        big.NewInt(0),
		credit:       big.NewInt(0),
	}
	return id, nil
}

// GetAccounts returns exactly one account per requested id.
func (l *MemoryLedger) GetAccounts(ctx context.Context, ids []string) ([]*domain.LedgerAccount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*domain.LedgerAccount, 0, len(ids))
	for _, id := range ids {
		acc, ok := l.accounts[id]
		if !ok {
			return nil, fmt.Errorf("account %s not found", id)
		}
		out = append(out, acc.snapshot())
	}
	return out, nil
}

// CreateJournalEntries posts double entries. Each entry debits one account
// and credits another; failures are reported per entry via ErrorCode and
// never abort the batch.
func (l *MemoryLedger) CreateJournalEntries(ctx context.Context, entries []*domain.LedgerJournalEntry) ([]*domain.JournalEntryResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]*domain.JournalEntryResult, 0, len(entries))
	for _, entry := range entries {
		id := entry.ID
		if id == "" {
			id = uuid.New().String()
		}
		results = append(results, &domain.JournalEntryResult{
			ID:        id,
			ErrorCode: l.post(id, entry),
		})
	}
	return results, nil
}

func (l *MemoryLedger) post(id string, entry *domain.LedgerJournalEntry) int {
	debited, ok := l.accounts[entry.DebitedAccountID]
	if !ok {
		return errCodeAccountNotFound
	}
	credited, ok := l.accounts[entry.CreditedAccountID]
	if !ok {
		return errCodeAccountNotFound
	}
	if debited.currencyCode != entry.CurrencyCode || credited.currencyCode != entry.CurrencyCode {
		return errCodeCurrencyMismatch
	}

	amount, err := domain.ToInteger(entry.Amount, debited.decimals)
	if err != nil {
		return errCodeInvalidAmount
	}

	debited.debit.Add(debited.debit, amount)
	credited.credit.Add(credited.credit, amount)

	stored := *entry
	stored.ID = id
	l.entries[id] = &stored
	return 0
}

func (a *memoryAccount) snapshot() *domain.LedgerAccount {
	return &domain.LedgerAccount{
		ID:            a.id,
		OwnerID:       a.ownerID,
		Type:          a.accountType,
		CurrencyCode:  a.currencyCode,
		DebitBalance:  domain.ToDecimalString(a.debit, a.decimals),
		CreditBalance: domain.ToDecimalString(a.credit, a.decimals),
	}
}
