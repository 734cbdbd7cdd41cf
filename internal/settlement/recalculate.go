package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/tern/internal/domain"
)

// recalculateMatrix rebuilds a matrix's batch snapshots and balances from the
// underlying transfers and the external ledger. It is re-run in full on every
// matrix operation; there is no incremental path. Idempotence comes entirely
// from the JournalEntryID gate on each transfer.
//
// When settling is true, transfers of batches not owned by this matrix or not
// AWAITING_SETTLEMENT still materialize but contribute zero to this matrix's
// balances.
func (a *Aggregate) recalculateMatrix(ctx context.Context, m *domain.SettlementMatrix, settling bool) ([]*domain.SettlementBatch, error) {
	started := a.now()

	batches, err := a.resolveBatchSet(ctx, m)
	if err != nil {
		return nil, err
	}

	// Membership criteria/ids are untouched; everything computed is rebuilt.
	m.ClearBalances()
	m.Batches = nil

	if err := a.updateBatchAccountBalances(ctx, batches); err != nil {
		return nil, err
	}

	type balanceKey struct {
		participant string
		currency    string
		state       domain.BatchState
	}
	type totalKey struct {
		currency string
		state    domain.BatchState
	}
	type balance struct {
		debit  *big.Int
		credit *big.Int
	}

	participantBalances := make(map[balanceKey]*balance)
	var participantOrder []balanceKey
	totalBalances := make(map[totalKey]*balance)
	var totalOrder []totalKey
	decimalsByCode := make(map[string]uint8)

	addTo := func(key balanceKey, debit, credit *big.Int) {
		b, ok := participantBalances[key]
		if !ok {
			b = &balance{debit: new(big.Int), credit: new(big.Int)}
			participantBalances[key] = b
			participantOrder = append(participantOrder, key)
		}
		b.debit.Add(b.debit, debit)
		b.credit.Add(b.credit, credit)

		tk := totalKey{currency: key.currency, state: key.state}
		t, ok := totalBalances[tk]
		if !ok {
			t = &balance{debit: new(big.Int), credit: new(big.Int)}
			totalBalances[tk] = t
			totalOrder = append(totalOrder, tk)
		}
		t.debit.Add(t.debit, debit)
		t.credit.Add(t.credit, credit)
	}

	zero := new(big.Int)

	for _, batch := range batches {
		currency, ok := a.currencies.CurrencyByCode(batch.CurrencyCode)
		if !ok {
			return nil, fmt.Errorf("%w: %q on batch %s", domain.ErrInvalidCurrencyCode, batch.CurrencyCode, batch.ID)
		}
		decimalsByCode[batch.CurrencyCode] = currency.Decimals

		// In-flight matrix math treats closed and awaiting batches as if
		// still open unless specifically excluded.
		calcState := batch.State
		if calcState == domain.BatchStateClosed || calcState == domain.BatchStateAwaitingSettlement {
			calcState = domain.BatchStateOpen
		}

		transfers, err := a.repos.Transfers.GetAllTransfersByBatchID(ctx, batch.ID)
		if err != nil {
			return nil, err
		}

		skipAccumulation := settling &&
			(batch.State != domain.BatchStateAwaitingSettlement || batch.OwnerMatrixID != m.ID)

		batchDebit := new(big.Int)
		batchCredit := new(big.Int)
		accountsGrew := false

		for _, transfer := range transfers {
			if transfer.JournalEntryID == "" {
				grew, err := a.materializeTransfer(ctx, m, batch, transfer)
				if err != nil {
					return nil, err
				}
				accountsGrew = accountsGrew || grew
			}

			if skipAccumulation {
				continue
			}

			amount, err := domain.ToInteger(transfer.Amount, currency.Decimals)
			if err != nil {
				return nil, fmt.Errorf("transfer %s: %w", transfer.TransferID, err)
			}

			// Double entry: every transfer adds equally to debit and credit.
			batchDebit.Add(batchDebit, amount)
			batchCredit.Add(batchCredit, amount)

			addTo(balanceKey{participant: transfer.PayerFspID, currency: batch.CurrencyCode, state: calcState}, amount, zero)
			addTo(balanceKey{participant: transfer.PayeeFspID, currency: batch.CurrencyCode, state: calcState}, zero, amount)
		}

		m.AddBatch(batch,
			domain.ToDecimalString(batchDebit, currency.Decimals),
			domain.ToDecimalString(batchCredit, currency.Decimals),
		)

		if accountsGrew {
			if err := a.repos.Batches.UpdateBatch(ctx, batch); err != nil {
				return nil, fmt.Errorf("failed to persist batch accounts: %w", err)
			}
		}
	}

	for _, key := range participantOrder {
		b := participantBalances[key]
		decimals := decimalsByCode[key.currency]
		m.BalancesByParticipant = append(m.BalancesByParticipant, domain.ParticipantBalance{
			ParticipantID: key.participant,
			CurrencyCode:  key.currency,
			State:         key.state,
			DebitBalance:  domain.ToDecimalString(b.debit, decimals),
			CreditBalance: domain.ToDecimalString(b.credit, decimals),
		})
	}
	for _, key := range totalOrder {
		t := totalBalances[key]
		decimals := decimalsByCode[key.currency]
		m.TotalBalances = append(m.TotalBalances, domain.TotalBalance{
			CurrencyCode:  key.currency,
			State:         key.state,
			DebitBalance:  domain.ToDecimalString(t.debit, decimals),
			CreditBalance: domain.ToDecimalString(t.credit, decimals),
		})
	}

	m.GenerationDurationSecs = int64(a.now().Sub(started) / time.Second)
	m.UpdatedAt = a.now().UnixMilli()
	m.IsBatchesOutOfSync = false

	return batches, nil
}

// resolveBatchSet returns the batches a recalculation covers. Static matrices
// re-fetch the exact ids they already reference; dynamic matrices re-query by
// criteria (and the optional CEL filter), picking up new matching batches
// automatically.
func (a *Aggregate) resolveBatchSet(ctx context.Context, m *domain.SettlementMatrix) ([]*domain.SettlementBatch, error) {
	if m.Type == domain.MatrixTypeStatic {
		ids := m.BatchIDs()
		if len(ids) == 0 {
			return nil, nil
		}
		batches, err := a.repos.Batches.GetBatchesByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(batches) != len(ids) {
			// A dangling batch reference is fatal for recalculation.
			return nil, fmt.Errorf("%w: matrix %s references %d batches, found %d",
				domain.ErrBatchNotFound, m.ID, len(ids), len(batches))
		}
		return batches, nil
	}

	batches, err := a.repos.Batches.GetBatchesByCriteria(ctx, domain.BatchSearchCriteria{
		FromDate:        m.DateFrom,
		ToDate:          m.DateTo,
		SettlementModel: m.SettlementModel,
		CurrencyCodes:   m.CurrencyCodes,
		States:          m.BatchStatuses,
	})
	if err != nil {
		return nil, err
	}

	if m.BatchFilter == "" {
		return batches, nil
	}

	filtered := batches[:0]
	for _, b := range batches {
		matched, err := a.filters.Match(m.BatchFilter, b)
		if err != nil {
			return nil, err
		}
		if matched {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// updateBatchAccountBalances fetches live balances for every account of every
// batch in one ledger call. The ledger must return a balance for every
// requested account; anything else is non-recoverable for this operation.
func (a *Aggregate) updateBatchAccountBalances(ctx context.Context, batches []*domain.SettlementBatch) error {
	var ids []string
	for _, b := range batches {
		ids = append(ids, b.AccountExtIDs()...)
	}
	if len(ids) == 0 {
		return nil
	}

	accounts, err := a.ledger.GetAccounts(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to fetch ledger accounts: %w", err)
	}

	byID := make(map[string]*domain.LedgerAccount, len(accounts))
	for _, acc := range accounts {
		byID[acc.ID] = acc
	}

	for _, b := range batches {
		for i := range b.Accounts {
			acc, ok := byID[b.Accounts[i].AccountExtID]
			if !ok {
				return fmt.Errorf("%w: account %s", domain.ErrLedgerAccountsMismatch, b.Accounts[i].AccountExtID)
			}
			b.Accounts[i].DebitBalance = acc.DebitBalance
			b.Accounts[i].CreditBalance = acc.CreditBalance
		}
	}

	return nil
}

// materializeTransfer lazily creates the ledger accounts and journal entry
// for a transfer that has never been posted, then persists the transfer with
// its JournalEntryID so it is skipped on every subsequent recalculation.
// Returns whether the batch account list grew.
func (a *Aggregate) materializeTransfer(ctx context.Context, m *domain.SettlementMatrix, batch *domain.SettlementBatch, transfer *domain.BatchTransfer) (bool, error) {
	grew := false

	var payerExtID string
	if acc := batch.GetAccount(transfer.PayerFspID, transfer.CurrencyCode); acc != nil {
		payerExtID = acc.AccountExtID
	} else {
		extID, err := a.ledger.CreateAccount(ctx, uuid.New().String(),
			transfer.PayerFspID, domain.AccountTypeSettlement, transfer.CurrencyCode)
		if err != nil {
			return grew, fmt.Errorf("failed to create payer account: %w", err)
		}
		batch.AddAccount(extID, transfer.PayerFspID, transfer.CurrencyCode)
		payerExtID = extID
		grew = true
	}

	var payeeExtID string
	if acc := batch.GetAccount(transfer.PayeeFspID, transfer.CurrencyCode); acc != nil {
		payeeExtID = acc.AccountExtID
	} else {
		extID, err := a.ledger.CreateAccount(ctx, uuid.New().String(),
			transfer.PayeeFspID, domain.AccountTypeSettlement, transfer.CurrencyCode)
		if err != nil {
			return grew, fmt.Errorf("failed to create payee account: %w", err)
		}
		batch.AddAccount(extID, transfer.PayeeFspID, transfer.CurrencyCode)
		payeeExtID = extID
		grew = true
	}

	results, err := a.ledger.CreateJournalEntries(ctx, []*domain.LedgerJournalEntry{{
		ID:                uuid.New().String(),
		OwnerID:           transfer.TransferID,
		CurrencyCode:      transfer.CurrencyCode,
		Amount:            transfer.Amount,
		DebitedAccountID:  payerExtID,
		CreditedAccountID: payeeExtID,
		Timestamp:         a.now().UnixMilli(),
	}})
	if err != nil {
		return grew, fmt.Errorf("failed to create journal entry: %w", err)
	}
	if len(results) != 1 {
		return grew, fmt.Errorf("%w: expected 1 result, got %d", domain.ErrInvalidJournalEntry, len(results))
	}
	if results[0].ErrorCode != 0 {
		return grew, fmt.Errorf("%w: transfer %s error code %d",
			domain.ErrInvalidJournalEntry, transfer.TransferID, results[0].ErrorCode)
	}

	transfer.JournalEntryID = results[0].ID
	transfer.MatrixID = m.ID
	if err := a.repos.Transfers.UpdateBatchTransfer(ctx, transfer); err != nil {
		return grew, fmt.Errorf("failed to persist journal entry id: %w", err)
	}

	// Keep in-memory balances current for subsequent transfers in this pass.
	if err := a.updateBatchAccountBalances(ctx, []*domain.SettlementBatch{batch}); err != nil {
		return grew, err
	}

	return grew, nil
}
