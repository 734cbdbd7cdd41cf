package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/tern/internal/domain"
)

// Ledger request-reply operations.
const (
	opCreateAccount        = "createAccount"
	opGetAccounts          = "getAccounts"
	opCreateJournalEntries = "createJournalEntries"
)

type ledgerRequest struct {
	Op      string                       `json:"op"`
	Account *accountRequest              `json:"account,omitempty"`
	IDs     []string                     `json:"ids,omitempty"`
	Entries []*domain.LedgerJournalEntry `json:"entries,omitempty"`
}

type accountRequest struct {
	RequestedID  string `json:"requestedId"`
	OwnerID      string `json:"ownerId"`
	Type         string `json:"type"`
	CurrencyCode string `json:"currencyCode"`
}

type ledgerResponse struct {
	Error     string                      `json:"error,omitempty"`
	AccountID string                      `json:"accountId,omitempty"`
	Accounts  []*domain.LedgerAccount     `json:"accounts,omitempty"`
	Results   []*domain.JournalEntryResult `json:"results,omitempty"`
}

// BusLedger talks to an external accounts-and-balances service over the
// event bus using request-reply.
type BusLedger struct {
	bus     domain.EventBus
	timeout time.Duration
}

// NewBusLedger creates a bus-backed ledger adapter.
func NewBusLedger(bus domain.EventBus, timeoutSecs int) *BusLedger {
	if timeoutSecs <= 0 {
		timeoutSecs = 30
	}
	return &BusLedger{
		bus:     bus,
		timeout: time.Duration(timeoutSecs) * time.Second,
	}
}

// CreateAccount creates a remote ledger account.
func (l *BusLedger) CreateAccount(ctx context.Context, requestedID, ownerID, accountType, currencyCode string) (string, error) {
	resp, err := l.roundTrip(ctx, &ledgerRequest{
		Op: opCreateAccount,
		Account: &accountRequest{
			RequestedID:  requestedID,
			OwnerID:      ownerID,
			Type:         accountType,
			CurrencyCode: currencyCode,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.AccountID, nil
}

// GetAccounts fetches remote accounts with live balances.
func (l *BusLedger) GetAccounts(ctx context.Context, ids []string) ([]*domain.LedgerAccount, error) {
	resp, err := l.roundTrip(ctx, &ledgerRequest{Op: opGetAccounts, IDs: ids})
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// CreateJournalEntries posts entries to the remote ledger.
func (l *BusLedger) CreateJournalEntries(ctx context.Context, entries []*domain.LedgerJournalEntry) ([]*domain.JournalEntryResult, error) {
	resp, err := l.roundTrip(ctx, &ledgerRequest{Op: opCreateJournalEntries, Entries: entries})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (l *BusLedger) roundTrip(ctx context.Context, req *ledgerRequest) (*ledgerResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := l.bus.Request(ctx, domain.TopicLedgerRequests, payload)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}

	var resp ledgerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ledger error: %s", resp.Error)
	}
	return &resp, nil
}

// Service answers ledger requests on the bus by delegating to a local
// adapter. It exists for single-node deployments and tests; production pro
// deployments point the bus at the real accounts-and-balances service.
type Service struct {
	bus     domain.EventBus
	adapter domain.LedgerAdapter
	logger  *slog.Logger
	sub     domain.Subscription
}

// NewService creates a ledger service around an adapter.
func NewService(bus domain.EventBus, adapter domain.LedgerAdapter, logger *slog.Logger) *Service {
	return &Service{
		bus:     bus,
		adapter: adapter,
		logger:  logger,
	}
}

// Start subscribes to the ledger request topic.
func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, domain.TopicLedgerRequests, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ledger requests: %w", err)
	}
	s.sub = sub
	return nil
}

// Stop unsubscribes from the request topic.
func (s *Service) Stop() error {
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}

func (s *Service) handle(ctx context.Context, msg *domain.Message) error {
	replyTo := msg.Metadata["reply_to"]
	if replyTo == "" {
		s.logger.Warn("ledger request without reply topic", "msgId", msg.ID)
		return nil
	}

	var req ledgerRequest
	resp := &ledgerResponse{}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
		return s.reply(ctx, replyTo, resp)
	}

	switch req.Op {
	case opCreateAccount:
		if req.Account == nil {
			resp.Error = "missing account"
			break
		}
		id, err := s.adapter.CreateAccount(ctx, req.Account.RequestedID, req.Account.OwnerID, req.Account.Type, req.Account.CurrencyCode)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.AccountID = id
		}

	case opGetAccounts:
		accounts, err := s.adapter.GetAccounts(ctx, req.IDs)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Accounts = accounts
		}

	case opCreateJournalEntries:
		results, err := s.adapter.CreateJournalEntries(ctx, req.Entries)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Results = results
		}

	default:
		resp.Error = fmt.Sprintf("unknown ledger operation: %s", req.Op)
	}

	return s.reply(ctx, replyTo, resp)
}

func (s *Service) reply(ctx context.Context, replyTo string, resp *ledgerResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, replyTo, payload); err != nil {
		s.logger.Error("failed to publish ledger reply", "error", err)
		return err
	}
	return nil
}
