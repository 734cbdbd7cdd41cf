// Package ledger provides accounts-and-balances adapters for Tern.
//
// The community tier embeds a double-entry ledger in process; the pro tier
// talks to an external ledger service over the event bus.
package ledger

import (
	"fmt"

	"github.com/opensource-finance/tern/internal/domain"
)

// New creates a ledger adapter based on configuration.
func New(cfg domain.LedgerConfig, bus domain.EventBus, currencies domain.CurrencyLookup) (domain.LedgerAdapter, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryLedger(currencies), nil

	case "bus":
		if bus == nil {
			return nil, fmt.Errorf("bus ledger requires an event bus")
		}
		return NewBusLedger(bus, cfg.RequestTimeoutSecs), nil

	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.Type)
	}
}
