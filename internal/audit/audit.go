// Package audit publishes security audit records to the event bus.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/tern/internal/domain"
)

// Record is the wire format of one audit entry on the audits topic.
type Record struct {
	ID        string               `json:"id"`
	Action    string               `json:"action"`
	Success   bool                 `json:"success"`
	Actor     string               `json:"actor"`
	Details   []domain.AuditDetail `json:"details,omitempty"`
	Timestamp int64                `json:"timestamp"` // unix ms
}

// BusClient publishes audit records to the audits topic. Failures are
// logged and swallowed so auditing never fails the triggering operation.
type BusClient struct {
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewBusClient creates an audit client over the event bus.
func NewBusClient(bus domain.EventBus, logger *slog.Logger) *BusClient {
	return &BusClient{
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Audit publishes one audit record. Fire-and-forget.
func (c *BusClient) Audit(ctx context.Context, action string, success bool, actor string, details ...domain.AuditDetail) {
	record := &Record{
		ID:        uuid.New().String(),
		Action:    action,
		Success:   success,
		Actor:     actor,
		Details:   details,
		Timestamp: c.now().UnixMilli(),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		c.logger.Error("failed to marshal audit record", "action", action, "error", err)
		return
	}

	if err := c.bus.Publish(ctx, domain.TopicAudits, payload); err != nil {
		c.logger.Error("failed to publish audit record", "action", action, "error", err)
	}
}

// NoopClient discards audit records. Used when auditing is disabled.
type NoopClient struct{}

// Audit does nothing.
func (NoopClient) Audit(ctx context.Context, action string, success bool, actor string, details ...domain.AuditDetail) {
}
