package domain

import (
	"context"
)

// EventBus is the opaque command/event channel the engine publishes to and
// consumes from. Go channels back the community tier; NATS backs the pro
// tier.
type EventBus interface {
	// Publish sends a message to a topic. Fire-and-forget.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the bus envelope.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (community tier)
	ChannelBufferSize int

	// NATS settings (pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topics for the settlement pipeline.
const (
	// TopicTransfers carries inbound fund-transfer events.
	TopicTransfers = "tern.settlements.transfers"

	// TopicCommands carries settlement commands (matrix lifecycle,
	// out-of-sync propagation).
	TopicCommands = "tern.settlements.commands"

	// TopicEvents carries outbound settlement events.
	TopicEvents = "tern.settlements.events"

	// TopicAudits carries fire-and-forget audit records.
	TopicAudits = "tern.settlements.audits"

	// TopicLedgerRequests is the request-reply subject for the remote
	// ledger adapter.
	TopicLedgerRequests = "tern.ledger.requests"
)
