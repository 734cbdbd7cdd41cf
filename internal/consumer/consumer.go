// Package consumer drives the settlement aggregate from the event bus.
//
// Transfers and commands are consumed on their own topics and dispatched to
// the aggregate. Commands on a topic are handled by one subscription, which
// serializes matrix operations per process.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/tern/internal/domain"
	"github.com/opensource-finance/tern/internal/settlement"
)

// Consumer subscribes to the transfer and command topics.
type Consumer struct {
	bus       domain.EventBus
	aggregate *settlement.Aggregate
	logger    *slog.Logger

	subscriptions []domain.Subscription
}

// New creates a consumer around the settlement aggregate.
func New(bus domain.EventBus, aggregate *settlement.Aggregate, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:       bus,
		aggregate: aggregate,
		logger:    logger,
	}
}

// Start subscribes to the settlement topics.
func (c *Consumer) Start(ctx context.Context) error {
	transferSub, err := c.bus.Subscribe(ctx, domain.TopicTransfers, c.handleTransfer)
	if err != nil {
		return fmt.Errorf("failed to subscribe to transfers: %w", err)
	}
	c.subscriptions = append(c.subscriptions, transferSub)

	commandSub, err := c.bus.Subscribe(ctx, domain.TopicCommands, c.handleCommand)
	if err != nil {
		_ = transferSub.Unsubscribe()
		c.subscriptions = nil
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	c.subscriptions = append(c.subscriptions, commandSub)

	c.logger.Info("settlement consumer started",
		"topics", []string{domain.TopicTransfers, domain.TopicCommands})
	return nil
}

// Stop unsubscribes from all topics.
func (c *Consumer) Stop() error {
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	c.subscriptions = nil
	c.logger.Info("settlement consumer stopped")
	return nil
}

func (c *Consumer) handleTransfer(ctx context.Context, msg *domain.Message) error {
	var evt domain.TransferEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		c.logger.Error("malformed transfer event", "msgId", msg.ID, "error", err)
		return err
	}

	batchID, err := c.aggregate.HandleTransfer(ctx, &evt)
	if err != nil {
		c.logger.Error("transfer ingestion failed",
			"transferId", evt.TransferID, "error", err)
		return err
	}

	c.logger.Debug("transfer ingested", "transferId", evt.TransferID, "batchId", batchID)
	return nil
}

func (c *Consumer) handleCommand(ctx context.Context, msg *domain.Message) error {
	var cmd domain.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		c.logger.Error("malformed command", "msgId", msg.ID, "error", err)
		return err
	}

	err := c.dispatch(ctx, &cmd)
	if err != nil {
		c.logger.Error("command failed", "type", cmd.Type, "error", err)
		return err
	}

	c.logger.Debug("command processed", "type", cmd.Type)
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, cmd *domain.Command) error {
	switch cmd.Type {
	case domain.CmdProcessTransfer:
		var evt domain.TransferEvent
		if err := json.Unmarshal(cmd.Payload, &evt); err != nil {
			return err
		}
		_, err := c.aggregate.HandleTransfer(ctx, &evt)
		return err

	case domain.CmdCreateSettlementModel:
		var payload domain.CreateSettlementModelCmd
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return c.aggregate.CreateSettlementModel(ctx, &payload)

	case domain.CmdCreateStaticMatrix:
		var payload domain.CreateStaticMatrixCmd
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		_, err := c.aggregate.CreateStaticMatrix(ctx, &payload)
		return err

	case domain.CmdCreateDynamicMatrix:
		var payload domain.CreateDynamicMatrixCmd
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		_, err := c.aggregate.CreateDynamicMatrix(ctx, &payload)
		return err

	case domain.CmdRecalculateMatrix:
		return c.matrixOp(ctx, cmd, c.aggregate.RecalculateMatrix)

	case domain.CmdCloseMatrix:
		return c.matrixOp(ctx, cmd, c.aggregate.CloseMatrix)

	case domain.CmdSettleMatrix:
		return c.matrixOp(ctx, cmd, c.aggregate.SettleMatrix)

	case domain.CmdDisputeMatrix:
		return c.matrixOp(ctx, cmd, c.aggregate.DisputeMatrix)

	case domain.CmdLockMatrix:
		return c.matrixOp(ctx, cmd, c.aggregate.LockMatrix)

	case domain.CmdUnlockMatrix:
		return c.matrixOp(ctx, cmd, c.aggregate.UnlockMatrix)

	case domain.CmdAddBatchesToMatrix:
		var payload domain.MatrixBatchesCmd
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return c.aggregate.AddBatchesToStaticMatrix(ctx, payload.MatrixID, payload.BatchIDs)

	case domain.CmdRemoveBatchesFromMatrix:
		var payload domain.MatrixBatchesCmd
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return c.aggregate.RemoveBatchesFromStaticMatrix(ctx, payload.MatrixID, payload.BatchIDs)

	case domain.CmdMarkMatrixOutOfSync:
		var payload domain.MarkMatrixOutOfSyncCmd
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return err
		}
		return c.aggregate.MarkMatrixOutOfSync(ctx, payload.OriginMatrixID, payload.BatchIDs)

	default:
		// Unknown commands are logged, never fatal.
		c.logger.Warn("unknown command type", "type", cmd.Type)
		return nil
	}
}

func (c *Consumer) matrixOp(ctx context.Context, cmd *domain.Command, op func(context.Context, string) error) error {
	var payload domain.MatrixCmd
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return err
	}
	return op(ctx, payload.MatrixID)
}

// Stats reports active subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current consumer statistics.
func (c *Consumer) GetStats() Stats {
	topics := make([]string, len(c.subscriptions))
	for i, sub := range c.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(c.subscriptions),
		Topics:            topics,
	}
}
