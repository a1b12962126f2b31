package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/events"
	"loyaltyshop/internal/ledger"
)

// Ledger is the part of the ledger client the consumers and the order
// placement job call.
type Ledger interface {
	SendEvent(ctx context.Context, payload json.RawMessage) (int, error)
	PlaceOrder(ctx context.Context, email, orderID string, products []ledger.Product) (int, error)
	RemoveItem(ctx context.Context, email, sku string, quantity int) (int, error)
}

// Subscriber registers queue handlers.
type Subscriber interface {
	Subscribe(topic events.Topic, handler events.Handler)
}

// Consumer delivers queued payloads to the ledger. Each message gets exactly
// one attempt; a failure is returned to the queue, which logs and drops it.
type Consumer struct {
	ledger Ledger
	orders OrderStore
	logger *zap.Logger
}

// NewConsumer creates a new consumer.
func NewConsumer(ledger Ledger, orders OrderStore, logger *zap.Logger) *Consumer {
	return &Consumer{
		ledger: ledger,
		orders: orders,
		logger: logger,
	}
}

// Register subscribes the consumer to every export topic.
func (c *Consumer) Register(queue Subscriber) {
	queue.Subscribe(events.TopicPurchase, c.SendEvent)
	queue.Subscribe(events.TopicReturn, c.SendEvent)
	queue.Subscribe(events.TopicReview, c.SendEvent)
	queue.Subscribe(events.TopicFreeProductPurchase, c.PlaceFreeProducts)
	queue.Subscribe(events.TopicFreeProductRemove, c.RemoveFreeProduct)
}

// SendEvent posts a Purchase, Return or Review envelope verbatim.
func (c *Consumer) SendEvent(ctx context.Context, msg events.Message) error {
	if !json.Valid(msg.Payload) {
		return apperr.New(apperr.KindValidation, "export.send_event", "payload is not valid JSON")
	}
	status, err := c.ledger.SendEvent(ctx, json.RawMessage(msg.Payload))
	if err != nil {
		return err
	}
	c.logger.Info("event delivered",
		zap.String("topic", string(msg.Topic)),
		zap.String("message_id", msg.ID),
		zap.Int("status", status),
	)
	if status < 200 || status >= 300 {
		return apperr.New(apperr.KindUpstream, "export.send_event", fmt.Sprintf("status %d", status))
	}
	return nil
}

// PlaceFreeProducts places an order's zero-price items with the ledger and
// records the outcome on the stored order so the retry job can pick up
// failures.
func (c *Consumer) PlaceFreeProducts(ctx context.Context, msg events.Message) error {
	const op = "export.place_free_products"
	var payload FreeProductPurchase
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}

	status, err := c.ledger.PlaceOrder(ctx, payload.Email, payload.OrderID, payload.Products)
	placed := err == nil && status == http.StatusOK
	c.recordPlacement(ctx, payload.OrderID, placed)
	if err != nil {
		return err
	}
	c.logger.Info("free product purchase delivered",
		zap.String("email", payload.Email),
		zap.String("order_id", payload.OrderID),
		zap.Int("status", status),
	)
	if !placed {
		return apperr.New(apperr.KindUpstream, op, fmt.Sprintf("status %d", status))
	}
	return nil
}

func (c *Consumer) recordPlacement(ctx context.Context, incrementID string, placed bool) {
	order, err := c.orders.GetOrderByIncrementID(ctx, incrementID)
	if err != nil {
		c.logger.Warn("order not found for placement tracking", zap.String("order_id", incrementID), zap.Error(err))
		return
	}
	if placed {
		err = c.orders.MarkOrderPlaced(ctx, order.ID)
	} else {
		err = c.orders.IncrementOrderAttempts(ctx, order.ID)
	}
	if err != nil {
		c.logger.Error("failed to record order placement", zap.String("order_id", incrementID), zap.Error(err))
	}
}

// RemoveFreeProduct removes a loyalty product from the ledger cart.
func (c *Consumer) RemoveFreeProduct(ctx context.Context, msg events.Message) error {
	const op = "export.remove_free_product"
	var payload FreeProductRemove
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}

	status, err := c.ledger.RemoveItem(ctx, payload.Email, payload.SKU, payload.Quantity)
	if err != nil {
		return err
	}
	c.logger.Info("free product removal delivered",
		zap.String("email", payload.Email),
		zap.String("sku", payload.SKU),
		zap.Int("status", status),
	)
	if status != http.StatusOK {
		return apperr.New(apperr.KindEligibility, op, fmt.Sprintf("status %d", status))
	}
	return nil
}
