package export

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"loyaltyshop/internal/features"
)

// PlaceSummary reports one order placement pass.
type PlaceSummary struct {
	Attempted int `json:"attempted"`
	Placed    int `json:"placed"`
	Failed    int `json:"failed"`
}

// OrderPlacer retries ledger placement of completed orders until it succeeds
// or the attempt limit is reached.
type OrderPlacer struct {
	orders     OrderStore
	ledger     Ledger
	retryLimit int
	flags      *features.Manager
	logger     *zap.Logger
}

// NewOrderPlacer creates a new order placement job.
func NewOrderPlacer(orders OrderStore, ledger Ledger, retryLimit int, flags *features.Manager, logger *zap.Logger) *OrderPlacer {
	if retryLimit <= 0 {
		retryLimit = 3
	}
	return &OrderPlacer{
		orders:     orders,
		ledger:     ledger,
		retryLimit: retryLimit,
		flags:      flags,
		logger:     logger,
	}
}

// Run sends every unplaced order once. A 200 marks the order placed, any
// other outcome increments its attempt counter.
func (p *OrderPlacer) Run(ctx context.Context) (PlaceSummary, error) {
	var summary PlaceSummary
	if p.flags != nil && !p.flags.Enabled() {
		return summary, nil
	}

	orders, err := p.orders.ListUnplacedOrders(ctx, p.retryLimit)
	if err != nil {
		return summary, fmt.Errorf("failed to list unplaced orders: %w", err)
	}

	for _, order := range orders {
		summary.Attempted++
		status, err := p.ledger.PlaceOrder(ctx, order.CustomerEmail, order.IncrementID, ledgerProducts(order.Items))
		if err == nil && status == http.StatusOK {
			if err := p.orders.MarkOrderPlaced(ctx, order.ID); err != nil {
				p.logger.Error("failed to mark order placed", zap.String("order_id", order.IncrementID), zap.Error(err))
				summary.Failed++
				continue
			}
			summary.Placed++
			continue
		}

		summary.Failed++
		p.logger.Warn("order placement failed",
			zap.String("order_id", order.IncrementID),
			zap.String("email", order.CustomerEmail),
			zap.Int("status", status),
			zap.Int("attempt", order.LoyaltyAttempts+1),
			zap.Error(err),
		)
		if err := p.orders.IncrementOrderAttempts(ctx, order.ID); err != nil {
			p.logger.Error("failed to record order placement attempt", zap.String("order_id", order.IncrementID), zap.Error(err))
		}
	}

	if summary.Attempted > 0 {
		p.logger.Info("order placement pass finished",
			zap.Int("attempted", summary.Attempted),
			zap.Int("placed", summary.Placed),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}
