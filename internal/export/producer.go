package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/events"
	"loyaltyshop/internal/features"
	"loyaltyshop/internal/models"
	"loyaltyshop/internal/validation"
)

// Publisher enqueues a payload on a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic events.Topic, payload []byte) string
}

// OrderStore persists orders and their ledger placement state.
type OrderStore interface {
	GetOrderByIncrementID(ctx context.Context, incrementID string) (*models.Order, error)
	UpsertOrder(ctx context.Context, order *models.Order) error
	ListUnplacedOrders(ctx context.Context, maxAttempts int) ([]*models.Order, error)
	MarkOrderPlaced(ctx context.Context, orderID int64) error
	IncrementOrderAttempts(ctx context.Context, orderID int64) error
}

// ReviewStore persists product reviews.
type ReviewStore interface {
	GetReview(ctx context.Context, id int64) (*models.Review, error)
	UpsertReview(ctx context.Context, review *models.Review) error
}

// CustomerLookup resolves customers for review authors.
type CustomerLookup interface {
	GetCustomer(ctx context.Context, id int64) (*models.Customer, error)
}

// Store is everything the producer reads and writes.
type Store interface {
	OrderStore
	ReviewStore
	CustomerLookup
}

// ErrSkipped wraps the reason an export was not produced.
var ErrSkipped = errors.New("export skipped")

func skipped(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipped, reason)
}

// Producer observes commerce activity and publishes export payloads.
type Producer struct {
	queue          Publisher
	store          Store
	flags          *features.Manager
	reviewMinChars int
	logger         *zap.Logger
}

// NewProducer creates a new producer.
func NewProducer(queue Publisher, store Store, flags *features.Manager, reviewMinChars int, logger *zap.Logger) *Producer {
	return &Producer{
		queue:          queue,
		store:          store,
		flags:          flags,
		reviewMinChars: reviewMinChars,
		logger:         logger,
	}
}

// OrderSaved stores the order and, when its status just became complete,
// publishes a Purchase event and a free product placement request for the
// zero-price items. A missing OrigStatus is taken from the stored order.
// It returns the topics that were published.
func (p *Producer) OrderSaved(ctx context.Context, order *models.Order) ([]events.Topic, error) {
	if order.OrigStatus == "" {
		existing, err := p.store.GetOrderByIncrementID(ctx, order.IncrementID)
		switch {
		case err == nil:
			order.OrigStatus = existing.Status
		case !errors.Is(err, apperr.NotFound):
			return nil, err
		}
	}
	if err := p.store.UpsertOrder(ctx, order); err != nil {
		return nil, err
	}

	if order.Status != models.OrderStatusComplete || order.OrigStatus == order.Status {
		return nil, nil
	}

	var published []events.Topic
	if p.flags.Enabled(features.FeaturePurchaseExport) {
		payload := []PurchaseEvent{{
			Event:     eventPurchase,
			Email:     order.CustomerEmail,
			OrderID:   order.IncrementID,
			OrderDate: formatDate(order.CreatedAt),
			Products:  eventProducts(order.Items),
		}}
		if p.publish(ctx, events.TopicPurchase, payload, zap.String("order_id", order.IncrementID)) {
			published = append(published, events.TopicPurchase)
		}
	}

	free := freeProducts(order.Items)
	if len(free) == 0 {
		p.logger.Info("no free products in order", zap.String("order_id", order.IncrementID))
		return published, nil
	}
	if p.flags.Enabled() {
		payload := FreeProductPurchase{
			Email:    order.CustomerEmail,
			OrderID:  order.IncrementID,
			Products: free,
		}
		if p.publish(ctx, events.TopicFreeProductPurchase, payload, zap.String("order_id", order.IncrementID)) {
			published = append(published, events.TopicFreeProductPurchase)
		}
	}
	return published, nil
}

// CreditMemoCreated publishes a Return event for the refunded items.
func (p *Producer) CreditMemoCreated(ctx context.Context, memo *models.CreditMemo) ([]events.Topic, error) {
	if !p.flags.Enabled(features.FeatureReturnExport) {
		p.logger.Info("return export is disabled")
		return nil, nil
	}
	payload := []ReturnEvent{{
		Event:     eventReturn,
		Email:     memo.CustomerEmail,
		OrderDate: formatDate(memo.CreatedAt),
		Products:  eventProducts(memo.Items),
	}}
	if !p.publish(ctx, events.TopicReturn, payload, zap.String("order_id", memo.OrderIncrementID)) {
		return nil, nil
	}
	return []events.Topic{events.TopicReturn}, nil
}

// ReviewSaved stores the review and publishes a Review event when it is
// eligible for export.
func (p *Producer) ReviewSaved(ctx context.Context, review *models.Review) ([]events.Topic, error) {
	if err := p.store.UpsertReview(ctx, review); err != nil {
		return nil, err
	}

	payload, err := p.ReviewPayload(ctx, review)
	if err != nil {
		p.logger.Info("review not exported", zap.Int64("review_id", review.ID), zap.Error(err))
		return nil, nil
	}
	if !p.publish(ctx, events.TopicReview, payload, zap.Int64("review_id", review.ID)) {
		return nil, nil
	}
	return []events.Topic{events.TopicReview}, nil
}

// ReviewPayload builds the Review event for review. It fails with ErrSkipped
// when review export is disabled, the review is not approved, its detail is
// shorter than the configured minimum or no author email can be resolved.
func (p *Producer) ReviewPayload(ctx context.Context, review *models.Review) ([]ReviewEvent, error) {
	if !p.flags.Enabled(features.FeatureReviewExport) {
		return nil, skipped("review export is disabled")
	}
	if review.StatusID != models.ReviewStatusApproved {
		return nil, skipped("review is not approved")
	}
	if !validation.ReviewLongEnough(review.Detail, p.reviewMinChars) {
		return nil, skipped(fmt.Sprintf("review too short, minimum %d characters required", p.reviewMinChars))
	}
	email := p.reviewEmail(ctx, review)
	if email == "" {
		return nil, skipped("could not determine customer email")
	}
	return []ReviewEvent{{
		Event:      eventReview,
		Identifier: email,
		ReviewID:   strconv.FormatInt(review.ID, 10),
	}}, nil
}

// reviewEmail resolves the author's email from the customer record, falling
// back to a nickname that is itself an email address.
func (p *Producer) reviewEmail(ctx context.Context, review *models.Review) string {
	if review.CustomerID != 0 {
		customer, err := p.store.GetCustomer(ctx, review.CustomerID)
		if err == nil && customer.Email != "" {
			return customer.Email
		}
		p.logger.Warn("could not load review author",
			zap.Int64("review_id", review.ID),
			zap.Int64("customer_id", review.CustomerID),
			zap.Error(err),
		)
	}
	if validation.IsEmail(review.Nickname) {
		return review.Nickname
	}
	return ""
}

// LoyaltyLineRemoved publishes a free product removal so the ledger cart
// follows the storefront cart.
func (p *Producer) LoyaltyLineRemoved(ctx context.Context, email, sku string, quantity int) {
	if email == "" {
		p.logger.Warn("cannot determine customer email for free product removal", zap.String("sku", sku))
		return
	}
	p.publish(ctx, events.TopicFreeProductRemove, FreeProductRemove{
		Email:    email,
		SKU:      sku,
		Quantity: quantity,
	}, zap.String("sku", sku))
}

func (p *Producer) publish(ctx context.Context, topic events.Topic, payload any, fields ...zap.Field) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to encode export payload", append(fields, zap.String("topic", string(topic)), zap.Error(err))...)
		return false
	}
	id := p.queue.Publish(ctx, topic, data)
	if id == "" {
		p.logger.Warn("export payload not queued", append(fields, zap.String("topic", string(topic)))...)
		return false
	}
	p.logger.Info("export payload queued",
		append(fields, zap.String("topic", string(topic)), zap.String("message_id", id))...)
	return true
}
