package service

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/classifier"
	"loyaltyshop/internal/features"
	"loyaltyshop/internal/ledger"
	"loyaltyshop/internal/models"
	"loyaltyshop/internal/requestctx"
)

// CustomerLookup resolves registered customers.
type CustomerLookup interface {
	GetCustomer(ctx context.Context, id int64) (*models.Customer, error)
}

// ProductCatalog resolves catalog products by sku.
type ProductCatalog interface {
	GetProduct(ctx context.Context, sku string) (*models.Product, error)
}

// CartStore loads and persists customer carts.
type CartStore interface {
	GetActiveCart(ctx context.Context, customerID int64) (*models.Cart, error)
	CreateCart(ctx context.Context, customer *models.Customer) (*models.Cart, error)
	SaveCart(ctx context.Context, cart *models.Cart) error
}

// CouponRuleStore looks up and creates cart price rules.
type CouponRuleStore interface {
	FindCouponRuleByCode(ctx context.Context, code string) (*models.CouponRule, error)
	CreateCouponRule(ctx context.Context, rule *models.CouponRule) (*models.CouponRule, error)
}

// Store is everything the reconciler persists through.
type Store interface {
	CustomerLookup
	ProductCatalog
	CartStore
	CouponRuleStore
}

// Ledger is the part of the ledger client the reconciler calls.
type Ledger interface {
	AddToCart(ctx context.Context, email, sku string) (int, error)
	RemoveItem(ctx context.Context, email, sku string, quantity int) (int, error)
	RemoveAllItems(ctx context.Context, email string) (int, error)
	ClaimDiscount(ctx context.Context, email string, discount decimal.Decimal) (*ledger.DiscountResult, error)
}

// RemovalNotifier is told when a customer drops a loyalty line from their cart.
type RemovalNotifier interface {
	LoyaltyLineRemoved(ctx context.Context, email, sku string, quantity int)
}

// Options configure coupon rule provisioning and feature gating.
type Options struct {
	WebsiteID        int
	CustomerGroupIDs []int
	Features         *features.Manager
	Notifier         RemovalNotifier
}

// Reconciler keeps the storefront cart consistent with the loyalty ledger.
// Every customer-facing operation returns a models.Result and never an error.
type Reconciler struct {
	store  Store
	ledger Ledger
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
	locks  *keyedMutex
}

// NewReconciler creates a new reconciler.
func NewReconciler(store Store, ledger Ledger, opts Options, logger *zap.Logger) *Reconciler {
	if opts.WebsiteID == 0 {
		opts.WebsiteID = 1
	}
	if len(opts.CustomerGroupIDs) == 0 {
		opts.CustomerGroupIDs = []int{0, 1, 2, 3}
	}
	return &Reconciler{
		store:  store,
		ledger: ledger,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("loyaltyshop/service"),
		locks:  newKeyedMutex(),
	}
}

func (r *Reconciler) moduleEnabled() bool {
	return r.opts.Features == nil || r.opts.Features.IsEnabled(features.FeatureModuleEnabled)
}

// startSpan opens the operation span. The first operation of a request also
// logs the settings it runs under.
func (r *Reconciler) startSpan(ctx context.Context, name string, customerID int64) (context.Context, trace.Span) {
	requestctx.From(ctx).LogEnvironmentOnce(r.logger,
		zap.Int("website_id", r.opts.WebsiteID),
		zap.Ints("customer_group_ids", r.opts.CustomerGroupIDs),
		zap.Bool("module_enabled", r.moduleEnabled()),
	)
	return r.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("customer.id", customerID)))
}

func success(message string) models.Result {
	return models.Result{Success: true, Message: message}
}

func failure(span trace.Span, message string, cause error) models.Result {
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, message)
	}
	return models.Result{Success: false, Message: message, Cause: cause}
}

// getOrCreateCart returns the customer's active cart, creating one if needed.
func (r *Reconciler) getOrCreateCart(ctx context.Context, customer *models.Customer) (*models.Cart, error) {
	cart, err := r.store.GetActiveCart(ctx, customer.ID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, apperr.NotFound) {
		return nil, err
	}
	return r.store.CreateCart(ctx, customer)
}

// persist enforces locked quantities on every loyalty line, recomputes
// totals and saves the cart.
func (r *Reconciler) persist(ctx context.Context, cart *models.Cart) error {
	for _, line := range cart.Lines {
		if EnforceLockedQuantity(line) {
			r.logger.Warn("loyalty line quantity reverted",
				zap.Int64("cart_id", cart.ID),
				zap.Int64("line_id", line.ID),
				zap.String("sku", line.SKU),
				zap.Stringer("matched_by", classifier.Match(line)),
				zap.Int("persisted_quantity", line.OrigQty),
			)
		}
		if classifier.PriceAnomaly(line) {
			r.logger.Warn("loyalty line has non-zero custom price",
				zap.Int64("cart_id", cart.ID),
				zap.String("sku", line.SKU),
				zap.String("custom_price", line.CustomPrice.Decimal.String()),
			)
		}
	}

	rule, err := r.appliedRule(ctx, cart)
	if err != nil {
		return err
	}
	cart.CollectTotals(rule)
	return r.store.SaveCart(ctx, cart)
}

func (r *Reconciler) appliedRule(ctx context.Context, cart *models.Cart) (*models.CouponRule, error) {
	if cart.CouponCode == "" {
		return nil, nil
	}
	rule, err := r.store.FindCouponRuleByCode(ctx, cart.CouponCode)
	if errors.Is(err, apperr.NotFound) {
		return nil, nil
	}
	return rule, err
}

// logDivergence records a local failure after the ledger already accepted
// the change.
func (r *Reconciler) logDivergence(op string, customer *models.Customer, sku string, err error) {
	r.logger.Error("cart persist failed after ledger success",
		zap.String("op", op),
		zap.Int64("customer_id", customer.ID),
		zap.String("email", customer.Email),
		zap.String("sku", sku),
		zap.Bool("divergence", true),
		zap.Error(err),
	)
}

// keyedMutex serializes cart mutations per customer within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedLock)}
}

func (k *keyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
