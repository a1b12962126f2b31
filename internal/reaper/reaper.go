// Package reaper clears loyalty lines from carts that outlived the configured
// expiry window.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/classifier"
	"loyaltyshop/internal/features"
	"loyaltyshop/internal/models"
)

// Store is the cart storage the reaper scans and updates.
type Store interface {
	ListExpiredCarts(ctx context.Context, cutoff time.Time) ([]*models.Cart, error)
	FindCouponRuleByCode(ctx context.Context, code string) (*models.CouponRule, error)
	SaveCart(ctx context.Context, cart *models.Cart) error
}

// Ledger empties a customer's ledger cart.
type Ledger interface {
	RemoveAllItems(ctx context.Context, email string) (int, error)
}

// Config controls a reaper pass.
type Config struct {
	// Expiry is how old a cart must be before its loyalty lines are cleared.
	Expiry time.Duration
	// BestEffort clears local loyalty lines even when the ledger call fails.
	BestEffort bool
}

// Summary reports the outcome of one pass.
type Summary struct {
	Scanned      int `json:"scanned"`
	Affected     int `json:"affected"`
	LinesRemoved int `json:"lines_removed"`
	Failed       int `json:"failed"`
}

// Reaper removes loyalty lines from expired carts. Regular lines are never
// modified.
type Reaper struct {
	store  Store
	ledger Ledger
	cfg    Config
	flags  *features.Manager
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new reaper. flags may be nil.
func New(store Store, ledger Ledger, cfg Config, flags *features.Manager, logger *zap.Logger) *Reaper {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 24 * time.Hour
	}
	return &Reaper{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		flags:  flags,
		logger: logger,
		tracer: otel.Tracer("loyaltyshop/reaper"),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Run performs one pass. Per-cart failures are counted in the summary and
// logged; only a failure to list carts is returned as an error.
func (r *Reaper) Run(ctx context.Context) (Summary, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.run")
	defer span.End()

	var summary Summary
	if r.flags != nil && !r.flags.IsEnabled(features.FeatureModuleEnabled) {
		r.logger.Debug("loyalty module disabled, skipping reaper pass")
		return summary, nil
	}

	cutoff := r.now().UTC().Add(-r.cfg.Expiry)
	carts, err := r.store.ListExpiredCarts(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("failed to list expired carts: %w", err)
	}

	for _, cart := range carts {
		summary.Scanned++
		removed, err := r.reapCart(ctx, cart)
		if err != nil {
			summary.Failed++
			r.logger.Error("failed to reap cart",
				zap.Int64("cart_id", cart.ID),
				zap.Int64("customer_id", cart.CustomerID),
				zap.String("email", cart.CustomerEmail),
				zap.Error(err),
			)
			continue
		}
		if removed > 0 {
			summary.Affected++
			summary.LinesRemoved += removed
		}
	}

	span.SetAttributes(
		attribute.Int("carts.scanned", summary.Scanned),
		attribute.Int("carts.affected", summary.Affected),
		attribute.Int("lines.removed", summary.LinesRemoved),
	)
	r.logger.Info("expired loyalty carts reaped",
		zap.Time("cutoff", cutoff),
		zap.Int("scanned", summary.Scanned),
		zap.Int("affected", summary.Affected),
		zap.Int("lines_removed", summary.LinesRemoved),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (r *Reaper) reapCart(ctx context.Context, cart *models.Cart) (int, error) {
	loyalty, regular := classifier.Partition(cart.Lines)
	if len(loyalty) == 0 {
		return 0, nil
	}

	if err := r.clearLedger(ctx, cart.CustomerEmail); err != nil {
		if !r.cfg.BestEffort {
			return 0, err
		}
		r.logger.Warn("ledger cleanup failed, clearing local loyalty lines anyway",
			zap.Int64("cart_id", cart.ID),
			zap.String("email", cart.CustomerEmail),
			zap.Error(err),
		)
	}

	cart.Lines = regular
	rule, err := r.couponRule(ctx, cart)
	if err != nil {
		return 0, err
	}
	cart.CollectTotals(rule)
	if err := r.store.SaveCart(ctx, cart); err != nil {
		return 0, err
	}

	skus := make([]string, 0, len(loyalty))
	matchedBy := make([]string, 0, len(loyalty))
	for _, line := range loyalty {
		skus = append(skus, line.SKU)
		matchedBy = append(matchedBy, classifier.Match(line).String())
	}
	r.logger.Info("loyalty lines removed from expired cart",
		zap.Int64("cart_id", cart.ID),
		zap.String("email", cart.CustomerEmail),
		zap.Strings("skus", skus),
		zap.Strings("matched_by", matchedBy),
	)
	return len(loyalty), nil
}

func (r *Reaper) clearLedger(ctx context.Context, email string) error {
	status, err := r.ledger.RemoveAllItems(ctx, email)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apperr.New(apperr.KindEligibility, "ledger.remove_all_items", fmt.Sprintf("status %d", status))
	}
	return nil
}

func (r *Reaper) couponRule(ctx context.Context, cart *models.Cart) (*models.CouponRule, error) {
	if cart.CouponCode == "" {
		return nil, nil
	}
	rule, err := r.store.FindCouponRuleByCode(ctx, cart.CouponCode)
	if errors.Is(err, apperr.NotFound) {
		return nil, nil
	}
	return rule, err
}
