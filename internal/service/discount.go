package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/models"
	"loyaltyshop/internal/validation"
)

const (
	msgClaimAddFailed = "Failed to add product to loyalty cart."
	msgNoCode         = "No discount code returned from LoyaltyEngage."
	msgCodeTooLong    = "Discount code is too long."
	msgClaimFailed    = "An unexpected error occurred while applying the discount."
)

var (
	packedThreshold = decimal.NewFromInt(1000)
	hundred         = decimal.NewFromInt(100)
)

// NormalizeDiscount decodes the ledger's packed discount convention: values
// above 1000 carry the real amount in their last two integer digits
// (1015 means 15). Other values are returned unchanged.
func NormalizeDiscount(value decimal.Decimal) decimal.Decimal {
	if value.GreaterThan(packedThreshold) {
		return value.Floor().Mod(hundred)
	}
	return value
}

// ClaimDiscount adds sku to the ledger cart, redeems points for a discount
// code, makes sure a coupon rule exists for that code and applies it to the
// customer's cart.
func (r *Reconciler) ClaimDiscount(ctx context.Context, customerID int64, discount decimal.Decimal, sku string) models.Result {
	const op = "loyalty.claim_discount"
	ctx, span := r.startSpan(ctx, op, customerID)
	defer span.End()
	span.SetAttributes(attribute.String("sku", sku), attribute.String("discount", discount.String()))

	if !r.moduleEnabled() {
		return failure(span, msgModuleDisabled, nil)
	}
	sku, err := validation.ValidateSKU(sku, "sku")
	if err == nil {
		err = validation.ValidateDiscount(discount)
	}
	if err != nil {
		return failure(span, "SKU and discount amount are required.", apperr.Wrap(apperr.KindValidation, op, err))
	}

	unlock := r.locks.Lock(customerID)
	defer unlock()

	customer, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		return failure(span, msgClaimFailed, err)
	}

	status, err := r.ledger.AddToCart(ctx, customer.Email, sku)
	if err != nil {
		return failure(span, msgClaimAddFailed, err)
	}
	if status != http.StatusOK {
		return failure(span, msgClaimAddFailed,
			apperr.New(apperr.KindEligibility, "ledger.add_to_cart", fmt.Sprintf("status %d", status)))
	}

	amount := NormalizeDiscount(discount)
	claim, err := r.ledger.ClaimDiscount(ctx, customer.Email, amount)
	if err != nil {
		r.logger.Warn("discount claim failed",
			zap.String("email", customer.Email),
			zap.String("discount", amount.String()),
			zap.Error(err),
		)
		return failure(span, msgNoCode, err)
	}

	if echoed, ok := claim.Amount(); ok && !echoed.Equal(amount) {
		r.logger.Warn("ledger echoed a different discount amount",
			zap.String("email", customer.Email),
			zap.String("requested", amount.String()),
			zap.String("echoed", echoed.String()),
		)
	}

	if err := validation.ValidateDiscountCode(claim.DiscountCode); err != nil {
		return failure(span, msgCodeTooLong, apperr.Wrap(apperr.KindUpstream, op, err))
	}

	rule, err := r.EnsureCouponRule(ctx, claim.DiscountCode, amount, true)
	if err != nil {
		r.logDivergence("claim_discount", customer, sku, err)
		return failure(span, msgClaimFailed, err)
	}

	cart, err := r.getOrCreateCart(ctx, customer)
	if err != nil {
		r.logDivergence("claim_discount", customer, sku, err)
		return failure(span, msgClaimFailed, err)
	}
	cart.CouponCode = rule.Code
	if err := r.persist(ctx, cart); err != nil {
		r.logDivergence("claim_discount", customer, sku, err)
		return failure(span, msgClaimFailed, err)
	}

	r.logger.Info("loyalty discount applied",
		zap.Int64("customer_id", customerID),
		zap.String("email", customer.Email),
		zap.String("code", rule.Code),
		zap.String("amount", amount.String()),
	)
	return success(fmt.Sprintf("Product added and discount code '%s' applied.", rule.Code))
}

// EnsureCouponRule returns the rule for code, creating it when missing. An
// empty code gets a generated LOYALTY-XXXXXXXX code. Rules are single use,
// active from today, and scoped to the configured website and customer
// groups.
func (r *Reconciler) EnsureCouponRule(ctx context.Context, code string, amount decimal.Decimal, forceFixedAmount bool) (*models.CouponRule, error) {
	if code == "" {
		code = "LOYALTY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}

	existing, err := r.store.FindCouponRuleByCode(ctx, code)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.NotFound) {
		return nil, err
	}

	action := models.ActionByPercent
	if forceFixedAmount {
		action = models.ActionCartFixed
	}
	rule := &models.CouponRule{
		Name:             "LoyaltyEngage Auto Rule " + code,
		Description:      "Auto-generated from LoyaltyEngage",
		Code:             code,
		SimpleAction:     action,
		DiscountAmount:   amount,
		UsesPerCustomer:  1,
		UsesPerCoupon:    1,
		CouponType:       models.CouponTypeSpecific,
		CustomerGroupIDs: r.opts.CustomerGroupIDs,
		WebsiteIDs:       []int{r.opts.WebsiteID},
		IsActive:         true,
		FromDate:         time.Now().UTC().Truncate(24 * time.Hour),
	}
	created, err := r.store.CreateCouponRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	r.logger.Info("coupon rule created",
		zap.String("code", created.Code),
		zap.String("action", string(created.SimpleAction)),
		zap.String("amount", created.DiscountAmount.String()),
	)
	return created, nil
}
