package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/classifier"
	"loyaltyshop/internal/models"
	"loyaltyshop/internal/validation"
)

const (
	msgModuleDisabled   = "LoyaltyEngage module is disabled. No action taken."
	msgNotEligible      = "Product could not be added. User is not eligible."
	msgInvalidProduct   = "Invalid or unavailable product."
	msgAddFailed        = "An error occurred while adding the product."
	msgAdded            = "Product added to loyalty cart successfully."
	msgAddNoneAdded     = "Failed to add any products to the cart."
	msgAddManyFailed    = "An error occurred while adding the products."
	msgRemoveNotAllowed = "Product could not be removed. User is not eligible."
	msgRemoveFailed     = "An error occurred while removing the product."
	msgRemoved          = "Product removed successfully."
	msgRemovedAll       = "Product removal notification sent successfully."
	msgNoActiveCart     = "No active cart found."
	msgUpdateFailed     = "An error occurred while updating the cart."
	msgUpdated          = "Cart updated successfully."
)

// AddProduct grants one unit of sku to the customer's cart after the ledger
// accepts it. A sku already in the cart is a successful no-op.
func (r *Reconciler) AddProduct(ctx context.Context, customerID int64, sku string) models.Result {
	ctx, span := r.startSpan(ctx, "loyalty.add_product", customerID)
	defer span.End()
	span.SetAttributes(attribute.String("sku", sku))

	if !r.moduleEnabled() {
		return failure(span, msgModuleDisabled, nil)
	}
	sku, err := validation.ValidateSKU(sku, "sku")
	if err != nil {
		return failure(span, "customerId and SKU are required.", apperr.Wrap(apperr.KindValidation, "loyalty.add_product", err))
	}

	unlock := r.locks.Lock(customerID)
	defer unlock()

	customer, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		r.logger.Error("customer lookup failed", zap.Int64("customer_id", customerID), zap.Error(err))
		return failure(span, msgAddFailed, err)
	}

	product, res, ok := r.grant(ctx, span, customer, sku)
	if !ok {
		return res
	}

	cart, err := r.getOrCreateCart(ctx, customer)
	if err != nil {
		r.logDivergence("add_product", customer, sku, err)
		return failure(span, msgAddFailed, err)
	}
	appendLoyaltyLine(cart, product)

	if err := r.persist(ctx, cart); err != nil {
		r.logDivergence("add_product", customer, sku, err)
		return failure(span, msgAddFailed, err)
	}

	r.logger.Info("loyalty product added",
		zap.Int64("customer_id", customerID),
		zap.String("email", customer.Email),
		zap.String("sku", sku),
	)
	return success(msgAdded)
}

// grant asks the ledger to add sku and checks the product is sellable. The
// returned bool is false when the sku was rejected.
func (r *Reconciler) grant(ctx context.Context, span trace.Span, customer *models.Customer, sku string) (*models.Product, models.Result, bool) {
	status, err := r.ledger.AddToCart(ctx, customer.Email, sku)
	if err != nil {
		return nil, failure(span, msgAddFailed, err), false
	}
	if status != http.StatusOK {
		cause := apperr.New(apperr.KindEligibility, "ledger.add_to_cart", fmt.Sprintf("status %d", status))
		return nil, failure(span, msgNotEligible, cause), false
	}

	product, err := r.store.GetProduct(ctx, sku)
	if err != nil || !isValidProduct(product) {
		if err == nil {
			err = apperr.New(apperr.KindValidation, "catalog.get_product", "product not salable or disabled")
		}
		r.logger.Warn("ledger accepted an unavailable product",
			zap.String("email", customer.Email),
			zap.String("sku", sku),
			zap.Error(err),
		)
		return nil, failure(span, msgInvalidProduct, err), false
	}
	return product, models.Result{}, true
}

// appendLoyaltyLine adds a marked zero-price line unless the sku is already
// in the cart.
func appendLoyaltyLine(cart *models.Cart, product *models.Product) {
	if cart.FindBySKU(product.SKU) != nil {
		return
	}
	line := &models.CartLine{
		SKU:       product.SKU,
		ProductID: product.ID,
		Name:      product.Name,
		Quantity:  LockedQuantity,
		UnitPrice: product.Price,
	}
	classifier.Mark(line)
	cart.Lines = append(cart.Lines, line)
}

func isValidProduct(p *models.Product) bool {
	return p != nil && p.Salable && p.Status == models.ProductStatusEnabled
}

// AddMultipleProducts adds each sku independently. It succeeds when at least
// one sku was added and lists the failed ones in the message.
func (r *Reconciler) AddMultipleProducts(ctx context.Context, customerID int64, skus []string) models.Result {
	ctx, span := r.startSpan(ctx, "loyalty.add_multiple_products", customerID)
	defer span.End()
	span.SetAttributes(attribute.Int("skus", len(skus)))

	if !r.moduleEnabled() {
		return failure(span, msgModuleDisabled, nil)
	}
	skus, err := validation.ValidateSKUs(skus)
	if err != nil {
		return failure(span, "customerId and SKUs are required.", apperr.Wrap(apperr.KindValidation, "loyalty.add_multiple_products", err))
	}

	unlock := r.locks.Lock(customerID)
	defer unlock()

	customer, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		return failure(span, msgAddManyFailed, err)
	}

	var granted []*models.Product
	var failed []string
	var lastCause error
	for _, sku := range skus {
		product, res, ok := r.grant(ctx, span, customer, sku)
		if !ok {
			failed = append(failed, sku)
			lastCause = res.Cause
			r.logger.Warn("loyalty product not added",
				zap.Int64("customer_id", customerID),
				zap.String("sku", sku),
				zap.Error(res.Cause),
			)
			continue
		}
		granted = append(granted, product)
	}

	if len(granted) == 0 {
		return failure(span, msgAddNoneAdded, lastCause)
	}

	cart, err := r.getOrCreateCart(ctx, customer)
	if err != nil {
		r.logDivergence("add_multiple_products", customer, strings.Join(skus, ","), err)
		return failure(span, msgAddManyFailed, err)
	}
	for _, product := range granted {
		appendLoyaltyLine(cart, product)
	}

	if err := r.persist(ctx, cart); err != nil {
		r.logDivergence("add_multiple_products", customer, strings.Join(skus, ","), err)
		return failure(span, msgAddManyFailed, err)
	}

	message := fmt.Sprintf("Successfully added %d product(s) to the cart.", len(granted))
	if len(failed) > 0 {
		message += " Failed to add: " + strings.Join(failed, ", ")
	}
	return success(message)
}

// RemoveProduct removes quantity units of sku from the ledger and then from
// the cart, dropping the line when nothing remains.
func (r *Reconciler) RemoveProduct(ctx context.Context, customerID int64, sku string, quantity int) models.Result {
	ctx, span := r.startSpan(ctx, "loyalty.remove_product", customerID)
	defer span.End()
	span.SetAttributes(attribute.String("sku", sku), attribute.Int("quantity", quantity))

	if !r.moduleEnabled() {
		return success(msgModuleDisabled)
	}
	sku, err := validation.ValidateSKU(sku, "sku")
	if err != nil || quantity <= 0 {
		if err == nil {
			err = &validation.ValidationError{Field: "quantity", Message: "must be positive"}
		}
		return failure(span, msgRemoveFailed, apperr.Wrap(apperr.KindValidation, "loyalty.remove_product", err))
	}

	unlock := r.locks.Lock(customerID)
	defer unlock()

	customer, cart, res, ok := r.loadExisting(ctx, span, customerID, msgRemoveFailed)
	if !ok {
		return res
	}

	status, err := r.ledger.RemoveItem(ctx, customer.Email, sku, quantity)
	if err != nil {
		return failure(span, msgRemoveFailed, err)
	}
	if status != http.StatusOK {
		return failure(span, msgRemoveNotAllowed,
			apperr.New(apperr.KindEligibility, "ledger.remove_item", fmt.Sprintf("status %d", status)))
	}

	if line := cart.FindBySKU(sku); line != nil {
		if line.Quantity > quantity {
			line.Quantity -= quantity
		} else {
			cart.RemoveLine(line)
		}
		if err := r.persist(ctx, cart); err != nil {
			r.logDivergence("remove_product", customer, sku, err)
			return failure(span, msgRemoveFailed, err)
		}
	}
	return success(msgRemoved)
}

// RemoveAllProducts empties the ledger cart and then every line of the
// local cart.
func (r *Reconciler) RemoveAllProducts(ctx context.Context, customerID int64) models.Result {
	ctx, span := r.startSpan(ctx, "loyalty.remove_all_products", customerID)
	defer span.End()

	if !r.moduleEnabled() {
		return success(msgModuleDisabled)
	}

	unlock := r.locks.Lock(customerID)
	defer unlock()

	customer, cart, res, ok := r.loadExisting(ctx, span, customerID, msgRemoveFailed)
	if !ok {
		return res
	}

	status, err := r.ledger.RemoveAllItems(ctx, customer.Email)
	if err != nil {
		return failure(span, msgRemoveFailed, err)
	}
	if status != http.StatusOK {
		return failure(span, msgRemoveNotAllowed,
			apperr.New(apperr.KindEligibility, "ledger.remove_all_items", fmt.Sprintf("status %d", status)))
	}

	cart.Lines = cart.Lines[:0]
	if err := r.persist(ctx, cart); err != nil {
		r.logDivergence("remove_all_products", customer, "", err)
		return failure(span, msgRemoveFailed, err)
	}
	return success(msgRemovedAll)
}

// RemoveLine deletes a line the customer dropped from their cart. Loyalty
// lines are reported to the notifier so the ledger can be updated
// asynchronously.
func (r *Reconciler) RemoveLine(ctx context.Context, customerID, lineID int64) models.Result {
	ctx, span := r.startSpan(ctx, "loyalty.remove_line", customerID)
	defer span.End()
	span.SetAttributes(attribute.Int64("line.id", lineID))

	unlock := r.locks.Lock(customerID)
	defer unlock()

	customer, cart, res, ok := r.loadExisting(ctx, span, customerID, msgRemoveFailed)
	if !ok {
		return res
	}

	line := cart.FindByID(lineID)
	if line == nil {
		return failure(span, msgRemoveFailed, apperr.New(apperr.KindNotFound, "loyalty.remove_line", fmt.Sprintf("line %d not in cart", lineID)))
	}
	loyalty := classifier.IsLoyaltyLine(line)
	cart.RemoveLine(line)

	if err := r.persist(ctx, cart); err != nil {
		r.logger.Error("cart persist failed", zap.Int64("customer_id", customerID), zap.Error(err))
		return failure(span, msgRemoveFailed, err)
	}

	if loyalty && r.opts.Notifier != nil && r.moduleEnabled() {
		r.opts.Notifier.LoyaltyLineRemoved(ctx, customer.Email, line.SKU, line.Quantity)
	}
	return success(msgRemoved)
}

// UpdateQuantities applies a cart update request. Loyalty lines stay at
// LockedQuantity whatever was requested; regular lines requested at zero are
// removed. Unknown line ids are ignored.
func (r *Reconciler) UpdateQuantities(ctx context.Context, customerID int64, items map[int64]int) models.UpdateQuantitiesResponse {
	ctx, span := r.startSpan(ctx, "loyalty.update_quantities", customerID)
	defer span.End()

	if err := validation.ValidateQuantities(models.UpdateQuantitiesRequest{Items: items}); err != nil {
		return models.UpdateQuantitiesResponse{
			Result: failure(span, msgUpdateFailed, apperr.Wrap(apperr.KindValidation, "loyalty.update_quantities", err)),
		}
	}

	unlock := r.locks.Lock(customerID)
	defer unlock()

	_, cart, res, ok := r.loadExisting(ctx, span, customerID, msgUpdateFailed)
	if !ok {
		return models.UpdateQuantitiesResponse{Result: res}
	}

	enforced := 0
	for id, qty := range items {
		line := cart.FindByID(id)
		if line == nil {
			r.logger.Debug("update for unknown cart line", zap.Int64("line_id", id))
			continue
		}
		if classifier.IsLoyaltyLine(line) {
			line.Quantity = qty
			if EnforceLockedQuantity(line) {
				enforced++
			}
			continue
		}
		if qty == 0 {
			cart.RemoveLine(line)
			continue
		}
		line.Quantity = qty
	}

	if err := r.persist(ctx, cart); err != nil {
		r.logger.Error("cart persist failed", zap.Int64("customer_id", customerID), zap.Error(err))
		return models.UpdateQuantitiesResponse{Result: failure(span, msgUpdateFailed, err)}
	}
	if enforced > 0 {
		r.logger.Info("loyalty quantities enforced",
			zap.Int64("customer_id", customerID),
			zap.Int("enforced", enforced),
		)
	}
	return models.UpdateQuantitiesResponse{Result: success(msgUpdated), Enforced: enforced}
}

// GetLoyaltyCart returns the customer's cart with every line flagged as
// locked or not. A customer without a cart gets an empty view.
func (r *Reconciler) GetLoyaltyCart(ctx context.Context, customerID int64) (*models.CartView, error) {
	ctx, span := r.startSpan(ctx, "loyalty.get_cart", customerID)
	defer span.End()

	view := &models.CartView{CustomerID: customerID, Lines: []models.CartLineView{}}
	cart, err := r.store.GetActiveCart(ctx, customerID)
	if errors.Is(err, apperr.NotFound) {
		if _, err := r.store.GetCustomer(ctx, customerID); err != nil {
			return nil, err
		}
		return view, nil
	}
	if err != nil {
		return nil, err
	}

	view.CouponCode = cart.CouponCode
	view.Subtotal = cart.Subtotal
	view.Discount = cart.Discount
	view.GrandTotal = cart.GrandTotal
	for _, line := range cart.Lines {
		view.Lines = append(view.Lines, models.CartLineView{
			ID:       line.ID,
			SKU:      line.SKU,
			Name:     line.Name,
			Quantity: line.Quantity,
			Price:    line.EffectivePrice(),
			RowTotal: line.RowTotal(),
			Locked:   classifier.IsLoyaltyLine(line),
		})
	}
	return view, nil
}

// loadExisting resolves the customer and their active cart without creating
// one.
func (r *Reconciler) loadExisting(ctx context.Context, span trace.Span, customerID int64, failMsg string) (*models.Customer, *models.Cart, models.Result, bool) {
	customer, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, nil, failure(span, failMsg, err), false
	}
	cart, err := r.store.GetActiveCart(ctx, customerID)
	if errors.Is(err, apperr.NotFound) {
		return nil, nil, failure(span, msgNoActiveCart, err), false
	}
	if err != nil {
		return nil, nil, failure(span, failMsg, err), false
	}
	return customer, cart, models.Result{}, true
}
