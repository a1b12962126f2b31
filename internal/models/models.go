package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineKind is the authoritative classification written when a line is created.
// Lines persisted before the field existed carry LineKindUnset and are
// classified from their legacy markers instead.
type LineKind string

const (
	LineKindUnset   LineKind = ""
	LineKindRegular LineKind = "regular"
	LineKindLoyalty LineKind = "loyalty"
)

// Customer is a registered storefront customer. Guest carts never reach the
// loyalty core.
type Customer struct {
	ID      int64  `json:"id" db:"id"`
	Email   string `json:"email" db:"email"`
	GroupID int    `json:"group_id" db:"group_id"`
}

// Product is the catalog view the reconciler needs.
type Product struct {
	ID      int64           `json:"id" db:"id"`
	SKU     string          `json:"sku" db:"sku"`
	Name    string          `json:"name" db:"name"`
	Price   decimal.Decimal `json:"price" db:"price"`
	Status  int             `json:"status" db:"status"` // 1 = enabled
	Salable bool            `json:"salable" db:"salable"`
}

// ProductStatusEnabled mirrors the catalog's "enabled" status value.
const ProductStatusEnabled = 1

// CartLine is a single quote item.
type CartLine struct {
	ID          int64               `json:"id"`
	CartID      int64               `json:"cart_id"`
	SKU         string              `json:"sku"`
	ProductID   int64               `json:"product_id"`
	Name        string              `json:"name"`
	Quantity    int                 `json:"quantity"`
	OrigQty     int                 `json:"-"` // quantity as last loaded from storage
	UnitPrice   decimal.Decimal     `json:"unit_price"`
	CustomPrice decimal.NullDecimal `json:"custom_price"`
	Kind        LineKind            `json:"kind"`
	Options     map[string]string   `json:"options,omitempty"` // typed options keyed by code
	Data        map[string]any      `json:"data,omitempty"`    // raw item data fields
}

// EffectivePrice is the custom price when set, otherwise the unit price.
func (l *CartLine) EffectivePrice() decimal.Decimal {
	if l.CustomPrice.Valid {
		return l.CustomPrice.Decimal
	}
	return l.UnitPrice
}

// RowTotal is EffectivePrice * Quantity.
func (l *CartLine) RowTotal() decimal.Decimal {
	return l.EffectivePrice().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is a customer's quote.
type Cart struct {
	ID            int64           `json:"id"`
	CustomerID    int64           `json:"customer_id"`
	CustomerEmail string          `json:"customer_email"`
	IsActive      bool            `json:"is_active"`
	CouponCode    string          `json:"coupon_code,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	Lines         []*CartLine     `json:"lines"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FindBySKU returns the first line with the given SKU.
func (c *Cart) FindBySKU(sku string) *CartLine {
	for _, line := range c.Lines {
		if line.SKU == sku {
			return line
		}
	}
	return nil
}

// FindByID returns the line with the given id.
func (c *Cart) FindByID(id int64) *CartLine {
	for _, line := range c.Lines {
		if line.ID == id {
			return line
		}
	}
	return nil
}

// RemoveLine drops the line pointer from the cart.
func (c *Cart) RemoveLine(target *CartLine) {
	kept := c.Lines[:0]
	for _, line := range c.Lines {
		if line != target {
			kept = append(kept, line)
		}
	}
	c.Lines = kept
}

// CollectTotals recomputes subtotal and grand total. rule may be nil when no
// coupon is applied.
func (c *Cart) CollectTotals(rule *CouponRule) {
	subtotal := decimal.Zero
	for _, line := range c.Lines {
		subtotal = subtotal.Add(line.RowTotal())
	}
	c.Subtotal = subtotal
	c.Discount = decimal.Zero
	if rule != nil && rule.IsActive && c.CouponCode == rule.Code {
		c.Discount = rule.DiscountFor(subtotal)
	}
	c.GrandTotal = subtotal.Sub(c.Discount)
}

// SimpleAction is the coupon discount type.
type SimpleAction string

const (
	ActionByPercent SimpleAction = "by_percent"
	ActionCartFixed SimpleAction = "cart_fixed"
)

// CouponTypeSpecific means the rule is redeemed with a specific coupon code.
const CouponTypeSpecific = 2

// CouponRule is a cart price rule keyed by its coupon code.
type CouponRule struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Code             string          `json:"code"`
	SimpleAction     SimpleAction    `json:"simple_action"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	UsesPerCustomer  int             `json:"uses_per_customer"`
	UsesPerCoupon    int             `json:"uses_per_coupon"`
	CouponType       int             `json:"coupon_type"`
	CustomerGroupIDs []int           `json:"customer_group_ids"`
	WebsiteIDs       []int           `json:"website_ids"`
	IsActive         bool            `json:"is_active"`
	FromDate         time.Time       `json:"from_date"`
}

// DiscountFor computes the discount this rule grants on subtotal, never more
// than the subtotal itself.
func (r *CouponRule) DiscountFor(subtotal decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch r.SimpleAction {
	case ActionCartFixed:
		d = r.DiscountAmount
	case ActionByPercent:
		d = subtotal.Mul(r.DiscountAmount).Div(decimal.NewFromInt(100)).Round(2)
	}
	if d.GreaterThan(subtotal) {
		return subtotal
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Order is the subset of a sales order the export jobs need.
type Order struct {
	ID              int64       `json:"id"`
	IncrementID     string      `json:"increment_id"`
	CustomerEmail   string      `json:"customer_email"`
	Status          string      `json:"status"`
	OrigStatus      string      `json:"orig_status,omitempty"`
	LoyaltyPlaced   bool        `json:"loyalty_placed"`
	LoyaltyAttempts int         `json:"loyalty_attempts"`
	Items           []OrderItem `json:"items"`
	CreatedAt       time.Time   `json:"created_at"`
}

// OrderStatusComplete is the status that triggers purchase exports.
const OrderStatusComplete = "complete"

// OrderItem is a visible order line.
type OrderItem struct {
	SKU      string          `json:"sku"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// CreditMemo is a refund document for a return.
type CreditMemo struct {
	OrderIncrementID string      `json:"order_increment_id"`
	CustomerEmail    string      `json:"customer_email"`
	Items            []OrderItem `json:"items"`
	CreatedAt        time.Time   `json:"created_at"`
}

// ReviewStatusApproved is the only review status that is exported.
const ReviewStatusApproved = 1

// Review is a product review.
type Review struct {
	ID         int64  `json:"id" db:"id"`
	CustomerID int64  `json:"customer_id" db:"customer_id"`
	ProductID  int64  `json:"product_id" db:"product_id"`
	Nickname   string `json:"nickname" db:"nickname"`
	Title      string `json:"title" db:"title"`
	Detail     string `json:"detail" db:"detail"`
	StatusID   int    `json:"status_id" db:"status_id"`
}

// ShippingRate is a carrier quote.
type ShippingRate struct {
	Carrier string          `json:"carrier"`
	Method  string          `json:"method"`
	Price   decimal.Decimal `json:"price"`
	Cost    decimal.Decimal `json:"cost"`
}

// Result is the uniform outcome of a customer-facing loyalty operation.
// Cause keeps the structured reason for logs and tests only.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// AddProductRequest is the body of POST /loyalty/carts/{customer_id}/items.
type AddProductRequest struct {
	SKU string `json:"sku"`
}

// AddProductsRequest is the body of POST /loyalty/carts/{customer_id}/items/batch.
type AddProductsRequest struct {
	SKUs []string `json:"skus"`
}

// ClaimDiscountRequest is the body of POST /loyalty/carts/{customer_id}/discount.
type ClaimDiscountRequest struct {
	Discount decimal.Decimal `json:"discount"`
	SKU      string          `json:"sku"`
}

// UpdateQuantitiesRequest maps line ids to requested quantities.
type UpdateQuantitiesRequest struct {
	Items map[int64]int `json:"items"`
}

// UpdateQuantitiesResponse reports the cart after an update.
type UpdateQuantitiesResponse struct {
	Result
	Enforced int `json:"enforced"`
}

// CartLineView is a cart line annotated for rendering.
type CartLineView struct {
	ID       int64           `json:"id"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	RowTotal decimal.Decimal `json:"row_total"`
	Locked   bool            `json:"locked"`
}

// CartView is the storefront representation of a cart.
type CartView struct {
	CustomerID int64           `json:"customer_id"`
	CouponCode string          `json:"coupon_code,omitempty"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	Lines      []CartLineView  `json:"lines"`
}

// ShippingRatesRequest is the body of POST /shipping/rates.
type ShippingRatesRequest struct {
	Email string         `json:"email"`
	Rates []ShippingRate `json:"rates"`
}

// ShippingRatesResponse returns rates after loyalty entitlements.
type ShippingRatesResponse struct {
	FreeShipping bool           `json:"free_shipping"`
	Rates        []ShippingRate `json:"rates"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
