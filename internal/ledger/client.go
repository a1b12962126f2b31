package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
)

// DefaultTimeout bounds every ledger call.
const DefaultTimeout = 10 * time.Second

// Config holds the ledger connection settings.
type Config struct {
	BaseURL     string
	TenantID    string
	BearerToken string
	Timeout     time.Duration
}

// Client talks to the LoyaltyEngage REST API. Every call is one-shot: there is
// no retry, and any transport error or unexpected status is a failure.
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewClient creates a new ledger client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > DefaultTimeout {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		authHeader: BasicAuth(cfg.TenantID, cfg.BearerToken),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
		tracer: otel.Tracer("loyaltyshop/ledger"),
	}
}

// BasicAuth builds the Authorization header value for a tenant.
func BasicAuth(tenantID, bearerToken string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(tenantID+":"+bearerToken))
}

// Product is a sku/quantity pair in cart and purchase payloads.
type Product struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type cartItemRequest struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type purchaseRequest struct {
	OrderID  string    `json:"orderId"`
	Products []Product `json:"products"`
}

type discountRequest struct {
	Discount json.Number `json:"discount"`
}

// DiscountResult is the ledger's answer to a discount claim. Only the code is
// required; the echoed discount is kept raw because its shape varies.
type DiscountResult struct {
	DiscountCode string          `json:"discountCode"`
	Discount     json.RawMessage `json:"discount,omitempty"`
}

// Amount returns the echoed discount when it is a JSON number or numeric
// string.
func (d *DiscountResult) Amount() (decimal.Decimal, bool) {
	raw := bytes.TrimSpace(d.Discount)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, false
	}
	var amount decimal.Decimal
	if err := amount.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

type loyaltyStatus struct {
	CurrentTier *string `json:"currentTier"`
}

// response is the raw outcome of one call.
type response struct {
	StatusCode int
	Body       []byte
}

func shopPath(email, suffix string) string {
	return "/api/v1/loyalty/shop/" + url.PathEscape(email) + suffix
}

// AddToCart mirrors a loyalty cart add. Quantity is always 1.
func (c *Client) AddToCart(ctx context.Context, email, sku string) (int, error) {
	resp, err := c.do(ctx, "ledger.add_to_cart", http.MethodPost, shopPath(email, "/cart/add"),
		cartItemRequest{SKU: sku, Quantity: 1})
	if err != nil {
		return 0, err
	}
	c.logger.Info("ledger add to cart",
		zap.String("email", email),
		zap.String("sku", sku),
		zap.Int("status", resp.StatusCode),
	)
	return resp.StatusCode, nil
}

// RemoveItem removes quantity units of sku from the ledger cart.
func (c *Client) RemoveItem(ctx context.Context, email, sku string, quantity int) (int, error) {
	resp, err := c.do(ctx, "ledger.remove_item", http.MethodDelete, shopPath(email, "/cart/remove"),
		cartItemRequest{SKU: sku, Quantity: quantity})
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// RemoveAllItems empties the ledger cart.
func (c *Client) RemoveAllItems(ctx context.Context, email string) (int, error) {
	resp, err := c.do(ctx, "ledger.remove_all_items", http.MethodDelete, shopPath(email, "/cart"), nil)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// PlaceOrder reports a purchase of loyalty products.
func (c *Client) PlaceOrder(ctx context.Context, email, orderID string, products []Product) (int, error) {
	if products == nil {
		products = []Product{}
	}
	resp, err := c.do(ctx, "ledger.place_order", http.MethodPost, shopPath(email, "/cart/purchase"),
		purchaseRequest{OrderID: orderID, Products: products})
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// ClaimDiscount exchanges points for a discount code. A non-200 status is an
// eligibility error, a 200 without a discountCode an upstream error.
func (c *Client) ClaimDiscount(ctx context.Context, email string, discount decimal.Decimal) (*DiscountResult, error) {
	const op = "ledger.claim_discount"
	resp, err := c.do(ctx, op, http.MethodPost, "/api/v1/discount/"+url.PathEscape(email)+"/claim",
		discountRequest{Discount: json.Number(discount.String())})
	if err != nil {
		return nil, err
	}

	c.logger.Info("ledger discount claim",
		zap.String("email", email),
		zap.String("discount", discount.String()),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindEligibility, op, fmt.Sprintf("status %d", resp.StatusCode))
	}

	var result DiscountResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, op, err)
	}
	if result.DiscountCode == "" {
		return nil, apperr.New(apperr.KindUpstream, op, "no discount code returned")
	}
	return &result, nil
}

// GetLoyaltyTier returns the customer's current tier, or "" when the ledger
// does not report one.
func (c *Client) GetLoyaltyTier(ctx context.Context, email string) (string, error) {
	const op = "ledger.get_loyalty_tier"
	resp, err := c.do(ctx, op, http.MethodGet, "/api/v1/contact/"+url.PathEscape(email)+"/loyalty_status", nil)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.New(apperr.KindEligibility, op, fmt.Sprintf("status %d", resp.StatusCode))
	}

	var status loyaltyStatus
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return "", apperr.Wrap(apperr.KindUpstream, op, err)
	}
	if status.CurrentTier == nil {
		c.logger.Warn("no currentTier in loyalty status", zap.String("email", email))
		return "", nil
	}
	return *status.CurrentTier, nil
}

// SendEvent posts a pre-encoded event envelope (Purchase, Return, Review).
func (c *Client) SendEvent(ctx context.Context, payload json.RawMessage) (int, error) {
	resp, err := c.do(ctx, "ledger.send_event", http.MethodPost, "/api/v1/events", payload)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (*response, error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reader io.Reader
	if body != nil {
		var data []byte
		if raw, ok := body.(json.RawMessage); ok {
			data = raw
		} else {
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("failed to marshal request: %w", err))
			}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("ledger request failed",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, op, fmt.Errorf("failed to read response: %w", err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		c.logger.Warn("ledger returned non-success status",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data),
		)
	}

	return &response{StatusCode: resp.StatusCode, Body: data}, nil
}
