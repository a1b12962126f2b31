package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/events"
	"loyaltyshop/internal/export"
	"loyaltyshop/internal/features"
	"loyaltyshop/internal/models"
	"loyaltyshop/internal/reaper"
	"loyaltyshop/internal/service"
	"loyaltyshop/internal/tier"
	"loyaltyshop/internal/validation"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the HTTP surface drives.
type Deps struct {
	Reconciler  *service.Reconciler
	Entitlement *tier.Entitlement
	Tiers       *tier.Cache
	Producer    *export.Producer
	Reaper      *reaper.Reaper
	Placer      *export.OrderPlacer
	Flags       *features.Manager
	DB          Pinger
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	deps        Deps
	maxBodySize int64
	logger      *zap.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 10 << 20, // 10MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(deps Deps, opts NewHandlerOptions, logger *zap.Logger) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		deps:        deps,
		maxBodySize: opts.MaxBodySize,
		logger:      logger,
	}
}

// Guards authenticate each route group. A nil guard rejects every request
// in its group.
type Guards struct {
	// Customer scopes /loyalty/carts/{customer_id} to one customer.
	Customer func(http.Handler) http.Handler
	// Webhook admits the commerce platform to /events and /shipping.
	Webhook func(http.Handler) http.Handler
	// Admin admits operators to /admin.
	Admin func(http.Handler) http.Handler
}

// Register mounts every route on r. Only /health is unauthenticated.
func (h *Handler) Register(r chi.Router, g Guards) {
	r.Get("/health", h.Health)

	r.Route("/loyalty/carts/{customer_id}", func(r chi.Router) {
		r.Use(h.guard(g.Customer))
		r.Get("/", h.GetCart)
		r.Post("/items", h.AddProduct)
		r.Post("/items/batch", h.AddProducts)
		r.Delete("/items", h.RemoveAllProducts)
		r.Delete("/items/{sku}", h.RemoveProduct)
		r.Delete("/lines/{line_id}", h.RemoveLine)
		r.Put("/quantities", h.UpdateQuantities)
		r.Post("/discount", h.ClaimDiscount)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.guard(g.Webhook))
		r.Post("/shipping/rates", h.ShippingRates)
		r.Route("/events", func(r chi.Router) {
			r.Post("/orders", h.OrderSaved)
			r.Post("/returns", h.CreditMemoCreated)
			r.Post("/reviews", h.ReviewSaved)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.guard(g.Admin))
		r.Delete("/tier-cache/{email}", h.InvalidateTier)
		r.Delete("/tier-cache", h.InvalidateAllTiers)
		r.Post("/reaper/run", h.RunReaper)
		r.Post("/orders/place", h.PlaceOrders)
		r.Get("/features", h.ListFeatures)
		r.Put("/features/{name}", h.SetFeature)
	})
}

func (h *Handler) guard(m func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if m != nil {
		return m
	}
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.respondError(w, http.StatusForbidden, "route is not configured")
		})
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.Ping(r.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			h.respondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetCart handles GET /loyalty/carts/{customer_id}
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	view, err := h.deps.Reconciler.GetLoyaltyCart(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, apperr.NotFound) {
			h.respondError(w, http.StatusNotFound, "customer not found")
			return
		}
		h.logger.Error("failed to load cart", zap.Int64("customer_id", customerID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load cart")
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// AddProduct handles POST /loyalty/carts/{customer_id}/items
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	var req models.AddProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondResult(w, h.deps.Reconciler.AddProduct(r.Context(), customerID, req.SKU))
}

// AddProducts handles POST /loyalty/carts/{customer_id}/items/batch
func (h *Handler) AddProducts(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	var req models.AddProductsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondResult(w, h.deps.Reconciler.AddMultipleProducts(r.Context(), customerID, req.SKUs))
}

// RemoveProduct handles DELETE /loyalty/carts/{customer_id}/items/{sku}?qty=N
func (h *Handler) RemoveProduct(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	quantity := 1
	if raw := r.URL.Query().Get("qty"); raw != "" {
		n, err := strconv.Atoi(validation.SanitizeString(raw))
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "qty must be a positive integer")
			return
		}
		quantity = n
	}
	sku := chi.URLParam(r, "sku")
	h.respondResult(w, h.deps.Reconciler.RemoveProduct(r.Context(), customerID, sku, quantity))
}

// RemoveAllProducts handles DELETE /loyalty/carts/{customer_id}/items
func (h *Handler) RemoveAllProducts(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	h.respondResult(w, h.deps.Reconciler.RemoveAllProducts(r.Context(), customerID))
}

// RemoveLine handles DELETE /loyalty/carts/{customer_id}/lines/{line_id}
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	lineID, err := strconv.ParseInt(chi.URLParam(r, "line_id"), 10, 64)
	if err != nil || lineID <= 0 {
		h.respondError(w, http.StatusBadRequest, "line_id must be a positive integer")
		return
	}
	h.respondResult(w, h.deps.Reconciler.RemoveLine(r.Context(), customerID, lineID))
}

// UpdateQuantities handles PUT /loyalty/carts/{customer_id}/quantities
func (h *Handler) UpdateQuantities(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	var req models.UpdateQuantitiesRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp := h.deps.Reconciler.UpdateQuantities(r.Context(), customerID, req.Items)
	h.respondJSON(w, resultStatus(resp.Result), resp)
}

// ClaimDiscount handles POST /loyalty/carts/{customer_id}/discount
func (h *Handler) ClaimDiscount(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}
	var req models.ClaimDiscountRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondResult(w, h.deps.Reconciler.ClaimDiscount(r.Context(), customerID, req.Discount, req.SKU))
}

// ShippingRates handles POST /shipping/rates
func (h *Handler) ShippingRates(w http.ResponseWriter, r *http.Request) {
	var req models.ShippingRatesRequest
	if !h.decode(w, r, &req) {
		return
	}
	email, err := validation.ValidateEmail(req.Email, "email")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rates, free := h.deps.Entitlement.ApplyFreeShipping(r.Context(), email, req.Rates)
	if rates == nil {
		rates = []models.ShippingRate{}
	}
	h.respondJSON(w, http.StatusOK, models.ShippingRatesResponse{FreeShipping: free, Rates: rates})
}

type publishedResponse struct {
	Published []events.Topic `json:"published"`
}

// OrderSaved handles POST /events/orders
func (h *Handler) OrderSaved(w http.ResponseWriter, r *http.Request) {
	var order models.Order
	if !h.decode(w, r, &order) {
		return
	}
	order.IncrementID = validation.SanitizeString(order.IncrementID)
	if order.IncrementID == "" {
		h.respondError(w, http.StatusBadRequest, "increment_id is required")
		return
	}
	email, err := validation.ValidateEmail(order.CustomerEmail, "customer_email")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	order.CustomerEmail = email

	topics, err := h.deps.Producer.OrderSaved(r.Context(), &order)
	if err != nil {
		h.logger.Error("failed to process order", zap.String("order_id", order.IncrementID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to process order")
		return
	}
	h.respondPublished(w, topics)
}

// CreditMemoCreated handles POST /events/returns
func (h *Handler) CreditMemoCreated(w http.ResponseWriter, r *http.Request) {
	var memo models.CreditMemo
	if !h.decode(w, r, &memo) {
		return
	}
	email, err := validation.ValidateEmail(memo.CustomerEmail, "customer_email")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	memo.CustomerEmail = email

	topics, err := h.deps.Producer.CreditMemoCreated(r.Context(), &memo)
	if err != nil {
		h.logger.Error("failed to process credit memo", zap.String("order_id", memo.OrderIncrementID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to process credit memo")
		return
	}
	h.respondPublished(w, topics)
}

// ReviewSaved handles POST /events/reviews
func (h *Handler) ReviewSaved(w http.ResponseWriter, r *http.Request) {
	var review models.Review
	if !h.decode(w, r, &review) {
		return
	}
	if review.ID <= 0 {
		h.respondError(w, http.StatusBadRequest, "id is required")
		return
	}
	review.Nickname = validation.SanitizeString(review.Nickname)

	topics, err := h.deps.Producer.ReviewSaved(r.Context(), &review)
	if err != nil {
		h.logger.Error("failed to process review", zap.Int64("review_id", review.ID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to process review")
		return
	}
	h.respondPublished(w, topics)
}

// InvalidateTier handles DELETE /admin/tier-cache/{email}
func (h *Handler) InvalidateTier(w http.ResponseWriter, r *http.Request) {
	email, err := validation.ValidateEmail(chi.URLParam(r, "email"), "email")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.deps.Tiers.Invalidate(r.Context(), email); err != nil {
		h.logger.Error("failed to invalidate tier", zap.String("email", email), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to invalidate tier cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateAllTiers handles DELETE /admin/tier-cache
func (h *Handler) InvalidateAllTiers(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Tiers.InvalidateAll(r.Context()); err != nil {
		h.logger.Error("failed to clear tier cache", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to clear tier cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunReaper handles POST /admin/reaper/run
func (h *Handler) RunReaper(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Reaper.Run(r.Context())
	if err != nil {
		h.logger.Error("reaper run failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "reaper run failed")
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

// PlaceOrders handles POST /admin/orders/place
func (h *Handler) PlaceOrders(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Placer.Run(r.Context())
	if err != nil {
		h.logger.Error("order placement failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "order placement failed")
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

// ListFeatures handles GET /admin/features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.deps.Flags.GetAll())
}

type setFeatureRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetFeature handles PUT /admin/features/{name}. The change lasts until the
// process restarts.
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	name := validation.SanitizeString(chi.URLParam(r, "name"))
	if _, ok := h.deps.Flags.GetAll()[name]; !ok {
		h.respondError(w, http.StatusNotFound, "unknown feature flag")
		return
	}
	var req setFeatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if *req.Enabled {
		h.deps.Flags.Enable(name)
	} else {
		h.deps.Flags.Disable(name)
	}
	h.logger.Info("feature flag changed", zap.String("flag", name), zap.Bool("enabled", *req.Enabled))
	h.respondJSON(w, http.StatusOK, h.deps.Flags.GetAll()[name])
}

func (h *Handler) customerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := validation.SanitizeString(chi.URLParam(r, "customer_id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err == nil {
		err = validation.ValidateCustomerID(id)
	}
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "customer_id must be a positive integer")
		return 0, false
	}
	return id, true
}

// decode reads a size-limited JSON body into dst. It writes the error
// response itself and reports whether decoding succeeded.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &tooLarge):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// resultStatus maps a reconciler result onto an HTTP status. Failures
// without a cause are the module-disabled short circuit.
func resultStatus(res models.Result) int {
	if res.Success {
		return http.StatusOK
	}
	if res.Cause == nil {
		return http.StatusServiceUnavailable
	}
	switch apperr.KindOf(res.Cause) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindEligibility:
		return http.StatusUnprocessableEntity
	case apperr.KindNetwork, apperr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondResult(w http.ResponseWriter, res models.Result) {
	h.respondJSON(w, resultStatus(res), res)
}

func (h *Handler) respondPublished(w http.ResponseWriter, topics []events.Topic) {
	if topics == nil {
		topics = []events.Topic{}
	}
	h.respondJSON(w, http.StatusAccepted, publishedResponse{Published: topics})
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
