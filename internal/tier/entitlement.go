package tier

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltyshop/internal/features"
	"loyaltyshop/internal/models"
)

// ParseTiers splits a semicolon-delimited tier list, trimming entries and
// dropping empty ones.
func ParseTiers(list string) []string {
	var tiers []string
	for _, part := range strings.Split(list, ";") {
		if t := strings.TrimSpace(part); t != "" {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// Entitlement decides free shipping from the customer's tier.
type Entitlement struct {
	tiers      *Cache
	qualifying map[string]struct{}
	features   *features.Manager
	logger     *zap.Logger
}

// NewEntitlement creates an entitlement evaluator for the given qualifying
// tier list (semicolon-delimited).
func NewEntitlement(tiers *Cache, qualifyingTiers string, flags *features.Manager, logger *zap.Logger) *Entitlement {
	qualifying := make(map[string]struct{})
	for _, t := range ParseTiers(qualifyingTiers) {
		qualifying[t] = struct{}{}
	}
	return &Entitlement{
		tiers:      tiers,
		qualifying: qualifying,
		features:   flags,
		logger:     logger,
	}
}

// Qualifies reports whether the customer's tier is in the qualifying list.
// An empty list never qualifies and performs no lookups.
func (e *Entitlement) Qualifies(ctx context.Context, email string) bool {
	if len(e.qualifying) == 0 || email == "" {
		return false
	}
	tier := e.tiers.GetTier(ctx, email)
	if tier == "" {
		return false
	}
	_, ok := e.qualifying[tier]
	return ok
}

// ApplyFreeShipping zeroes every rate for a qualifying customer. It returns
// the rates (a copy when modified) and whether free shipping was granted.
func (e *Entitlement) ApplyFreeShipping(ctx context.Context, email string, rates []models.ShippingRate) ([]models.ShippingRate, bool) {
	if e.features != nil && !e.features.Enabled(features.FeatureFreeShipping) {
		return rates, false
	}
	if !e.Qualifies(ctx, email) {
		return rates, false
	}

	free := make([]models.ShippingRate, len(rates))
	for i, rate := range rates {
		rate.Price = decimal.Zero
		rate.Cost = decimal.Zero
		free[i] = rate
	}
	e.logger.Info("free shipping applied", zap.String("email", email), zap.Int("rates", len(free)))
	return free, true
}
