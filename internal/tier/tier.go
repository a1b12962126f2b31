// Package tier caches customer loyalty tiers and evaluates the entitlements
// that depend on them.
//
// Lookups go through two cache levels before reaching the ledger: a memo that
// lives for the current request, then a shared cache keyed by a hash of the
// email. Only the shared level outlives a request, so an invalidation from
// any process takes effect on the next request everywhere. A missing tier is
// cached as the empty string so customers without a tier cost one ledger call
// per TTL window.
package tier

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"loyaltyshop/internal/cache"
	"loyaltyshop/internal/requestctx"
)

// DefaultTTL applies when no TTL is configured.
const DefaultTTL = 600 * time.Second

const keyPrefix = "loyalty_tier_"

// Ledger is the part of the ledger client the cache needs.
type Ledger interface {
	GetLoyaltyTier(ctx context.Context, email string) (string, error)
}

// Cache is the two-level tier cache.
type Cache struct {
	store  cache.Cache
	ledger Ledger
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache creates a tier cache. store is the shared level and may be shared
// with other processes.
func NewCache(store cache.Cache, ledger Ledger, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:  store,
		ledger: ledger,
		ttl:    ttl,
		logger: logger,
	}
}

// Key returns the shared cache key for email.
func Key(email string) string {
	sum := md5.Sum([]byte(email))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// GetTier returns the customer's tier or "" when they have none. Ledger and
// cache failures degrade to "".
func (c *Cache) GetTier(ctx context.Context, email string) string {
	if email == "" {
		return ""
	}

	key := Key(email)
	memo := requestctx.From(ctx)
	if tier, ok := memo.Recall(key); ok {
		return tier
	}

	value, err := c.store.Get(ctx, key)
	if err == nil {
		tier := string(value)
		memo.Remember(key, tier)
		return tier
	}
	if !errors.Is(err, cache.ErrNotFound) {
		c.logger.Warn("tier cache read failed", zap.String("email", email), zap.Error(err))
	}

	tier, err := c.ledger.GetLoyaltyTier(ctx, email)
	if err != nil {
		c.logger.Warn("tier lookup failed, caching empty tier",
			zap.String("email", email),
			zap.Error(err),
		)
		tier = ""
	}

	if err := c.store.Set(ctx, key, []byte(tier), c.ttl); err != nil {
		c.logger.Warn("tier cache write failed", zap.String("email", email), zap.Error(err))
	}
	memo.Remember(key, tier)
	return tier
}

// Invalidate drops one customer from the shared level and from the current
// request's memo.
func (c *Cache) Invalidate(ctx context.Context, email string) error {
	key := Key(email)
	requestctx.From(ctx).Forget(key)
	return c.store.Delete(ctx, key)
}

// InvalidateAll clears the shared namespace and the current request's memo.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	requestctx.From(ctx).ForgetPrefix(keyPrefix)
	return c.store.Clear(ctx)
}
