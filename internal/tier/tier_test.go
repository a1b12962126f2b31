package tier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyaltyshop/internal/cache"
	"loyaltyshop/internal/features"
	"loyaltyshop/internal/models"
	"loyaltyshop/internal/requestctx"
)

type fakeLedger struct {
	mu    sync.Mutex
	tiers map[string]string
	err   error
	calls int
}

func (f *fakeLedger) GetLoyaltyTier(ctx context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.tiers[email], nil
}

func (f *fakeLedger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingCache records every operation that reaches the shared level.
type countingCache struct {
	cache.Cache
	ops int
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.ops++
	return c.Cache.Get(ctx, key)
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.ops++
	return c.Cache.Set(ctx, key, value, ttl)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestCache(ledger Ledger, ttl time.Duration) (*Cache, *cache.InMemoryCache, *clock) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := cache.NewInMemoryCache("loyalty_tier")
	store.SetClock(clk.Now)
	return NewCache(store, ledger, ttl, zap.NewNop()), store, clk
}

func TestGetTier_NegativeCaching(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{}}
	c, _, clk := newTestCache(ledger, 600*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, "", c.GetTier(ctx, "none@example.com"))
	}
	assert.Equal(t, 1, ledger.Calls())

	clk.now = clk.now.Add(601 * time.Second)
	assert.Equal(t, "", c.GetTier(ctx, "none@example.com"))
	assert.Equal(t, "", c.GetTier(ctx, "none@example.com"))
	assert.Equal(t, 2, ledger.Calls())
}

func TestGetTier_SharedLevelServesFreshProcess(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{"gold@example.com": "Gold"}}
	c, store, _ := newTestCache(ledger, time.Minute)
	ctx := context.Background()

	assert.Equal(t, "Gold", c.GetTier(ctx, "gold@example.com"))

	fresh := NewCache(store, ledger, time.Minute, zap.NewNop())
	assert.Equal(t, "Gold", fresh.GetTier(ctx, "gold@example.com"))
	assert.Equal(t, 1, ledger.Calls())

	v, err := store.Get(ctx, Key("gold@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "Gold", string(v))
}

func TestGetTier_InvalidationFromAnotherProcess(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{"gold@example.com": "Gold"}}
	server, store, clk := newTestCache(ledger, 600*time.Second)
	operator := NewCache(store, ledger, 600*time.Second, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, "Gold", server.GetTier(ctx, "gold@example.com"))

	ledger.mu.Lock()
	ledger.tiers["gold@example.com"] = "Bronze"
	ledger.mu.Unlock()
	require.NoError(t, operator.Invalidate(ctx, "gold@example.com"))

	clk.now = clk.now.Add(300 * time.Second)
	assert.Equal(t, "Bronze", server.GetTier(ctx, "gold@example.com"))
	assert.Equal(t, 2, ledger.Calls())
}

func TestGetTier_NeverOutlivesSharedEntry(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{"gold@example.com": "Gold"}}
	c, _, clk := newTestCache(ledger, 600*time.Second)
	ctx := context.Background()

	assert.Equal(t, "Gold", c.GetTier(ctx, "gold@example.com"))
	clk.now = clk.now.Add(599 * time.Second)
	assert.Equal(t, "Gold", c.GetTier(ctx, "gold@example.com"))
	assert.Equal(t, 1, ledger.Calls())

	ledger.mu.Lock()
	ledger.tiers["gold@example.com"] = "Silver"
	ledger.mu.Unlock()
	clk.now = clk.now.Add(2 * time.Second)
	assert.Equal(t, "Silver", c.GetTier(ctx, "gold@example.com"))
	assert.Equal(t, 2, ledger.Calls())
}

func TestGetTier_RequestMemo(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{"gold@example.com": "Gold"}}
	store := &countingCache{Cache: cache.NewInMemoryCache("loyalty_tier")}
	c := NewCache(store, ledger, time.Minute, zap.NewNop())

	req := requestctx.With(context.Background(), requestctx.New("req-1"))
	assert.Equal(t, "Gold", c.GetTier(req, "gold@example.com"))
	opsAfterFirst := store.ops
	assert.Equal(t, "Gold", c.GetTier(req, "gold@example.com"))
	assert.Equal(t, opsAfterFirst, store.ops, "second lookup in a request stays in the memo")

	next := requestctx.With(context.Background(), requestctx.New("req-2"))
	assert.Equal(t, "Gold", c.GetTier(next, "gold@example.com"))
	assert.Equal(t, opsAfterFirst+1, store.ops, "a new request reads the shared level again")
	assert.Equal(t, 1, ledger.Calls())

	require.NoError(t, c.Invalidate(next, "gold@example.com"))
	ledger.mu.Lock()
	ledger.tiers["gold@example.com"] = "Platinum"
	ledger.mu.Unlock()
	assert.Equal(t, "Platinum", c.GetTier(next, "gold@example.com"))

	require.NoError(t, c.InvalidateAll(next))
	ledger.mu.Lock()
	ledger.tiers["gold@example.com"] = "Silver"
	ledger.mu.Unlock()
	assert.Equal(t, "Silver", c.GetTier(next, "gold@example.com"))
}

func TestGetTier_LedgerErrorCachedAsEmpty(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("connection refused")}
	c, _, _ := newTestCache(ledger, time.Minute)
	ctx := context.Background()

	assert.Equal(t, "", c.GetTier(ctx, "x@example.com"))
	assert.Equal(t, "", c.GetTier(ctx, "x@example.com"))
	assert.Equal(t, 1, ledger.Calls())
}

func TestInvalidate(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{"a@example.com": "Silver", "b@example.com": "Gold"}}
	c, _, _ := newTestCache(ledger, time.Hour)
	ctx := context.Background()

	c.GetTier(ctx, "a@example.com")
	c.GetTier(ctx, "b@example.com")
	require.Equal(t, 2, ledger.Calls())

	ledger.tiers["a@example.com"] = "Gold"
	require.NoError(t, c.Invalidate(ctx, "a@example.com"))
	assert.Equal(t, "Gold", c.GetTier(ctx, "a@example.com"))
	assert.Equal(t, "Gold", c.GetTier(ctx, "b@example.com"))
	assert.Equal(t, 3, ledger.Calls())

	require.NoError(t, c.InvalidateAll(ctx))
	c.GetTier(ctx, "a@example.com")
	c.GetTier(ctx, "b@example.com")
	assert.Equal(t, 5, ledger.Calls())
}

func TestKeyIsHashed(t *testing.T) {
	key := Key("jane@example.com")
	assert.Regexp(t, `^loyalty_tier_[0-9a-f]{32}$`, key)
	assert.NotEqual(t, key, Key("Jane@example.com"))
}

func TestParseTiers(t *testing.T) {
	assert.Equal(t, []string{"Gold", "Platinum"}, ParseTiers(" Gold ;;Platinum; "))
	assert.Empty(t, ParseTiers(""))
	assert.Empty(t, ParseTiers(" ; "))
}

func TestQualifies_EmptyListShortCircuits(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{"gold@example.com": "Gold"}}
	store := &countingCache{Cache: cache.NewInMemoryCache("loyalty_tier")}
	c := NewCache(store, ledger, time.Minute, zap.NewNop())

	e := NewEntitlement(c, " ; ", nil, zap.NewNop())
	assert.False(t, e.Qualifies(context.Background(), "gold@example.com"))
	assert.Equal(t, 0, ledger.Calls())
	assert.Equal(t, 0, store.ops)
}

func TestQualifies_ExactCaseSensitiveMatch(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{
		"gold@example.com":  "Gold",
		"lower@example.com": "gold",
		"none@example.com":  "",
	}}
	c, _, _ := newTestCache(ledger, time.Minute)
	e := NewEntitlement(c, "Gold;Platinum", nil, zap.NewNop())
	ctx := context.Background()

	assert.True(t, e.Qualifies(ctx, "gold@example.com"))
	assert.False(t, e.Qualifies(ctx, "lower@example.com"))
	assert.False(t, e.Qualifies(ctx, "none@example.com"))
	assert.False(t, e.Qualifies(ctx, ""))
}

func TestApplyFreeShipping(t *testing.T) {
	ledger := &fakeLedger{tiers: map[string]string{"gold@example.com": "Gold"}}
	c, _, _ := newTestCache(ledger, time.Minute)
	flags := features.NewManagerFromToggles(features.Toggles{ModuleEnabled: true, FreeShipping: true})
	e := NewEntitlement(c, "Gold", flags, zap.NewNop())
	ctx := context.Background()

	rates := []models.ShippingRate{
		{Carrier: "flatrate", Method: "flatrate", Price: decimal.NewFromInt(5), Cost: decimal.NewFromInt(3)},
		{Carrier: "ups", Method: "ground", Price: decimal.NewFromInt(12), Cost: decimal.NewFromInt(9)},
	}

	got, free := e.ApplyFreeShipping(ctx, "gold@example.com", rates)
	require.True(t, free)
	for _, rate := range got {
		assert.True(t, rate.Price.IsZero())
		assert.True(t, rate.Cost.IsZero())
	}
	assert.True(t, rates[0].Price.Equal(decimal.NewFromInt(5)), "input rates are not modified")

	got, free = e.ApplyFreeShipping(ctx, "other@example.com", rates)
	assert.False(t, free)
	assert.Equal(t, rates, got)

	flags.Disable(features.FeatureFreeShipping)
	_, free = e.ApplyFreeShipping(ctx, "gold@example.com", rates)
	assert.False(t, free)
}
