package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyaltyshop/internal/app"
	"loyaltyshop/internal/config"
	"loyaltyshop/internal/middleware"
	"loyaltyshop/internal/models"
	"loyaltyshop/internal/reaper"
	"loyaltyshop/internal/testutil"
)

const tokenSecret = "0123456789abcdef0123456789abcdef"

func newTestApp(t *testing.T, ledger *testutil.FakeLedger) *app.App {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite3",
			DSN:    filepath.Join(t.TempDir(), "loyaltyctl.db"),
		},
		Loyalty: config.LoyaltyConfig{
			Enabled:              true,
			APIURL:               ledger.Server.URL,
			TenantID:             testutil.TenantID,
			BearerToken:          testutil.BearerToken,
			Timeout:              5 * time.Second,
			CartExpiryHours:      24,
			ReaperBestEffort:     true,
			OrderPlaceRetryLimit: 3,
			ReviewMinCharacters:  5,
			TierCacheTTL:         time.Minute,
		},
		Exports:  config.ExportsConfig{Purchase: true, Return: true, Review: true, FreeShipping: true},
		Security: config.SecurityConfig{CustomerTokenSecret: tokenSecret},
	}
	a, err := app.New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func execute(t *testing.T, a *app.App, args ...string) (string, error) {
	t.Helper()
	cmd := (&cli{app: a}).command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReap(t *testing.T) {
	ledger := testutil.NewFakeLedger(t)
	a := newTestApp(t, ledger)

	out, err := execute(t, a, "reap")
	require.NoError(t, err)

	var summary reaper.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, reaper.Summary{}, summary)
}

func TestSyncReview(t *testing.T) {
	ledger := testutil.NewFakeLedger(t)
	a := newTestApp(t, ledger)
	ctx := context.Background()

	customer := &models.Customer{ID: 7, Email: "author@example.com", GroupID: 1}
	require.NoError(t, a.DB.UpsertCustomer(ctx, customer))
	require.NoError(t, a.DB.UpsertReview(ctx, &models.Review{
		ID: 9, CustomerID: 7, ProductID: 1, Nickname: "Al", Detail: "Lovely mug", StatusID: models.ReviewStatusApproved,
	}))

	out, err := execute(t, a, "sync-review", "9")
	require.NoError(t, err)
	assert.Equal(t, "review 9 sent\n", out)

	calls := ledger.CallsTo(testutil.OpEvent)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `[{"event":"Review","identifier":"author@example.com","reviewid":"9"}]`, string(calls[0].Body))
}

func TestSyncReview_Rejected(t *testing.T) {
	ledger := testutil.NewFakeLedger(t)
	a := newTestApp(t, ledger)
	ctx := context.Background()

	require.NoError(t, a.DB.UpsertReview(ctx, &models.Review{
		ID: 10, Nickname: "someone@example.com", Detail: "ok", StatusID: models.ReviewStatusApproved,
	}))

	_, err := execute(t, a, "sync-review", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review too short")

	_, err = execute(t, a, "sync-review", "abc")
	assert.Error(t, err)
	assert.Zero(t, ledger.Count(testutil.OpEvent))
}

func TestTierGetAndInvalidate(t *testing.T) {
	ledger := testutil.NewFakeLedger(t)
	ledger.SetTier("gold@example.com", "Gold")
	a := newTestApp(t, ledger)

	out, err := execute(t, a, "tier", "get", "gold@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Gold", strings.TrimSpace(out))

	out, err = execute(t, a, "tier", "get", "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, "(none)", strings.TrimSpace(out))

	_, err = execute(t, a, "tier", "get", "gold@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.Count(testutil.OpTier))

	out, err = execute(t, a, "tier", "invalidate", "gold@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "gold@example.com")

	_, err = execute(t, a, "tier", "get", "gold@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, ledger.Count(testutil.OpTier))

	out, err = execute(t, a, "tier", "invalidate", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "tier cache cleared")

	_, err = execute(t, a, "tier", "invalidate")
	assert.Error(t, err)
	_, err = execute(t, a, "tier", "invalidate", "gold@example.com", "--all")
	assert.Error(t, err)
}

func TestOrdersPlace(t *testing.T) {
	ledger := testutil.NewFakeLedger(t)
	a := newTestApp(t, ledger)
	ctx := context.Background()

	require.NoError(t, a.DB.UpsertOrder(ctx, &models.Order{
		IncrementID:   "100000123",
		CustomerEmail: "buyer@example.com",
		Status:        models.OrderStatusComplete,
		Items:         []models.OrderItem{{SKU: "GIFT", Quantity: 1}},
		CreatedAt:     time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC),
	}))

	out, err := execute(t, a, "orders", "place")
	require.NoError(t, err)

	var summary map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, map[string]int{"attempted": 1, "placed": 1, "failed": 0}, summary)
	assert.Equal(t, 1, ledger.Count(testutil.OpPurchase))
}

func TestCustomerToken(t *testing.T) {
	a := newTestApp(t, testutil.NewFakeLedger(t))

	out, err := execute(t, a, "customer-token", "42", "--ttl", "10m")
	require.NoError(t, err)
	token := strings.TrimSpace(out)

	r := chi.NewRouter()
	r.With(middleware.CustomerAuth(tokenSecret, "customer_id", zap.NewNop())).
		Get("/loyalty/carts/{customer_id}", func(w http.ResponseWriter, r *http.Request) {})
	for path, want := range map[string]int{
		"/loyalty/carts/42": http.StatusOK,
		"/loyalty/carts/43": http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, path)
	}

	_, err = execute(t, a, "customer-token", "0")
	assert.Error(t, err)
	_, err = execute(t, a, "customer-token", "42", "--ttl", "0s")
	assert.Error(t, err)

	a.Config.Security.CustomerTokenSecret = ""
	_, err = execute(t, a, "customer-token", "42")
	assert.Error(t, err)
}
