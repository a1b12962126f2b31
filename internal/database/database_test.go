package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(DriverSQLite, filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveCart_RoundTripsLines(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	customer := &models.Customer{ID: 42, Email: "jane@example.com", GroupID: 1}
	require.NoError(t, db.UpsertCustomer(ctx, customer))

	cart, err := db.CreateCart(ctx, customer)
	require.NoError(t, err)
	require.NotZero(t, cart.ID)

	cart.Lines = append(cart.Lines,
		&models.CartLine{SKU: "REG-1", ProductID: 1, Name: "Mug", Quantity: 3, UnitPrice: decimal.NewFromInt(8)},
		&models.CartLine{
			SKU: "FREE-GIFT", ProductID: 2, Quantity: 1, UnitPrice: decimal.NewFromInt(25),
			CustomPrice: decimal.NewNullDecimal(decimal.Zero),
			Kind:        models.LineKindLoyalty,
			Options:     map[string]string{"loyalty_locked_qty": "1"},
			Data:        map[string]any{"loyalty_locked_qty": 1},
		},
	)
	cart.CollectTotals(nil)
	require.NoError(t, db.SaveCart(ctx, cart))
	for _, line := range cart.Lines {
		assert.NotZero(t, line.ID)
		assert.Equal(t, line.Quantity, line.OrigQty)
	}

	loaded, err := db.GetActiveCart(ctx, 42)
	require.NoError(t, err)
	require.Len(t, loaded.Lines, 2)
	assert.Equal(t, "jane@example.com", loaded.CustomerEmail)
	assert.True(t, loaded.Subtotal.Equal(decimal.NewFromInt(24)))

	regular, gift := loaded.Lines[0], loaded.Lines[1]
	assert.False(t, regular.CustomPrice.Valid)
	assert.Equal(t, models.LineKindUnset, regular.Kind)
	assert.Equal(t, 3, regular.OrigQty)

	assert.Equal(t, models.LineKindLoyalty, gift.Kind)
	assert.True(t, gift.CustomPrice.Valid)
	assert.True(t, gift.CustomPrice.Decimal.IsZero())
	assert.Equal(t, "1", gift.Options["loyalty_locked_qty"])
	assert.Equal(t, float64(1), gift.Data["loyalty_locked_qty"])
}

func TestSaveCart_DeletesRemovedLines(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cart, err := db.CreateCart(ctx, &models.Customer{ID: 7, Email: "a@example.com"})
	require.NoError(t, err)
	cart.Lines = []*models.CartLine{
		{SKU: "A", ProductID: 1, Quantity: 1},
		{SKU: "B", ProductID: 2, Quantity: 2},
	}
	require.NoError(t, db.SaveCart(ctx, cart))

	cart.RemoveLine(cart.FindBySKU("A"))
	cart.FindBySKU("B").Quantity = 5
	require.NoError(t, db.SaveCart(ctx, cart))

	loaded, err := db.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Lines, 1)
	assert.Equal(t, "B", loaded.Lines[0].SKU)
	assert.Equal(t, 5, loaded.Lines[0].Quantity)
}

func TestGetActiveCart_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetActiveCart(context.Background(), 999)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListExpiredCarts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.SetClock(func() time.Time { return base.Add(-48 * time.Hour) })
	old, err := db.CreateCart(ctx, &models.Customer{ID: 1, Email: "old@example.com"})
	require.NoError(t, err)
	_, err = db.CreateCart(ctx, &models.Customer{ID: 2})
	require.NoError(t, err)

	db.SetClock(func() time.Time { return base.Add(-1 * time.Hour) })
	_, err = db.CreateCart(ctx, &models.Customer{ID: 3, Email: "fresh@example.com"})
	require.NoError(t, err)

	carts, err := db.ListExpiredCarts(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.Equal(t, old.ID, carts[0].ID)
}

func TestCreateCouponRule_IsIdempotentPerCode(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rule := &models.CouponRule{
		Name:             "Loyalty discount ABC123",
		Code:             "ABC123",
		SimpleAction:     models.ActionCartFixed,
		DiscountAmount:   decimal.NewFromInt(20),
		UsesPerCustomer:  1,
		UsesPerCoupon:    1,
		CouponType:       models.CouponTypeSpecific,
		CustomerGroupIDs: []int{0, 1, 2, 3},
		WebsiteIDs:       []int{1},
		IsActive:         true,
		FromDate:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	first, err := db.CreateCouponRule(ctx, rule)
	require.NoError(t, err)

	again := *rule
	again.DiscountAmount = decimal.NewFromInt(99)
	second, err := db.CreateCouponRule(ctx, &again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.DiscountAmount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, []int{0, 1, 2, 3}, second.CustomerGroupIDs)

	n, err := db.CountCouponRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.FindCouponRuleByCode(ctx, "MISSING")
	assert.ErrorIs(t, err, apperr.NotFound)
}

func TestOrders_PlacementTracking(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	order := &models.Order{
		IncrementID:   "100000001",
		CustomerEmail: "jane@example.com",
		Status:        models.OrderStatusComplete,
		Items: []models.OrderItem{
			{SKU: "FREE-GIFT", Price: decimal.Zero, Quantity: 1},
			{SKU: "REG-1", Price: decimal.NewFromInt(8), Quantity: 2},
		},
	}
	require.NoError(t, db.UpsertOrder(ctx, order))
	require.NotZero(t, order.ID)

	pending, err := db.ListUnplacedOrders(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].Items, 2)

	require.NoError(t, db.IncrementOrderAttempts(ctx, order.ID))
	require.NoError(t, db.IncrementOrderAttempts(ctx, order.ID))
	require.NoError(t, db.IncrementOrderAttempts(ctx, order.ID))
	pending, err = db.ListUnplacedOrders(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Re-upserting keeps the attempt counter.
	require.NoError(t, db.UpsertOrder(ctx, order))
	assert.Equal(t, 3, order.LoyaltyAttempts)

	require.NoError(t, db.MarkOrderPlaced(ctx, order.ID))
	loaded, err := db.GetOrderByIncrementID(ctx, "100000001")
	require.NoError(t, err)
	assert.True(t, loaded.LoyaltyPlaced)
}

func TestCatalogAndReviews(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertProduct(ctx, &models.Product{
		ID: 5, SKU: "FREE-GIFT", Name: "Gift", Price: decimal.NewFromInt(25),
		Status: models.ProductStatusEnabled, Salable: true,
	}))
	product, err := db.GetProduct(ctx, "FREE-GIFT")
	require.NoError(t, err)
	assert.Equal(t, int64(5), product.ID)
	assert.True(t, product.Salable)

	_, err = db.GetProduct(ctx, "NOPE")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoError(t, db.UpsertReview(ctx, &models.Review{ID: 9, Nickname: "jane@example.com", Detail: "Great", StatusID: 2}))
	require.NoError(t, db.UpsertReview(ctx, &models.Review{ID: 9, Nickname: "jane@example.com", Detail: "Great", StatusID: models.ReviewStatusApproved}))
	review, err := db.GetReview(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusApproved, review.StatusID)
}
