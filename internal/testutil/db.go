package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltyshop/internal/database"
	"loyaltyshop/internal/models"
)

// NewTestDB opens a fresh sqlite database in the test's temp dir.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.DriverSQLite, filepath.Join(t.TempDir(), "loyaltyshop.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SeedCustomer stores a customer.
func SeedCustomer(t *testing.T, db *database.DB, id int64, email string) *models.Customer {
	t.Helper()
	c := &models.Customer{ID: id, Email: email, GroupID: 1}
	if err := db.UpsertCustomer(context.Background(), c); err != nil {
		t.Fatalf("Failed to seed customer: %v", err)
	}
	return c
}

// SeedProduct stores an enabled, salable product.
func SeedProduct(t *testing.T, db *database.DB, id int64, sku string, price int64) *models.Product {
	t.Helper()
	p := &models.Product{
		ID:      id,
		SKU:     sku,
		Name:    sku,
		Price:   decimal.NewFromInt(price),
		Status:  models.ProductStatusEnabled,
		Salable: true,
	}
	if err := db.UpsertProduct(context.Background(), p); err != nil {
		t.Fatalf("Failed to seed product: %v", err)
	}
	return p
}
