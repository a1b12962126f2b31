// Package export turns order, return and review activity into ledger events.
// Producers publish small JSON payloads on the in-process queue; consumers
// deliver them to the ledger. Delivery is at most once.
package export

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"loyaltyshop/internal/ledger"
	"loyaltyshop/internal/models"
)

const (
	eventPurchase = "Purchase"
	eventReturn   = "Return"
	eventReview   = "Review"
)

// EventProduct is a product line in Purchase and Return events.
type EventProduct struct {
	SKU      string      `json:"sku"`
	Price    json.Number `json:"price"`
	Quantity int         `json:"quantity"`
}

// PurchaseEvent is posted when an order completes.
type PurchaseEvent struct {
	Event     string         `json:"event"`
	Email     string         `json:"email"`
	OrderID   string         `json:"orderId"`
	OrderDate string         `json:"orderDate"`
	Products  []EventProduct `json:"products"`
}

// ReturnEvent is posted when a credit memo is created.
type ReturnEvent struct {
	Event     string         `json:"event"`
	Email     string         `json:"email"`
	OrderDate string         `json:"orderDate"`
	Products  []EventProduct `json:"products"`
}

// ReviewEvent is posted for approved reviews.
type ReviewEvent struct {
	Event      string `json:"event"`
	Identifier string `json:"identifier"`
	ReviewID   string `json:"reviewid"`
}

// FreeProductPurchase asks the consumer to place the zero-price items of an
// order with the ledger.
type FreeProductPurchase struct {
	Email    string           `json:"email"`
	OrderID  string           `json:"orderId"`
	Products []ledger.Product `json:"products"`
}

// FreeProductRemove asks the consumer to remove a loyalty product from the
// ledger cart.
type FreeProductRemove struct {
	Email    string `json:"email"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func eventProducts(items []models.OrderItem) []EventProduct {
	products := make([]EventProduct, 0, len(items))
	for _, item := range items {
		products = append(products, EventProduct{
			SKU:      item.SKU,
			Price:    json.Number(item.Price.String()),
			Quantity: item.Quantity,
		})
	}
	return products
}

// freeProducts returns the zero-price items of an order.
func freeProducts(items []models.OrderItem) []ledger.Product {
	var products []ledger.Product
	for _, item := range items {
		if item.Price.Equal(decimal.Zero) {
			products = append(products, ledger.Product{SKU: item.SKU, Quantity: item.Quantity})
		}
	}
	return products
}

func ledgerProducts(items []models.OrderItem) []ledger.Product {
	products := make([]ledger.Product, 0, len(items))
	for _, item := range items {
		products = append(products, ledger.Product{SKU: item.SKU, Quantity: item.Quantity})
	}
	return products
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
