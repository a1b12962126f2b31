package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/models"
)

type orderRow struct {
	ID              int64  `db:"id"`
	IncrementID     string `db:"increment_id"`
	CustomerEmail   string `db:"customer_email"`
	Status          string `db:"status"`
	LoyaltyPlaced   bool   `db:"loyalty_placed"`
	LoyaltyAttempts int    `db:"loyalty_attempts"`
	CreatedAt       string `db:"created_at"`
}

type orderItemRow struct {
	SKU      string          `db:"sku"`
	Price    decimal.Decimal `db:"price"`
	Quantity int             `db:"quantity"`
}

const orderColumns = `id, increment_id, customer_email, status, loyalty_placed, loyalty_attempts, created_at`

// UpsertOrder stores an order keyed by increment id and replaces its items.
// The loyalty placement flags are preserved on update.
func (db *DB) UpsertOrder(ctx context.Context, order *models.Order) error {
	const op = "database.upsert_order"

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if order.CreatedAt.IsZero() {
		order.CreatedAt = db.now()
	}
	query := tx.Rebind(`INSERT INTO orders (increment_id, customer_email, status, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(increment_id) DO UPDATE SET customer_email = excluded.customer_email, status = excluded.status
		RETURNING id, loyalty_placed, loyalty_attempts`)
	if err := tx.QueryRowxContext(ctx, query,
		order.IncrementID, order.CustomerEmail, order.Status, formatTime(order.CreatedAt),
	).Scan(&order.ID, &order.LoyaltyPlaced, &order.LoyaltyAttempts); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to upsert order: %w", err))
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM order_items WHERE order_id = ?`), order.ID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to clear order items: %w", err))
	}
	insert := tx.Rebind(`INSERT INTO order_items (order_id, sku, price, quantity) VALUES (?, ?, ?, ?)`)
	for _, item := range order.Items {
		if _, err := tx.ExecContext(ctx, insert, order.ID, item.SKU, item.Price, item.Quantity); err != nil {
			return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to insert order item %s: %w", item.SKU, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// GetOrderByIncrementID returns an order with its items.
func (db *DB) GetOrderByIncrementID(ctx context.Context, incrementID string) (*models.Order, error) {
	const op = "database.get_order"
	var row orderRow
	query := db.conn.Rebind(`SELECT ` + orderColumns + ` FROM orders WHERE increment_id = ?`)
	if err := db.conn.GetContext(ctx, &row, query, incrementID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, fmt.Sprintf("order %s not found", incrementID))
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return db.loadOrder(ctx, op, row)
}

// ListUnplacedOrders returns complete orders whose free products have not yet
// been placed with the ledger and that have fewer than maxAttempts attempts.
func (db *DB) ListUnplacedOrders(ctx context.Context, maxAttempts int) ([]*models.Order, error) {
	const op = "database.list_unplaced_orders"
	var rows []orderRow
	query := db.conn.Rebind(`SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND loyalty_placed = ? AND loyalty_attempts < ? ORDER BY id`)
	if err := db.conn.SelectContext(ctx, &rows, query, models.OrderStatusComplete, false, maxAttempts); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}

	orders := make([]*models.Order, 0, len(rows))
	for _, row := range rows {
		order, err := db.loadOrder(ctx, op, row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// MarkOrderPlaced flags the order as placed with the ledger.
func (db *DB) MarkOrderPlaced(ctx context.Context, orderID int64) error {
	query := db.conn.Rebind(`UPDATE orders SET loyalty_placed = ? WHERE id = ?`)
	if _, err := db.conn.ExecContext(ctx, query, true, orderID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "database.mark_order_placed", err)
	}
	return nil
}

// IncrementOrderAttempts records one more failed placement attempt.
func (db *DB) IncrementOrderAttempts(ctx context.Context, orderID int64) error {
	query := db.conn.Rebind(`UPDATE orders SET loyalty_attempts = loyalty_attempts + 1 WHERE id = ?`)
	if _, err := db.conn.ExecContext(ctx, query, orderID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "database.increment_order_attempts", err)
	}
	return nil
}

func (db *DB) loadOrder(ctx context.Context, op string, row orderRow) (*models.Order, error) {
	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to parse created_at: %w", err))
	}

	var items []orderItemRow
	query := db.conn.Rebind(`SELECT sku, price, quantity FROM order_items WHERE order_id = ? ORDER BY id`)
	if err := db.conn.SelectContext(ctx, &items, query, row.ID); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}

	order := &models.Order{
		ID:              row.ID,
		IncrementID:     row.IncrementID,
		CustomerEmail:   row.CustomerEmail,
		Status:          row.Status,
		LoyaltyPlaced:   row.LoyaltyPlaced,
		LoyaltyAttempts: row.LoyaltyAttempts,
		CreatedAt:       createdAt,
		Items:           make([]models.OrderItem, 0, len(items)),
	}
	for _, item := range items {
		order.Items = append(order.Items, models.OrderItem{SKU: item.SKU, Price: item.Price, Quantity: item.Quantity})
	}
	return order, nil
}

// GetReview returns a review by id.
func (db *DB) GetReview(ctx context.Context, id int64) (*models.Review, error) {
	const op = "database.get_review"
	var review models.Review
	query := db.conn.Rebind(`SELECT id, customer_id, product_id, nickname, title, detail, status_id FROM reviews WHERE id = ?`)
	if err := db.conn.GetContext(ctx, &review, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, fmt.Sprintf("review %d not found", id))
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return &review, nil
}

// UpsertReview inserts or updates a review.
func (db *DB) UpsertReview(ctx context.Context, review *models.Review) error {
	query := db.conn.Rebind(`INSERT INTO reviews (id, customer_id, product_id, nickname, title, detail, status_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			product_id = excluded.product_id,
			nickname = excluded.nickname,
			title = excluded.title,
			detail = excluded.detail,
			status_id = excluded.status_id`)
	if _, err := db.conn.ExecContext(ctx, query,
		review.ID, review.CustomerID, review.ProductID, review.Nickname, review.Title, review.Detail, review.StatusID,
	); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "database.upsert_review", err)
	}
	return nil
}

// Ping verifies the connection is usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
