package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/models"
)

type cartRow struct {
	ID            int64           `db:"id"`
	CustomerID    int64           `db:"customer_id"`
	CustomerEmail sql.NullString  `db:"customer_email"`
	IsActive      bool            `db:"is_active"`
	CouponCode    string          `db:"coupon_code"`
	Subtotal      decimal.Decimal `db:"subtotal"`
	Discount      decimal.Decimal `db:"discount"`
	GrandTotal    decimal.Decimal `db:"grand_total"`
	CreatedAt     string          `db:"created_at"`
	UpdatedAt     string          `db:"updated_at"`
}

type lineRow struct {
	ID          int64               `db:"id"`
	CartID      int64               `db:"cart_id"`
	SKU         string              `db:"sku"`
	ProductID   int64               `db:"product_id"`
	Name        string              `db:"name"`
	Quantity    int                 `db:"quantity"`
	UnitPrice   decimal.Decimal     `db:"unit_price"`
	CustomPrice decimal.NullDecimal `db:"custom_price"`
	Kind        string              `db:"kind"`
	Options     string              `db:"options"`
	Data        string              `db:"data"`
}

const cartColumns = `id, customer_id, customer_email, is_active, coupon_code, subtotal, discount, grand_total, created_at, updated_at`

const lineColumns = `id, cart_id, sku, product_id, name, quantity, unit_price, custom_price, kind, options, data`

func (r cartRow) toModel() (*models.Cart, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &models.Cart{
		ID:            r.ID,
		CustomerID:    r.CustomerID,
		CustomerEmail: r.CustomerEmail.String,
		IsActive:      r.IsActive,
		CouponCode:    r.CouponCode,
		Subtotal:      r.Subtotal,
		Discount:      r.Discount,
		GrandTotal:    r.GrandTotal,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

func (r lineRow) toModel() *models.CartLine {
	line := &models.CartLine{
		ID:          r.ID,
		CartID:      r.CartID,
		SKU:         r.SKU,
		ProductID:   r.ProductID,
		Name:        r.Name,
		Quantity:    r.Quantity,
		OrigQty:     r.Quantity,
		UnitPrice:   r.UnitPrice,
		CustomPrice: r.CustomPrice,
		Kind:        models.LineKind(r.Kind),
		Options:     map[string]string{},
		Data:        map[string]any{},
	}
	// Unreadable option/data columns leave the line unmarked rather than failing the load.
	_ = json.Unmarshal([]byte(r.Options), &line.Options)
	_ = json.Unmarshal([]byte(r.Data), &line.Data)
	return line
}

// GetActiveCart returns the customer's most recent active cart with its lines.
func (db *DB) GetActiveCart(ctx context.Context, customerID int64) (*models.Cart, error) {
	const op = "database.get_active_cart"
	var row cartRow
	query := db.conn.Rebind(`SELECT ` + cartColumns + ` FROM carts
		WHERE customer_id = ? AND is_active = ? ORDER BY id DESC LIMIT 1`)
	if err := db.conn.GetContext(ctx, &row, query, customerID, true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, fmt.Sprintf("no active cart for customer %d", customerID))
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return db.loadCart(ctx, op, row)
}

// GetCart returns a cart by id.
func (db *DB) GetCart(ctx context.Context, id int64) (*models.Cart, error) {
	const op = "database.get_cart"
	var row cartRow
	query := db.conn.Rebind(`SELECT ` + cartColumns + ` FROM carts WHERE id = ?`)
	if err := db.conn.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, fmt.Sprintf("cart %d not found", id))
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return db.loadCart(ctx, op, row)
}

// ListExpiredCarts returns active carts owned by a customer with an email
// whose creation time is at or before cutoff.
func (db *DB) ListExpiredCarts(ctx context.Context, cutoff time.Time) ([]*models.Cart, error) {
	const op = "database.list_expired_carts"
	var rows []cartRow
	query := db.conn.Rebind(`SELECT ` + cartColumns + ` FROM carts
		WHERE is_active = ? AND customer_email IS NOT NULL AND customer_email <> ''
		AND created_at <= ? ORDER BY id`)
	if err := db.conn.SelectContext(ctx, &rows, query, true, formatTime(cutoff)); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}

	carts := make([]*models.Cart, 0, len(rows))
	for _, row := range rows {
		cart, err := db.loadCart(ctx, op, row)
		if err != nil {
			return nil, err
		}
		carts = append(carts, cart)
	}
	return carts, nil
}

func (db *DB) loadCart(ctx context.Context, op string, row cartRow) (*models.Cart, error) {
	cart, err := row.toModel()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}

	var lines []lineRow
	query := db.conn.Rebind(`SELECT ` + lineColumns + ` FROM cart_lines WHERE cart_id = ? ORDER BY id`)
	if err := db.conn.SelectContext(ctx, &lines, query, cart.ID); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	cart.Lines = make([]*models.CartLine, 0, len(lines))
	for _, l := range lines {
		cart.Lines = append(cart.Lines, l.toModel())
	}
	return cart, nil
}

// CreateCart inserts a new active cart for the customer.
func (db *DB) CreateCart(ctx context.Context, customer *models.Customer) (*models.Cart, error) {
	cart := &models.Cart{
		CustomerID:    customer.ID,
		CustomerEmail: customer.Email,
		IsActive:      true,
		Lines:         []*models.CartLine{},
	}
	if err := db.SaveCart(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// SaveCart persists the cart header and reconciles its lines in a single
// transaction: removed lines are deleted, existing lines updated and new
// lines inserted. On success every line's OrigQty is reset to its quantity.
func (db *DB) SaveCart(ctx context.Context, cart *models.Cart) error {
	const op = "database.save_cart"

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	now := db.now().UTC().Truncate(time.Second)
	if cart.ID == 0 {
		cart.CreatedAt = now
		cart.UpdatedAt = now
		query := tx.Rebind(`INSERT INTO carts (customer_id, customer_email, is_active, coupon_code, subtotal, discount, grand_total, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
		if err := tx.QueryRowxContext(ctx, query,
			cart.CustomerID, nullString(cart.CustomerEmail), cart.IsActive, cart.CouponCode,
			cart.Subtotal, cart.Discount, cart.GrandTotal,
			formatTime(cart.CreatedAt), formatTime(cart.UpdatedAt),
		).Scan(&cart.ID); err != nil {
			return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to insert cart: %w", err))
		}
	} else {
		cart.UpdatedAt = now
		query := tx.Rebind(`UPDATE carts SET customer_email = ?, is_active = ?, coupon_code = ?,
			subtotal = ?, discount = ?, grand_total = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, query,
			nullString(cart.CustomerEmail), cart.IsActive, cart.CouponCode,
			cart.Subtotal, cart.Discount, cart.GrandTotal, formatTime(cart.UpdatedAt), cart.ID,
		); err != nil {
			return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to update cart: %w", err))
		}
	}

	if err := db.syncLines(ctx, tx, cart); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("failed to commit transaction: %w", err))
	}

	for _, line := range cart.Lines {
		line.OrigQty = line.Quantity
	}
	db.logger.Debug("cart saved",
		zap.Int64("cart_id", cart.ID),
		zap.Int("lines", len(cart.Lines)),
	)
	return nil
}

func (db *DB) syncLines(ctx context.Context, tx *sqlx.Tx, cart *models.Cart) error {
	var existing []int64
	if err := tx.SelectContext(ctx, &existing, tx.Rebind(`SELECT id FROM cart_lines WHERE cart_id = ?`), cart.ID); err != nil {
		return fmt.Errorf("failed to list cart lines: %w", err)
	}

	keep := make(map[int64]bool, len(cart.Lines))
	for _, line := range cart.Lines {
		if line.ID != 0 {
			keep[line.ID] = true
		}
	}
	for _, id := range existing {
		if keep[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cart_lines WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete cart line %d: %w", id, err)
		}
	}

	insert := tx.Rebind(`INSERT INTO cart_lines (cart_id, sku, product_id, name, quantity, unit_price, custom_price, kind, options, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	update := tx.Rebind(`UPDATE cart_lines SET sku = ?, product_id = ?, name = ?, quantity = ?, unit_price = ?,
		custom_price = ?, kind = ?, options = ?, data = ? WHERE id = ? AND cart_id = ?`)

	for _, line := range cart.Lines {
		line.CartID = cart.ID
		options := serializeJSON(line.Options, "{}")
		data := serializeJSON(line.Data, "{}")
		if line.ID == 0 {
			if err := tx.QueryRowxContext(ctx, insert,
				cart.ID, line.SKU, line.ProductID, line.Name, line.Quantity,
				line.UnitPrice, line.CustomPrice, string(line.Kind), options, data,
			).Scan(&line.ID); err != nil {
				return fmt.Errorf("failed to insert cart line %s: %w", line.SKU, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, update,
			line.SKU, line.ProductID, line.Name, line.Quantity, line.UnitPrice,
			line.CustomPrice, string(line.Kind), options, data, line.ID, cart.ID,
		); err != nil {
			return fmt.Errorf("failed to update cart line %d: %w", line.ID, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
