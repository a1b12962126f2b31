package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loyaltyshop/internal/apperr"
	"loyaltyshop/internal/models"
)

// GetCustomer returns a customer by id.
func (db *DB) GetCustomer(ctx context.Context, id int64) (*models.Customer, error) {
	const op = "database.get_customer"
	var customer models.Customer
	query := db.conn.Rebind(`SELECT id, email, group_id FROM customers WHERE id = ?`)
	if err := db.conn.GetContext(ctx, &customer, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, fmt.Sprintf("customer %d not found", id))
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return &customer, nil
}

// GetCustomerByEmail returns a customer by email address.
func (db *DB) GetCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	const op = "database.get_customer_by_email"
	var customer models.Customer
	query := db.conn.Rebind(`SELECT id, email, group_id FROM customers WHERE email = ?`)
	if err := db.conn.GetContext(ctx, &customer, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, "customer not found")
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return &customer, nil
}

// UpsertCustomer inserts or updates a customer.
func (db *DB) UpsertCustomer(ctx context.Context, customer *models.Customer) error {
	query := db.conn.Rebind(`INSERT INTO customers (id, email, group_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, group_id = excluded.group_id`)
	if _, err := db.conn.ExecContext(ctx, query, customer.ID, customer.Email, customer.GroupID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "database.upsert_customer", err)
	}
	return nil
}

// GetProduct returns a catalog product by sku.
func (db *DB) GetProduct(ctx context.Context, sku string) (*models.Product, error) {
	const op = "database.get_product"
	var product models.Product
	query := db.conn.Rebind(`SELECT id, sku, name, price, status, salable FROM products WHERE sku = ?`)
	if err := db.conn.GetContext(ctx, &product, query, sku); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, fmt.Sprintf("product %q not found", sku))
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return &product, nil
}

// UpsertProduct inserts or updates a product keyed by id.
func (db *DB) UpsertProduct(ctx context.Context, product *models.Product) error {
	query := db.conn.Rebind(`INSERT INTO products (id, sku, name, price, status, salable) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			price = excluded.price,
			status = excluded.status,
			salable = excluded.salable`)
	if _, err := db.conn.ExecContext(ctx, query,
		product.ID, product.SKU, product.Name, product.Price, product.Status, product.Salable,
	); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "database.upsert_product", err)
	}
	return nil
}
