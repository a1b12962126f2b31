package database

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so TEXT timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05Z"

// DB wraps the database connection and provides methods for data access.
// It backs the customer, catalog, cart, coupon rule, order and review stores.
type DB struct {
	conn   *sqlx.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

// NewDB opens a connection and initializes the schema. For sqlite3 the dsn is
// a file path.
func NewDB(driver, dsn string, logger *zap.Logger) (*DB, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=1"
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	}

	db := &DB{
		conn:   conn,
		driver: driver,
		logger: logger,
		now:    time.Now,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// SetClock overrides the time source used for created_at/updated_at.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) primaryKey() string {
	if db.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	pk := db.primaryKey()
	queries := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id BIGINT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			group_id INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id BIGINT PRIMARY KEY,
			sku TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '0',
			status INTEGER NOT NULL DEFAULT 1,
			salable BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS carts (
			id ` + pk + `,
			customer_id BIGINT NOT NULL,
			customer_email TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			coupon_code TEXT NOT NULL DEFAULT '',
			subtotal TEXT NOT NULL DEFAULT '0',
			discount TEXT NOT NULL DEFAULT '0',
			grand_total TEXT NOT NULL DEFAULT '0',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cart_lines (
			id ` + pk + `,
			cart_id BIGINT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
			sku TEXT NOT NULL,
			product_id BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL,
			unit_price TEXT NOT NULL DEFAULT '0',
			custom_price TEXT,
			kind TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL DEFAULT '{}',
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS coupon_rules (
			id ` + pk + `,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			simple_action TEXT NOT NULL,
			discount_amount TEXT NOT NULL,
			uses_per_customer INTEGER NOT NULL,
			uses_per_coupon INTEGER NOT NULL,
			coupon_type INTEGER NOT NULL,
			customer_group_ids TEXT NOT NULL DEFAULT '[]',
			website_ids TEXT NOT NULL DEFAULT '[]',
			is_active BOOLEAN NOT NULL,
			from_date TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id ` + pk + `,
			increment_id TEXT NOT NULL UNIQUE,
			customer_email TEXT NOT NULL,
			status TEXT NOT NULL,
			loyalty_placed BOOLEAN NOT NULL DEFAULT FALSE,
			loyalty_attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id ` + pk + `,
			order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			sku TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL DEFAULT 0,
			product_id BIGINT NOT NULL DEFAULT 0,
			nickname TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			status_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_customer_active ON carts(customer_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_created_at ON carts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cart_lines_cart_id ON cart_lines(cart_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// serializeJSON encodes v for a TEXT column, falling back to fallback.
func serializeJSON(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return fallback
	}
	return string(data)
}

func serializeInts(ids []int) string {
	if len(ids) == 0 {
		return "[]"
	}
	return serializeJSON(ids, "[]")
}

func deserializeInts(serialized string) []int {
	var result []int
	if err := json.Unmarshal([]byte(serialized), &result); err != nil {
		return []int{}
	}
	return result
}
