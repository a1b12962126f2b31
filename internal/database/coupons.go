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

type couponRuleRow struct {
	ID               int64           `db:"id"`
	Code             string          `db:"code"`
	Name             string          `db:"name"`
	Description      string          `db:"description"`
	SimpleAction     string          `db:"simple_action"`
	DiscountAmount   decimal.Decimal `db:"discount_amount"`
	UsesPerCustomer  int             `db:"uses_per_customer"`
	UsesPerCoupon    int             `db:"uses_per_coupon"`
	CouponType       int             `db:"coupon_type"`
	CustomerGroupIDs string          `db:"customer_group_ids"`
	WebsiteIDs       string          `db:"website_ids"`
	IsActive         bool            `db:"is_active"`
	FromDate         string          `db:"from_date"`
}

func (r couponRuleRow) toModel() (*models.CouponRule, error) {
	fromDate, err := parseTime(r.FromDate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse from_date: %w", err)
	}
	return &models.CouponRule{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Code:             r.Code,
		SimpleAction:     models.SimpleAction(r.SimpleAction),
		DiscountAmount:   r.DiscountAmount,
		UsesPerCustomer:  r.UsesPerCustomer,
		UsesPerCoupon:    r.UsesPerCoupon,
		CouponType:       r.CouponType,
		CustomerGroupIDs: deserializeInts(r.CustomerGroupIDs),
		WebsiteIDs:       deserializeInts(r.WebsiteIDs),
		IsActive:         r.IsActive,
		FromDate:         fromDate,
	}, nil
}

// FindCouponRuleByCode returns the rule owning code, or a NotFound error.
func (db *DB) FindCouponRuleByCode(ctx context.Context, code string) (*models.CouponRule, error) {
	const op = "database.find_coupon_rule"
	var row couponRuleRow
	query := db.conn.Rebind(`SELECT id, code, name, description, simple_action, discount_amount,
		uses_per_customer, uses_per_coupon, coupon_type, customer_group_ids, website_ids, is_active, from_date
		FROM coupon_rules WHERE code = ?`)
	if err := db.conn.GetContext(ctx, &row, query, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, op, "coupon rule not found")
		}
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	rule, err := row.toModel()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return rule, nil
}

// CreateCouponRule inserts rule unless a rule with the same code already
// exists, and returns whichever rule owns the code afterwards.
func (db *DB) CreateCouponRule(ctx context.Context, rule *models.CouponRule) (*models.CouponRule, error) {
	const op = "database.create_coupon_rule"
	query := db.conn.Rebind(`INSERT INTO coupon_rules (code, name, description, simple_action, discount_amount,
		uses_per_customer, uses_per_coupon, coupon_type, customer_group_ids, website_ids, is_active, from_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO NOTHING`)
	if _, err := db.conn.ExecContext(ctx, query,
		rule.Code, rule.Name, rule.Description, string(rule.SimpleAction), rule.DiscountAmount,
		rule.UsesPerCustomer, rule.UsesPerCoupon, rule.CouponType,
		serializeInts(rule.CustomerGroupIDs), serializeInts(rule.WebsiteIDs),
		rule.IsActive, formatTime(rule.FromDate),
	); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return db.FindCouponRuleByCode(ctx, rule.Code)
}

// CountCouponRules returns the number of stored rules.
func (db *DB) CountCouponRules(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM coupon_rules`); err != nil {
		return 0, apperr.Wrap(apperr.KindPersistence, "database.count_coupon_rules", err)
	}
	return n, nil
}
