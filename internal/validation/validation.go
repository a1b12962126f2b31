package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"loyaltyshop/internal/models"
)

// MaxDiscountCodeLength is the longest coupon code the promotion store accepts.
const MaxDiscountCodeLength = 255

const maxSKULength = 64

var (
	skuRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-/ ]*$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// SanitizeString strips control characters, applies NFC normalization and
// trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(norm.NFC.String(s))
}

// ValidateSKU returns the sanitized sku or a validation error.
func ValidateSKU(sku, fieldName string) (string, error) {
	sku = SanitizeString(sku)
	if sku == "" {
		return "", &ValidationError{Field: fieldName, Message: "is required"}
	}
	if len(sku) > maxSKULength {
		return "", &ValidationError{Field: fieldName, Message: fmt.Sprintf("cannot exceed %d characters", maxSKULength)}
	}
	if !skuRegex.MatchString(sku) {
		return "", &ValidationError{Field: fieldName, Message: "contains invalid characters"}
	}
	return sku, nil
}

// ValidateSKUs validates a batch of skus.
func ValidateSKUs(skus []string) ([]string, error) {
	if len(skus) == 0 {
		return nil, &ValidationError{Field: "skus", Message: "is required"}
	}
	if len(skus) > 100 {
		return nil, &ValidationError{Field: "skus", Message: "cannot contain more than 100 skus"}
	}
	out := make([]string, 0, len(skus))
	for i, sku := range skus {
		clean, err := ValidateSKU(sku, fmt.Sprintf("skus[%d]", i))
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

// IsEmail reports whether s is a bare email address.
func IsEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// ValidateEmail returns the sanitized email or a validation error.
func ValidateEmail(email, fieldName string) (string, error) {
	email = SanitizeString(email)
	if email == "" {
		return "", &ValidationError{Field: fieldName, Message: "is required"}
	}
	if !IsEmail(email) {
		return "", &ValidationError{Field: fieldName, Message: "must be a valid email address"}
	}
	return email, nil
}

// ValidateCustomerID checks a customer id from a path parameter.
func ValidateCustomerID(id int64) error {
	if id <= 0 {
		return &ValidationError{Field: "customer_id", Message: "must be a positive integer"}
	}
	return nil
}

// ValidateDiscount checks a requested discount value.
func ValidateDiscount(discount decimal.Decimal) error {
	if !discount.IsPositive() {
		return &ValidationError{Field: "discount", Message: "must be positive"}
	}
	return nil
}

// ValidateDiscountCode checks a coupon code returned by the ledger.
func ValidateDiscountCode(code string) error {
	if code == "" {
		return &ValidationError{Field: "discount_code", Message: "is required"}
	}
	if utf8.RuneCountInString(code) > MaxDiscountCodeLength {
		return &ValidationError{
			Field:   "discount_code",
			Message: fmt.Sprintf("cannot exceed %d characters", MaxDiscountCodeLength),
		}
	}
	return nil
}

// ValidateQuantities checks a cart update request.
func ValidateQuantities(req models.UpdateQuantitiesRequest) error {
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Message: "is required"}
	}
	for id, qty := range req.Items {
		if id <= 0 {
			return &ValidationError{Field: "items", Message: fmt.Sprintf("invalid line id %d", id)}
		}
		if qty < 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d]", id), Message: "must be non-negative"}
		}
	}
	return nil
}

// ReviewLongEnough reports whether the trimmed detail has at least minChars
// characters. A minimum of zero or less accepts everything.
func ReviewLongEnough(detail string, minChars int) bool {
	if minChars <= 0 {
		return true
	}
	return utf8.RuneCountInString(strings.TrimSpace(detail)) >= minChars
}
