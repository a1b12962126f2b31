package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyshop/internal/models"
)

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "FREE-GIFT", SanitizeString("  FREE-GIFT\x00 "))
	// "e" + combining acute composes to a single rune.
	assert.Equal(t, "caf\u00e9", SanitizeString("cafe\u0301"))
}

func TestValidateSKU(t *testing.T) {
	sku, err := ValidateSKU(" FREE-GIFT ", "sku")
	require.NoError(t, err)
	assert.Equal(t, "FREE-GIFT", sku)

	for _, bad := range []string{"", "   ", "<script>", strings.Repeat("A", 65)} {
		_, err := ValidateSKU(bad, "sku")
		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr), "sku %q", bad)
		assert.Equal(t, "sku", vErr.Field)
	}
}

func TestValidateSKUs(t *testing.T) {
	skus, err := ValidateSKUs([]string{"A", " B "})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, skus)

	_, err = ValidateSKUs(nil)
	assert.Error(t, err)

	_, err = ValidateSKUs([]string{"A", ""})
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "skus[1]", vErr.Field)
}

func TestEmail(t *testing.T) {
	assert.True(t, IsEmail("jane@example.com"))
	assert.False(t, IsEmail("Jane <jane@example.com>"))
	assert.False(t, IsEmail("janedoe"))

	email, err := ValidateEmail(" jane@example.com ", "email")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", email)
}

func TestValidateDiscountCode(t *testing.T) {
	assert.NoError(t, ValidateDiscountCode("ABC123"))
	assert.NoError(t, ValidateDiscountCode(strings.Repeat("x", MaxDiscountCodeLength)))
	assert.Error(t, ValidateDiscountCode(strings.Repeat("x", MaxDiscountCodeLength+1)))
	assert.Error(t, ValidateDiscountCode(""))
}

func TestValidateDiscount(t *testing.T) {
	assert.NoError(t, ValidateDiscount(decimal.RequireFromString("0.15")))
	assert.Error(t, ValidateDiscount(decimal.Zero))
	assert.Error(t, ValidateDiscount(decimal.NewFromInt(-5)))
}

func TestValidateQuantities(t *testing.T) {
	assert.NoError(t, ValidateQuantities(models.UpdateQuantitiesRequest{Items: map[int64]int{1: 2, 2: 0}}))
	assert.Error(t, ValidateQuantities(models.UpdateQuantitiesRequest{}))
	assert.Error(t, ValidateQuantities(models.UpdateQuantitiesRequest{Items: map[int64]int{1: -1}}))
	assert.Error(t, ValidateQuantities(models.UpdateQuantitiesRequest{Items: map[int64]int{0: 1}}))
}

func TestReviewLongEnough(t *testing.T) {
	assert.True(t, ReviewLongEnough("", 0))
	assert.True(t, ReviewLongEnough("Great mug", 9))
	assert.False(t, ReviewLongEnough("  Great mug   ", 10))
}
