package classifier

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyshop/internal/models"
)

const markedBlob = `[{"label":"gift_note","value":"hello"},{"label":"loyalty_locked_qty","value":"1"}]`

func TestIsLoyaltyLine_SignalCombinations(t *testing.T) {
	for mask := 0; mask < 8; mask++ {
		option, data, additional := mask&1 != 0, mask&2 != 0, mask&4 != 0
		t.Run(fmt.Sprintf("option=%v/data=%v/additional=%v", option, data, additional), func(t *testing.T) {
			line := &models.CartLine{SKU: "SKU-1", Quantity: 1, Options: map[string]string{}, Data: map[string]any{}}
			if option {
				line.Options[MarkerCode] = "1"
			} else {
				line.Options[MarkerCode] = "0"
			}
			if data {
				line.Data[MarkerCode] = 1
			} else {
				line.Data[MarkerCode] = "0"
			}
			if additional {
				line.Options[AdditionalOptionsCode] = markedBlob
			} else {
				line.Options[AdditionalOptionsCode] = `[{"label":"loyalty_locked_qty","value":"0"}]`
			}

			want := option || data || additional
			assert.Equal(t, want, IsLoyaltyLine(line))

			var wantSignal Signal
			switch {
			case option:
				wantSignal = SignalOption
			case data:
				wantSignal = SignalData
			case additional:
				wantSignal = SignalAdditionalOptions
			default:
				wantSignal = SignalNone
			}
			assert.Equal(t, wantSignal, Match(line))
		})
	}
}

func TestIsLoyaltyLine_DataFieldValues(t *testing.T) {
	tests := []struct {
		value any
		want  bool
	}{
		{"1", true},
		{1, true},
		{int64(1), true},
		{float64(1), true},
		{"01", false},
		{2, false},
		{true, false},
		{nil, false},
	}
	for _, tt := range tests {
		line := &models.CartLine{Data: map[string]any{MarkerCode: tt.value}}
		assert.Equal(t, tt.want, IsLoyaltyLine(line), "value %#v", tt.value)
	}
}

func TestIsLoyaltyLine_OptionRequiresExactString(t *testing.T) {
	line := &models.CartLine{Options: map[string]string{MarkerCode: " 1"}}
	assert.False(t, IsLoyaltyLine(line))
}

func TestIsLoyaltyLine_MalformedAdditionalOptions(t *testing.T) {
	for _, blob := range []string{
		`a:1:{i:0;a:2:{s:5:"label"`,
		`{"label":"loyalty_locked_qty","value":"1"}`,
		`[{"label":"loyalty_locked_qty","value":1}]`,
		``,
	} {
		line := &models.CartLine{Options: map[string]string{AdditionalOptionsCode: blob}}
		assert.False(t, IsLoyaltyLine(line), "blob %q", blob)
	}
}

func TestIsLoyaltyLine_NilAndPlainLines(t *testing.T) {
	assert.False(t, IsLoyaltyLine(nil))
	assert.False(t, IsLoyaltyLine(&models.CartLine{SKU: "REG"}))
	assert.False(t, IsLoyaltyLine(&models.CartLine{Kind: models.LineKindRegular}))
}

func TestMark(t *testing.T) {
	line := &models.CartLine{SKU: "FREE-GIFT", Quantity: 1, UnitPrice: decimal.NewFromInt(25)}
	Mark(line)

	require.True(t, IsLoyaltyLine(line))
	assert.Equal(t, SignalKind, Match(line))
	assert.Equal(t, MarkerValue, line.Options[MarkerCode])
	assert.Equal(t, 1, line.Data[MarkerCode])
	assert.True(t, line.CustomPrice.Valid)
	assert.True(t, line.CustomPrice.Decimal.IsZero())
	assert.True(t, line.RowTotal().IsZero())

	// Legacy readers that only see the persisted markers agree.
	legacy := &models.CartLine{Options: line.Options, Data: line.Data}
	assert.True(t, IsLoyaltyLine(legacy))
}

func TestPriceAnomaly(t *testing.T) {
	line := &models.CartLine{Options: map[string]string{MarkerCode: "1"}, CustomPrice: decimal.NewNullDecimal(decimal.NewFromInt(10))}
	assert.True(t, PriceAnomaly(line))
	assert.True(t, IsLoyaltyLine(line), "price mismatch must not change classification")

	Mark(line)
	assert.False(t, PriceAnomaly(line))
	assert.False(t, PriceAnomaly(&models.CartLine{SKU: "REG", UnitPrice: decimal.NewFromInt(5)}))
}

func TestPartition(t *testing.T) {
	a := &models.CartLine{SKU: "A"}
	b := &models.CartLine{SKU: "B", Kind: models.LineKindLoyalty}
	c := &models.CartLine{SKU: "C"}

	loyalty, regular := Partition([]*models.CartLine{a, b, c})
	assert.Equal(t, []*models.CartLine{b}, loyalty)
	assert.Equal(t, []*models.CartLine{a, c}, regular)
}
