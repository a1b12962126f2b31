// Package classifier decides whether a cart line was granted through the
// loyalty flow.
//
// New lines carry an explicit models.LineKind. Lines written by older
// deployments only carry one or more legacy markers, so the classifier also
// reads those, in priority order, first match wins:
//
//  1. typed option "loyalty_locked_qty" with value exactly "1"
//  2. raw data field "loyalty_locked_qty" equal to "1" or 1
//  3. an "additional_options" blob listing {label: "loyalty_locked_qty", value: "1"}
//
// All call sites (cart view, quantity enforcement, expiry reaping) go through
// IsLoyaltyLine so they always agree.
package classifier

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"loyaltyshop/internal/models"
)

const (
	// MarkerCode is the option code, data key and additional_options label.
	MarkerCode = "loyalty_locked_qty"
	// MarkerValue is the only value that marks a loyalty line.
	MarkerValue = "1"
	// AdditionalOptionsCode holds the serialized label/value list.
	AdditionalOptionsCode = "additional_options"
)

// Signal identifies which marker matched.
type Signal int

const (
	SignalNone Signal = iota
	SignalKind
	SignalOption
	SignalData
	SignalAdditionalOptions
)

func (s Signal) String() string {
	switch s {
	case SignalKind:
		return "kind"
	case SignalOption:
		return "option"
	case SignalData:
		return "data"
	case SignalAdditionalOptions:
		return "additional_options"
	default:
		return "none"
	}
}

// IsLoyaltyLine reports whether line is loyalty-granted.
func IsLoyaltyLine(line *models.CartLine) bool {
	return Match(line) != SignalNone
}

// Match returns the first signal that marks line as a loyalty line.
func Match(line *models.CartLine) Signal {
	if line == nil {
		return SignalNone
	}
	if line.Kind == models.LineKindLoyalty {
		return SignalKind
	}
	if v, ok := line.Options[MarkerCode]; ok && v == MarkerValue {
		return SignalOption
	}
	if dataMarked(line.Data[MarkerCode]) {
		return SignalData
	}
	if blob, ok := line.Options[AdditionalOptionsCode]; ok && additionalOptionsMarked(blob) {
		return SignalAdditionalOptions
	}
	return SignalNone
}

func dataMarked(v any) bool {
	switch t := v.(type) {
	case string:
		return t == MarkerValue
	case int:
		return t == 1
	case int64:
		return t == 1
	case float64:
		// JSON round trips turn integer 1 into float64.
		return t == 1
	case json.Number:
		return t.String() == MarkerValue
	default:
		return false
	}
}

type labeledOption struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

func additionalOptionsMarked(blob string) bool {
	var opts []labeledOption
	if err := json.Unmarshal([]byte(blob), &opts); err != nil {
		return false
	}
	for _, opt := range opts {
		if opt.Label != MarkerCode {
			continue
		}
		if s, ok := opt.Value.(string); ok && s == MarkerValue {
			return true
		}
	}
	return false
}

// Mark turns line into a loyalty line: zero custom price, explicit kind, the
// typed option and the raw data field.
func Mark(line *models.CartLine) {
	line.Kind = models.LineKindLoyalty
	line.CustomPrice = decimal.NewNullDecimal(decimal.Zero)
	if line.Options == nil {
		line.Options = make(map[string]string)
	}
	line.Options[MarkerCode] = MarkerValue
	if line.Data == nil {
		line.Data = make(map[string]any)
	}
	line.Data[MarkerCode] = 1
}

// PriceAnomaly reports a loyalty line whose custom price is not zero. The line
// is still treated as a loyalty line.
func PriceAnomaly(line *models.CartLine) bool {
	if !IsLoyaltyLine(line) {
		return false
	}
	return !line.CustomPrice.Valid || !line.CustomPrice.Decimal.IsZero()
}

// Partition splits lines into loyalty and regular lines, preserving order.
func Partition(lines []*models.CartLine) (loyalty, regular []*models.CartLine) {
	for _, line := range lines {
		if IsLoyaltyLine(line) {
			loyalty = append(loyalty, line)
		} else {
			regular = append(regular, line)
		}
	}
	return loyalty, regular
}
