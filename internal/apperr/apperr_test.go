package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("add product: %w", Wrap(KindNetwork, "ledger.add_to_cart", errors.New("dial tcp: timeout")))

	assert.Equal(t, KindNetwork, KindOf(err))
	assert.True(t, errors.Is(err, Network))
	assert.False(t, errors.Is(err, Eligibility))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := New(KindValidation, "service.add_product", "sku is required")
	assert.Equal(t, "service.add_product: sku is required", err.Error())

	wrapped := Wrap(KindPersistence, "database.save_cart", errors.New("disk full"))
	assert.Equal(t, "database.save_cart: persistence: disk full", wrapped.Error())
}
