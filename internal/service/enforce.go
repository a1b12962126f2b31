package service

import (
	"loyaltyshop/internal/classifier"
	"loyaltyshop/internal/models"
)

// LockedQuantity is the only quantity a loyalty line may have.
const LockedQuantity = 1

// EnforceLockedQuantity pins a loyalty line to LockedQuantity and reports
// whether it had drifted. Regular lines are never touched. It runs on add,
// on update requests and before every save, so no pathway can persist an
// inflated loyalty quantity.
func EnforceLockedQuantity(line *models.CartLine) bool {
	if !classifier.IsLoyaltyLine(line) || line.Quantity == LockedQuantity {
		return false
	}
	line.Quantity = LockedQuantity
	return true
}
