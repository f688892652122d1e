package inventory

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SortLots orders lots for consumption: earliest expiry first with undated lots last,
// then oldest receipt, then lowest id.
func SortLots(lots []Batch) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiryDate != nil && b.ExpiryDate != nil:
			if !a.ExpiryDate.Equal(*b.ExpiryDate) {
				return a.ExpiryDate.Before(*b.ExpiryDate)
			}
		case a.ExpiryDate != nil:
			return true
		case b.ExpiryDate != nil:
			return false
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
}

// Allocate plans taking needed units from lots of one (product, warehouse). It fails
// with *InsufficientStockError when the lots cannot cover the request; the lots are
// never modified.
func Allocate(productID, warehouseID int64, lots []Batch, needed int64) ([]Allocation, error) {
	if needed <= 0 {
		return nil, validationError("quantity must be positive")
	}
	allocs, taken := AllocateUpTo(lots, needed)
	if taken < needed {
		return nil, &InsufficientStockError{
			ProductID:   productID,
			WarehouseID: warehouseID,
			Requested:   needed,
			Available:   taken,
		}
	}
	return allocs, nil
}

// AllocateUpTo plans taking at most needed units and returns how many it could cover.
func AllocateUpTo(lots []Batch, needed int64) ([]Allocation, int64) {
	if needed <= 0 {
		return nil, 0
	}
	ordered := make([]Batch, 0, len(lots))
	for _, lot := range lots {
		if lot.Available() {
			ordered = append(ordered, lot)
		}
	}
	SortLots(ordered)

	var allocs []Allocation
	remaining := needed
	for _, lot := range ordered {
		if remaining == 0 {
			break
		}
		take := min(lot.RemainingQuantity, remaining)
		allocs = append(allocs, Allocation{
			BatchID:    lot.ID,
			Quantity:   take,
			UnitCost:   lot.CostPerSellableUnit,
			ExpiryDate: lot.ExpiryDate,
		})
		remaining -= take
	}
	return allocs, needed - remaining
}

// WeightedCost returns the quantity-weighted cost per unit of allocations.
func WeightedCost(allocs []Allocation) decimal.Decimal {
	var qty int64
	total := decimal.Zero
	for _, a := range allocs {
		qty += a.Quantity
		total = total.Add(a.UnitCost.Mul(decimal.NewFromInt(a.Quantity)))
	}
	if qty == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(qty))
}

// CostPerSellableUnit converts a stocking-unit cost.
func CostPerSellableUnit(unitCost decimal.Decimal, factor int64) decimal.Decimal {
	if factor <= 1 {
		return unitCost
	}
	return unitCost.Div(decimal.NewFromInt(factor))
}
