package inventory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func lot(id, remaining int64, cost int64, exp *time.Time, received time.Time) Batch {
	return Batch{
		ID:                  id,
		Source:              BatchSourceReceipt,
		ReceivedUnits:       remaining,
		RemainingQuantity:   remaining,
		CostPerSellableUnit: decimal.NewFromInt(cost),
		ExpiryDate:          exp,
		ReceivedAt:          received,
	}
}

func TestSortLotsOrdersByExpiryThenReceipt(t *testing.T) {
	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	lots := []Batch{
		lot(1, 5, 1, nil, day1),
		lot(2, 5, 1, expiry(time.May, 1), day2),
		lot(3, 5, 1, expiry(time.May, 1), day1),
		lot(4, 5, 1, expiry(time.April, 1), day2),
		lot(5, 5, 1, nil, day1),
	}
	SortLots(lots)

	ids := make([]int64, 0, len(lots))
	for _, l := range lots {
		ids = append(ids, l.ID)
	}
	require.Equal(t, []int64{4, 3, 2, 1, 5}, ids)
}

func TestAllocateSpansLots(t *testing.T) {
	now := time.Now()
	lots := []Batch{
		lot(1, 4, 10, expiry(time.June, 1), now),
		lot(2, 3, 12, expiry(time.March, 1), now),
		lot(3, 10, 9, nil, now),
	}

	allocs, err := Allocate(7, 1, lots, 9)
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	require.Equal(t, Allocation{BatchID: 2, Quantity: 3, UnitCost: decimal.NewFromInt(12), ExpiryDate: lots[1].ExpiryDate}, allocs[0])
	require.EqualValues(t, 1, allocs[1].BatchID)
	require.EqualValues(t, 4, allocs[1].Quantity)
	require.EqualValues(t, 3, allocs[2].BatchID)
	require.EqualValues(t, 2, allocs[2].Quantity)
	require.EqualValues(t, 4, lots[0].RemainingQuantity, "allocation must not modify the lots")
}

func TestAllocateSkipsReversedAndEmptyLots(t *testing.T) {
	now := time.Now()
	reversed := lot(1, 10, 1, expiry(time.January, 1), now)
	reversed.ReversedAt = &now
	empty := lot(2, 0, 1, expiry(time.January, 2), now)
	live := lot(3, 10, 1, nil, now)

	allocs, err := Allocate(1, 1, []Batch{reversed, empty, live}, 6)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.EqualValues(t, 3, allocs[0].BatchID)
}

func TestAllocateReportsShortfall(t *testing.T) {
	lots := []Batch{lot(1, 4, 1, nil, time.Now())}

	_, err := Allocate(7, 2, lots, 10)
	var shortage *InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.EqualValues(t, 7, shortage.ProductID)
	require.EqualValues(t, 2, shortage.WarehouseID)
	require.EqualValues(t, 4, shortage.Available)
	require.EqualValues(t, 6, shortage.Shortfall())

	_, err = Allocate(7, 2, lots, 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestAllocateUpToTakesWhatExists(t *testing.T) {
	lots := []Batch{lot(1, 4, 1, nil, time.Now()), lot(2, 3, 1, nil, time.Now())}

	allocs, taken := AllocateUpTo(lots, 10)
	require.EqualValues(t, 7, taken)
	require.Len(t, allocs, 2)

	allocs, taken = AllocateUpTo(nil, 10)
	require.Empty(t, allocs)
	require.Zero(t, taken)
}

func TestWeightedCost(t *testing.T) {
	cost := WeightedCost([]Allocation{
		{Quantity: 10, UnitCost: decimal.NewFromInt(10)},
		{Quantity: 30, UnitCost: decimal.NewFromInt(20)},
	})
	require.True(t, cost.Equal(decimal.RequireFromString("17.5")), cost.String())
	require.True(t, WeightedCost(nil).IsZero())
}

func TestCostPerSellableUnit(t *testing.T) {
	require.True(t, CostPerSellableUnit(decimal.NewFromInt(100), 5).Equal(decimal.NewFromInt(20)))
	require.True(t, CostPerSellableUnit(decimal.NewFromInt(100), 1).Equal(decimal.NewFromInt(100)))
	require.True(t, CostPerSellableUnit(decimal.NewFromInt(7), 0).Equal(decimal.NewFromInt(7)))
	require.EqualValues(t, 1, Product{UnitsPerStockingUnit: 0}.Factor())
}
