package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ledgerTx carries the locks and pending movements of one ledger transaction. Every
// change to a lot's remaining quantity goes through it so the stock index and the
// movement journal move in the same statement batch.
type ledgerTx struct {
	repo    TxRepository
	now     time.Time
	actorID int64
	refType string
	refID   string

	entries  map[stockKey]StockEntry
	deltas   map[stockKey]int64
	order    []stockKey
	products map[int64]Product
}

func newLedgerTx(repo TxRepository, now time.Time, actorID int64, refType, refID string) *ledgerTx {
	return &ledgerTx{
		repo:     repo,
		now:      now,
		actorID:  actorID,
		refType:  refType,
		refID:    refID,
		entries:  make(map[stockKey]StockEntry),
		deltas:   make(map[stockKey]int64),
		products: make(map[int64]Product),
	}
}

func (l *ledgerTx) product(ctx context.Context, id int64) (Product, error) {
	if p, ok := l.products[id]; ok {
		return p, nil
	}
	p, err := l.repo.GetProduct(ctx, id)
	if err != nil {
		return Product{}, err
	}
	l.products[id] = p
	return p, nil
}

// lock takes the row lock on the index entry, creating the row when missing.
func (l *ledgerTx) lock(ctx context.Context, productID, warehouseID int64) (StockEntry, error) {
	key := stockKey{ProductID: productID, WarehouseID: warehouseID}
	if entry, ok := l.entries[key]; ok {
		return entry, nil
	}
	entry, err := l.repo.LockStockEntry(ctx, productID, warehouseID)
	if err != nil {
		return StockEntry{}, err
	}
	l.entries[key] = entry
	l.order = append(l.order, key)
	return entry, nil
}

// move applies delta to a locked index entry and journals it.
func (l *ledgerTx) move(ctx context.Context, typ MovementType, key stockKey, batchID int64, delta int64) error {
	entry, ok := l.entries[key]
	if !ok {
		return errors.New("inventory: stock entry not locked")
	}
	next := entry.Quantity + delta
	if next < 0 {
		return &ConsistencyViolation{
			Kind:          ViolationIndexMismatch,
			ProductID:     key.ProductID,
			WarehouseID:   key.WarehouseID,
			BatchID:       batchID,
			IndexQuantity: entry.Quantity,
			BatchQuantity: next,
		}
	}
	if err := l.repo.SetStockQuantity(ctx, key.ProductID, key.WarehouseID, next, l.now); err != nil {
		return err
	}
	mv := StockMovement{
		Type:         typ,
		RefType:      l.refType,
		RefID:        l.refID,
		ProductID:    key.ProductID,
		WarehouseID:  key.WarehouseID,
		Delta:        delta,
		BalanceAfter: next,
		ActorID:      l.actorID,
		PostedAt:     l.now,
	}
	if batchID != 0 {
		id := batchID
		mv.BatchID = &id
	}
	if err := l.repo.InsertMovement(ctx, mv); err != nil {
		return err
	}
	entry.Quantity = next
	entry.UpdatedAt = l.now
	l.entries[key] = entry
	l.deltas[key] += delta
	return nil
}

// consume takes qty units from the lots of a locked entry in FEFO order. In strict
// mode a shortfall fails the transaction; otherwise it takes what exists.
func (l *ledgerTx) consume(ctx context.Context, typ MovementType, key stockKey, qty int64, strict bool) ([]Allocation, int64, error) {
	if qty <= 0 {
		return nil, 0, nil
	}
	lots, err := l.repo.LockLots(ctx, key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, 0, err
	}
	var (
		allocs []Allocation
		taken  int64
	)
	if strict {
		allocs, err = Allocate(key.ProductID, key.WarehouseID, lots, qty)
		if err != nil {
			return nil, 0, err
		}
		taken = qty
	} else {
		allocs, taken = AllocateUpTo(lots, qty)
	}
	byID := make(map[int64]Batch, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}
	for _, a := range allocs {
		lot := byID[a.BatchID]
		lot.RemainingQuantity -= a.Quantity
		if err := l.repo.UpdateBatch(ctx, lot); err != nil {
			return nil, 0, err
		}
		if err := l.move(ctx, typ, key, lot.ID, -a.Quantity); err != nil {
			return nil, 0, err
		}
	}
	return allocs, taken, nil
}

// creditLot adds qty to an already locked lot without exceeding its received units.
func (l *ledgerTx) creditLot(ctx context.Context, typ MovementType, lot Batch, qty int64) (Batch, error) {
	if qty > lot.Headroom() {
		return lot, &ConsistencyViolation{
			Kind:          ViolationBatchBounds,
			ProductID:     lot.ProductID,
			WarehouseID:   lot.WarehouseID,
			BatchID:       lot.ID,
			IndexQuantity: lot.ReceivedUnits,
			BatchQuantity: lot.RemainingQuantity + qty,
		}
	}
	lot.RemainingQuantity += qty
	if err := l.repo.UpdateBatch(ctx, lot); err != nil {
		return lot, err
	}
	key := stockKey{ProductID: lot.ProductID, WarehouseID: lot.WarehouseID}
	return lot, l.move(ctx, typ, key, lot.ID, qty)
}

// unbatchedLot returns the locked unbatched lot of a (product, warehouse), creating it.
func (l *ledgerTx) unbatchedLot(ctx context.Context, productID, warehouseID int64) (Batch, error) {
	lot, err := l.repo.LockUnbatchedLot(ctx, productID, warehouseID)
	if err == nil {
		return lot, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Batch{}, err
	}
	lot = Batch{
		ProductID:           productID,
		WarehouseID:         warehouseID,
		Source:              BatchSourceUnbatched,
		UnitCost:            decimal.Zero,
		CostPerSellableUnit: decimal.Zero,
		ReceivedAt:          l.now,
	}
	id, err := l.repo.InsertBatch(ctx, lot)
	if err != nil {
		return Batch{}, err
	}
	lot.ID = id
	return lot, nil
}

// creditUnbatched grows the unbatched lot by qty. A non-nil cost is blended into the
// lot's cost weighted by quantity.
func (l *ledgerTx) creditUnbatched(ctx context.Context, typ MovementType, productID, warehouseID, qty int64, cost *decimal.Decimal) (Batch, error) {
	lot, err := l.unbatchedLot(ctx, productID, warehouseID)
	if err != nil {
		return Batch{}, err
	}
	if cost != nil {
		held := decimal.NewFromInt(lot.RemainingQuantity)
		added := decimal.NewFromInt(qty)
		total := held.Add(added)
		if total.IsPositive() {
			lot.CostPerSellableUnit = lot.CostPerSellableUnit.Mul(held).Add(cost.Mul(added)).Div(total)
			lot.UnitCost = lot.CostPerSellableUnit
		}
	}
	lot.ReceivedUnits += qty
	lot.Quantity = lot.ReceivedUnits
	return l.creditLot(ctx, typ, lot, qty)
}
