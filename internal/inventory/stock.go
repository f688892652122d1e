package inventory

import (
	"context"
	"errors"
)

// CurrentStock returns the index quantity, zero for a pair that never moved. Reads may be
// served from the snapshot cache.
func (s *Service) CurrentStock(ctx context.Context, productID, warehouseID int64) (int64, error) {
	load := func(ctx context.Context) (int64, error) {
		entry, err := s.repo.GetStockEntry(ctx, productID, warehouseID)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return entry.Quantity, nil
	}
	if s.snapshots == nil {
		return load(ctx)
	}
	return s.snapshots.Fetch(ctx, productID, warehouseID, load)
}

// TotalStock sums a product across warehouses.
func (s *Service) TotalStock(ctx context.Context, productID int64) (int64, error) {
	return s.repo.TotalStock(ctx, productID)
}

// ListStock lists index rows.
func (s *Service) ListStock(ctx context.Context, filter StockFilter) ([]StockEntry, error) {
	return s.repo.ListStock(ctx, filter)
}

// ListLowStock lists entries under their minimum level, optionally in one warehouse.
func (s *Service) ListLowStock(ctx context.Context, warehouseID int64) ([]StockEntry, error) {
	return s.repo.ListStock(ctx, StockFilter{WarehouseID: warehouseID, LowOnly: true})
}

// SetMinStockLevel sets or clears (nil) the low-stock threshold of a pair.
func (s *Service) SetMinStockLevel(ctx context.Context, productID, warehouseID int64, level *int64, actorID int64) (StockEntry, error) {
	if productID <= 0 || warehouseID <= 0 {
		return StockEntry{}, validationError("product and warehouse required")
	}
	if level != nil && *level < 0 {
		return StockEntry{}, validationError("minimum stock level must not be negative")
	}
	actorID = actorOr(ctx, actorID)

	var entry StockEntry
	err := s.run(ctx, "SetMinStockLevel", actorID, "stock_entry", idString(productID)+":"+idString(warehouseID), func(ctx context.Context, l *ledgerTx) error {
		locked, err := l.lock(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		if err := l.repo.SetMinStockLevel(ctx, productID, warehouseID, level); err != nil {
			return err
		}
		locked.MinStockLevel = level
		l.entries[stockKey{ProductID: productID, WarehouseID: warehouseID}] = locked
		entry = locked
		return nil
	})
	if err != nil {
		return StockEntry{}, err
	}
	s.recordAudit(ctx, actorID, "inventory.min_stock", "stock_entry", idString(productID)+":"+idString(warehouseID), map[string]any{
		"min_stock_level": level,
	})
	return entry, nil
}

// ListBatches lists lots in allocation order.
func (s *Service) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	return s.repo.ListBatches(ctx, filter)
}

// StockCard returns the movement journal of a pair.
func (s *Service) StockCard(ctx context.Context, filter StockCardFilter) ([]StockMovement, error) {
	if filter.ProductID <= 0 || filter.WarehouseID <= 0 {
		return nil, validationError("product and warehouse required")
	}
	return s.repo.StockCard(ctx, filter)
}

// GetReceipt loads a receipt and its lines.
func (s *Service) GetReceipt(ctx context.Context, id int64) (ReceiptDocument, []ReceiptLine, error) {
	return s.repo.GetReceipt(ctx, id)
}

// GetCountSession loads a count session and its lines.
func (s *Service) GetCountSession(ctx context.Context, id int64) (CountSession, error) {
	return s.repo.GetCountSession(ctx, id)
}
