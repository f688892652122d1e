package inventory

import (
	"context"
	"log/slog"
)

// VerifyStock compares the index with the batch sums and checks batch bounds. It never
// corrects anything; each violation is logged and counted.
func (s *Service) VerifyStock(ctx context.Context, filter VerifyFilter) ([]ConsistencyViolation, error) {
	rows, err := s.repo.Reconcile(ctx, filter)
	if err != nil {
		return nil, err
	}
	var violations []ConsistencyViolation
	for _, row := range rows {
		if row.Consistent() {
			continue
		}
		violations = append(violations, ConsistencyViolation{
			Kind:          ViolationIndexMismatch,
			ProductID:     row.ProductID,
			WarehouseID:   row.WarehouseID,
			IndexQuantity: row.IndexQuantity,
			BatchQuantity: row.BatchQuantity,
		})
	}

	batches, err := s.repo.OutOfBoundsBatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		violations = append(violations, ConsistencyViolation{
			Kind:          ViolationBatchBounds,
			ProductID:     b.ProductID,
			WarehouseID:   b.WarehouseID,
			BatchID:       b.ID,
			IndexQuantity: b.ReceivedUnits,
			BatchQuantity: b.RemainingQuantity,
		})
	}

	for _, v := range violations {
		s.metrics.IncConsistencyViolation(string(v.Kind))
		s.logger.Error("stock consistency violation",
			slog.String("kind", string(v.Kind)),
			slog.Int64("product_id", v.ProductID),
			slog.Int64("warehouse_id", v.WarehouseID),
			slog.Int64("batch_id", v.BatchID),
			slog.Int64("index_quantity", v.IndexQuantity),
			slog.Int64("batch_quantity", v.BatchQuantity))
	}
	return violations, nil
}

// RecomputeStock returns the sum of remaining batch quantities without writing.
func (s *Service) RecomputeStock(ctx context.Context, productID, warehouseID int64) (int64, error) {
	return s.repo.SumRemaining(ctx, productID, warehouseID)
}

// RepairStock sets the index to the batch sum under lock and journals the correction.
func (s *Service) RepairStock(ctx context.Context, productID, warehouseID, actorID int64) (StockReconciliation, error) {
	if productID <= 0 || warehouseID <= 0 {
		return StockReconciliation{}, validationError("product and warehouse required")
	}
	actorID = actorOr(ctx, actorID)

	var rec StockReconciliation
	err := s.run(ctx, "RepairStock", actorID, "repair", idString(productID)+":"+idString(warehouseID), func(ctx context.Context, l *ledgerTx) error {
		entry, err := l.lock(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		sum, err := l.repo.SumRemaining(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		rec = StockReconciliation{
			ProductID:     productID,
			WarehouseID:   warehouseID,
			IndexQuantity: entry.Quantity,
			BatchQuantity: sum,
		}
		if rec.Consistent() {
			return nil
		}
		return l.move(ctx, MovementRepair, stockKey{ProductID: productID, WarehouseID: warehouseID}, 0, sum-entry.Quantity)
	})
	if err != nil {
		return StockReconciliation{}, err
	}
	if !rec.Consistent() {
		s.logger.Warn("stock index repaired",
			slog.Int64("product_id", productID),
			slog.Int64("warehouse_id", warehouseID),
			slog.Int64("from", rec.IndexQuantity),
			slog.Int64("to", rec.BatchQuantity))
		s.recordAudit(ctx, actorID, "inventory.repair", "stock_entry", idString(productID)+":"+idString(warehouseID), map[string]any{
			"from": rec.IndexQuantity,
			"to":   rec.BatchQuantity,
		})
	}
	return rec, nil
}
