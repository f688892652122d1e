package inventory

import (
	"context"
	"fmt"
)

// Transfer moves aggregate stock between warehouses. Source lots are consumed oldest
// expiry first and the destination receives the units into its unbatched lot at their
// weighted cost; batch number and expiry do not travel.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferRecord, error) {
	if input.ProductID <= 0 || input.FromWarehouseID <= 0 || input.ToWarehouseID <= 0 {
		return TransferRecord{}, validationError("product and both warehouses required")
	}
	if input.FromWarehouseID == input.ToWarehouseID {
		return TransferRecord{}, validationError("source and destination warehouse must differ")
	}
	if input.Quantity <= 0 {
		return TransferRecord{}, validationError("quantity must be positive")
	}
	actorID := actorOr(ctx, input.ActorID)

	release, err := s.guard(ctx, input.IdempotencyKey, idempotencyTransfer)
	if err != nil {
		return TransferRecord{}, err
	}

	ref := fmt.Sprintf("%d:%d->%d", input.ProductID, input.FromWarehouseID, input.ToWarehouseID)
	var record TransferRecord
	err = s.run(ctx, "Transfer", actorID, "transfer", ref, func(ctx context.Context, l *ledgerTx) error {
		if err := l.activeWarehouse(ctx, input.ToWarehouseID); err != nil {
			return err
		}
		from := stockKey{ProductID: input.ProductID, WarehouseID: input.FromWarehouseID}
		to := stockKey{ProductID: input.ProductID, WarehouseID: input.ToWarehouseID}

		first, second := from, to
		if second.WarehouseID < first.WarehouseID {
			first, second = second, first
		}
		if _, err := l.lock(ctx, first.ProductID, first.WarehouseID); err != nil {
			return err
		}
		if _, err := l.lock(ctx, second.ProductID, second.WarehouseID); err != nil {
			return err
		}

		source := l.entries[from]
		if source.Quantity < input.Quantity {
			return &InsufficientStockError{
				ProductID:   input.ProductID,
				WarehouseID: input.FromWarehouseID,
				Requested:   input.Quantity,
				Available:   source.Quantity,
			}
		}
		allocs, _, err := l.consume(ctx, MovementTransferOut, from, input.Quantity, true)
		if err != nil {
			return err
		}
		cost := WeightedCost(allocs)
		if _, err := l.creditUnbatched(ctx, MovementTransferIn, to.ProductID, to.WarehouseID, input.Quantity, &cost); err != nil {
			return err
		}

		record = TransferRecord{
			ProductID:       input.ProductID,
			FromWarehouseID: input.FromWarehouseID,
			ToWarehouseID:   input.ToWarehouseID,
			Quantity:        input.Quantity,
			UnitCost:        cost,
			Note:            input.Note,
			TransferredAt:   l.now,
			CreatedBy:       actorID,
		}
		id, err := l.repo.InsertTransfer(ctx, record)
		if err != nil {
			return err
		}
		record.ID = id
		return nil
	})
	if err != nil {
		release()
		s.observeError(err)
		return TransferRecord{}, err
	}
	s.recordAudit(ctx, actorID, "inventory.transfer", "stock_transfer", idString(record.ID), map[string]any{
		"product_id": record.ProductID,
		"from":       record.FromWarehouseID,
		"to":         record.ToWarehouseID,
		"quantity":   record.Quantity,
		"unit_cost":  record.UnitCost.String(),
	})
	return record, nil
}
