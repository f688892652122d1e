package inventory

import (
	"context"

	"github.com/shopspring/decimal"
)

// Reasons recorded on ambiguous credit lines.
const (
	ReasonNoBatch       = "no originating batch"
	ReasonBatchReversed = "originating batch reversed"
	ReasonBatchFull     = "originating batch at received quantity"
)

// Credit returns stock. When the originating batch is known (directly or through a
// deduction line) it absorbs as much as its received quantity allows; the rest, or the
// whole return when no batch is known, goes to the warehouse's unbatched lot and is
// recorded as ambiguous. The index always grows by the full quantity.
func (s *Service) Credit(ctx context.Context, input CreditInput) ([]CreditLine, error) {
	if input.Quantity <= 0 {
		return nil, validationError("quantity must be positive")
	}
	if input.DeductionLineID == 0 && input.BatchID == 0 && (input.ProductID <= 0 || input.WarehouseID <= 0) {
		return nil, validationError("credit requires a deduction line, a batch, or product and warehouse")
	}
	actorID := actorOr(ctx, input.ActorID)

	var lines []CreditLine
	err := s.run(ctx, "Credit", actorID, "credit", input.DocumentRef, func(ctx context.Context, l *ledgerTx) error {
		var err error
		lines, err = l.credit(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		s.recordAudit(ctx, actorID, "inventory.credit", "batch", idString(line.BatchID), map[string]any{
			"quantity":          line.Quantity,
			"ambiguous":         line.Ambiguous,
			"reason":            line.Reason,
			"deduction_line_id": line.DeductionLineID,
			"document_ref":      line.DocumentRef,
		})
	}
	return lines, nil
}

func (l *ledgerTx) credit(ctx context.Context, in CreditInput) ([]CreditLine, error) {
	productID, warehouseID, batchID := in.ProductID, in.WarehouseID, in.BatchID

	if in.DeductionLineID != 0 {
		dl, err := l.repo.LockDeductionLine(ctx, in.DeductionLineID)
		if err != nil {
			return nil, err
		}
		if batchID != 0 && batchID != dl.BatchID {
			return nil, validationError("batch %d does not match deduction line %d", batchID, dl.ID)
		}
		credited, err := l.repo.CreditedQuantity(ctx, dl.ID)
		if err != nil {
			return nil, err
		}
		if credited+in.Quantity > dl.Quantity {
			return nil, ErrOverReturn
		}
		productID, warehouseID, batchID = dl.ProductID, dl.WarehouseID, dl.BatchID
	} else if batchID != 0 {
		b, err := l.repo.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if (productID != 0 && productID != b.ProductID) || (warehouseID != 0 && warehouseID != b.WarehouseID) {
			return nil, validationError("batch %d does not belong to product %d in warehouse %d", batchID, productID, warehouseID)
		}
		productID, warehouseID = b.ProductID, b.WarehouseID
	}

	if _, err := l.lock(ctx, productID, warehouseID); err != nil {
		return nil, err
	}

	base := CreditLine{
		DeductionLineID: in.DeductionLineID,
		ProductID:       productID,
		WarehouseID:     warehouseID,
		DocumentRef:     in.DocumentRef,
		CreatedBy:       l.actorID,
		CreatedAt:       l.now,
	}
	var out []CreditLine
	rest := in.Quantity
	reason := ReasonNoBatch
	ambiguous := true
	var cost *decimal.Decimal

	if batchID != 0 {
		lot, err := l.repo.LockBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		cost = &lot.CostPerSellableUnit
		switch {
		case lot.Source == BatchSourceUnbatched:
			reason, ambiguous = "", false
		case !lot.Active():
			reason = ReasonBatchReversed
		default:
			reason = ReasonBatchFull
			if take := min(rest, lot.Headroom()); take > 0 {
				if _, err := l.creditLot(ctx, MovementCredit, lot, take); err != nil {
					return nil, err
				}
				line := base
				line.BatchID = lot.ID
				line.Quantity = take
				out = append(out, line)
				rest -= take
			}
		}
	}

	if rest > 0 {
		lot, err := l.creditUnbatched(ctx, MovementCredit, productID, warehouseID, rest, cost)
		if err != nil {
			return nil, err
		}
		line := base
		line.BatchID = lot.ID
		line.Quantity = rest
		line.Ambiguous = ambiguous
		line.Reason = reason
		out = append(out, line)
	}

	for i := range out {
		id, err := l.repo.InsertCreditLine(ctx, out[i])
		if err != nil {
			return nil, err
		}
		out[i].ID = id
	}
	return out, nil
}

// IsAmbiguous reports whether any credit line fell back to the unbatched lot.
func IsAmbiguous(lines []CreditLine) bool {
	for _, line := range lines {
		if line.Ambiguous {
			return true
		}
	}
	return false
}
