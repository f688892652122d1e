package inventory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

const refReceipt = "receipt"

// CreateReceipt stores a receipt document. A receipt created as received is applied in
// the same transaction.
func (s *Service) CreateReceipt(ctx context.Context, input CreateReceiptInput) (ReceiptResult, error) {
	if input.Status == "" {
		input.Status = ReceiptStatusPending
	}
	if err := validateReceipt(input.Number, input.WarehouseID, input.Status, input.Lines); err != nil {
		return ReceiptResult{}, err
	}
	actorID := actorOr(ctx, input.ActorID)

	var result ReceiptResult
	err := s.run(ctx, "CreateReceipt", actorID, refReceipt, input.Number, func(ctx context.Context, l *ledgerTx) error {
		if err := l.activeWarehouse(ctx, input.WarehouseID); err != nil {
			return err
		}
		doc := ReceiptDocument{
			Number:      input.Number,
			SupplierID:  input.SupplierID,
			WarehouseID: input.WarehouseID,
			Status:      input.Status,
			CreatedBy:   actorID,
			UpdatedAt:   l.now,
		}
		if input.Status == ReceiptStatusReceived {
			doc.Status = ReceiptStatusPending
		}
		id, err := l.repo.InsertReceipt(ctx, doc)
		if err != nil {
			return err
		}
		doc.ID = id
		l.refID = idString(id)

		lines, err := l.insertReceiptLines(ctx, id, input.Lines)
		if err != nil {
			return err
		}
		result = ReceiptResult{Receipt: doc, Lines: lines}
		if input.Status != ReceiptStatusReceived {
			return nil
		}
		return l.receiveInto(ctx, &result)
	})
	if err != nil {
		s.observeError(err)
		return ReceiptResult{}, err
	}
	s.recordAudit(ctx, actorID, "inventory.receipt.create", "receipt", idString(result.Receipt.ID), map[string]any{
		"number":  result.Receipt.Number,
		"status":  result.Receipt.Status,
		"applied": result.Applied,
	})
	return result, nil
}

// UpdateReceiptLines replaces the lines of a receipt whose stock is not on the ledger.
func (s *Service) UpdateReceiptLines(ctx context.Context, receiptID int64, lines []ReceiptLineInput, actorID int64) (ReceiptResult, error) {
	if err := validateReceiptLines(lines); err != nil {
		return ReceiptResult{}, err
	}
	actorID = actorOr(ctx, actorID)

	var result ReceiptResult
	err := s.run(ctx, "UpdateReceiptLines", actorID, refReceipt, idString(receiptID), func(ctx context.Context, l *ledgerTx) error {
		doc, _, err := l.repo.LockReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		if doc.StockApplied {
			return ErrReceiptLocked
		}
		if err := l.repo.DeleteReceiptLines(ctx, receiptID); err != nil {
			return err
		}
		inserted, err := l.insertReceiptLines(ctx, receiptID, lines)
		if err != nil {
			return err
		}
		doc.UpdatedAt = l.now
		if err := l.repo.UpdateReceiptState(ctx, doc); err != nil {
			return err
		}
		result = ReceiptResult{Receipt: doc, Lines: inserted}
		return nil
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	s.recordAudit(ctx, actorID, "inventory.receipt.update_lines", "receipt", idString(receiptID), map[string]any{
		"lines": len(result.Lines),
	})
	return result, nil
}

// ApplyReceipt moves a receipt into received and puts its lines on the ledger. It returns
// ErrAlreadyApplied, with no ledger change, when the stock is already applied.
func (s *Service) ApplyReceipt(ctx context.Context, receiptID, actorID int64) (ReceiptResult, error) {
	return s.transition(ctx, "ApplyReceipt", receiptID, ReceiptStatusReceived, actorID, false)
}

// ReverseReceipt takes a received receipt's stock off the ledger and moves it back to
// pending. It returns ErrNotApplied, with no change, when there is nothing to reverse.
func (s *Service) ReverseReceipt(ctx context.Context, receiptID, actorID int64) (ReceiptResult, error) {
	return s.transition(ctx, "ReverseReceipt", receiptID, ReceiptStatusPending, actorID, true)
}

// SetReceiptStatus saves a receipt status. Entering received applies stock once and
// leaving received reverses it once, guarded by the stock_applied flag. Saving received
// again on an applied receipt returns ErrAlreadyApplied.
func (s *Service) SetReceiptStatus(ctx context.Context, receiptID int64, status ReceiptStatus, actorID int64) (ReceiptResult, error) {
	if !status.Valid() {
		return ReceiptResult{}, validationError("unknown receipt status %q", status)
	}
	return s.transition(ctx, "SetReceiptStatus", receiptID, status, actorID, false)
}

func (s *Service) transition(ctx context.Context, op string, receiptID int64, status ReceiptStatus, actorID int64, requireApplied bool) (ReceiptResult, error) {
	actorID = actorOr(ctx, actorID)

	var (
		result ReceiptResult
		noop   error
	)
	err := s.run(ctx, op, actorID, refReceipt, idString(receiptID), func(ctx context.Context, l *ledgerTx) error {
		noop = nil
		doc, lines, err := l.repo.LockReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		result = ReceiptResult{Receipt: doc, Lines: lines}

		switch {
		case status == ReceiptStatusReceived && doc.StockApplied:
			noop = ErrAlreadyApplied
			return nil
		case status == ReceiptStatusReceived:
			if err := l.activeWarehouse(ctx, doc.WarehouseID); err != nil {
				return err
			}
			return l.receiveInto(ctx, &result)
		case doc.StockApplied:
			result.Receipt.Status = status
			return l.reverseInto(ctx, &result)
		case requireApplied:
			noop = ErrNotApplied
			return nil
		default:
			result.Receipt.Status = status
			result.Receipt.UpdatedAt = l.now
			return l.repo.UpdateReceiptState(ctx, result.Receipt)
		}
	})
	if err != nil {
		s.observeError(err)
		return ReceiptResult{}, err
	}
	if noop != nil {
		return result, noop
	}
	for _, w := range result.Warnings {
		s.metrics.IncReversalWarning()
		s.logger.Warn("receipt reversal: lot partly consumed",
			slog.Int64("receipt_id", receiptID),
			slog.Int64("batch_id", w.BatchID),
			slog.Int64("product_id", w.ProductID),
			slog.Int64("warehouse_id", w.WarehouseID),
			slog.Int64("received_units", w.ReceivedUnits),
			slog.Int64("taken_elsewhere", w.TakenElsewhere),
			slog.Int64("unrecovered", w.Unrecovered))
	}
	s.recordAudit(ctx, actorID, "inventory.receipt.status", "receipt", idString(receiptID), map[string]any{
		"status":   result.Receipt.Status,
		"applied":  result.Applied,
		"reversed": result.Reversed,
		"warnings": len(result.Warnings),
	})
	return result, nil
}

func (l *ledgerTx) activeWarehouse(ctx context.Context, id int64) error {
	wh, err := l.repo.GetWarehouse(ctx, id)
	if err != nil {
		return err
	}
	if !wh.Active {
		return ErrWarehouseInactive
	}
	return nil
}

func (l *ledgerTx) insertReceiptLines(ctx context.Context, receiptID int64, inputs []ReceiptLineInput) ([]ReceiptLine, error) {
	lines := make([]ReceiptLine, 0, len(inputs))
	for _, in := range inputs {
		product, err := l.product(ctx, in.ProductID)
		if err != nil {
			return nil, err
		}
		if product.TracksExpiry && in.ExpiryDate == nil {
			return nil, validationError("product %s requires an expiry date", product.Code)
		}
		line := ReceiptLine{
			ReceiptID:   receiptID,
			ProductID:   in.ProductID,
			Quantity:    in.Quantity,
			UnitCost:    in.UnitCost,
			ExpiryDate:  in.ExpiryDate,
			BatchNumber: in.BatchNumber,
		}
		id, err := l.repo.InsertReceiptLine(ctx, line)
		if err != nil {
			return nil, err
		}
		line.ID = id
		lines = append(lines, line)
	}
	return lines, nil
}

// receiveInto creates or reactivates one lot per line and credits it in full.
func (l *ledgerTx) receiveInto(ctx context.Context, result *ReceiptResult) error {
	doc := result.Receipt
	for _, line := range sortedReceiptLines(result.Lines) {
		product, err := l.product(ctx, line.ProductID)
		if err != nil {
			return err
		}
		if _, err := l.lock(ctx, line.ProductID, doc.WarehouseID); err != nil {
			return err
		}
		units := line.Quantity * product.Factor()
		lot := Batch{
			ReceiptID:           doc.ID,
			ProductID:           line.ProductID,
			WarehouseID:         doc.WarehouseID,
			Source:              BatchSourceReceipt,
			Quantity:            line.Quantity,
			ReceivedUnits:       units,
			UnitCost:            line.UnitCost,
			CostPerSellableUnit: CostPerSellableUnit(line.UnitCost, product.Factor()),
			ExpiryDate:          line.ExpiryDate,
			BatchNumber:         line.BatchNumber,
			ReceivedAt:          l.now,
		}

		existing, err := l.repo.LockReceiptBatch(ctx, doc.ID, line.ProductID)
		switch {
		case err == nil && existing.Active():
			return &DuplicateBatchError{ReceiptID: doc.ID, ProductID: line.ProductID}
		case err == nil:
			lot.ID = existing.ID
			if err := l.repo.UpdateBatch(ctx, lot); err != nil {
				return err
			}
		case errors.Is(err, ErrNotFound):
			id, err := l.repo.InsertBatch(ctx, lot)
			if err != nil {
				return err
			}
			lot.ID = id
		default:
			return err
		}

		lot, err = l.creditLot(ctx, MovementReceiptIn, lot, units)
		if err != nil {
			return err
		}
		result.Batches = append(result.Batches, lot)
	}

	received := l.now
	result.Receipt.Status = ReceiptStatusReceived
	result.Receipt.StockApplied = true
	result.Receipt.ReceivedAt = &received
	result.Receipt.UpdatedAt = l.now
	result.Applied = true
	return l.repo.UpdateReceiptState(ctx, result.Receipt)
}

// reverseInto removes each line's received units: first from its own lot, then FEFO
// from the other lots of the same product and warehouse, never below zero.
func (l *ledgerTx) reverseInto(ctx context.Context, result *ReceiptResult) error {
	doc := result.Receipt
	reversedAt := l.now
	for _, line := range sortedReceiptLines(result.Lines) {
		key := stockKey{ProductID: line.ProductID, WarehouseID: doc.WarehouseID}
		if _, err := l.lock(ctx, key.ProductID, key.WarehouseID); err != nil {
			return err
		}
		lot, err := l.repo.LockReceiptBatch(ctx, doc.ID, line.ProductID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !lot.Active() {
			continue
		}

		own := lot.RemainingQuantity
		lot.RemainingQuantity = 0
		lot.ReversedAt = &reversedAt
		if err := l.repo.UpdateBatch(ctx, lot); err != nil {
			return err
		}
		if own > 0 {
			if err := l.move(ctx, MovementReceiptReversal, key, lot.ID, -own); err != nil {
				return err
			}
		}

		shortfall := lot.ReceivedUnits - own
		if shortfall <= 0 {
			continue
		}
		_, taken, err := l.consume(ctx, MovementReceiptReversal, key, shortfall, false)
		if err != nil {
			return err
		}
		result.Warnings = append(result.Warnings, ReversalWarning{
			ProductID:      key.ProductID,
			WarehouseID:    key.WarehouseID,
			BatchID:        lot.ID,
			ReceivedUnits:  lot.ReceivedUnits,
			Remaining:      own,
			TakenElsewhere: taken,
			Unrecovered:    shortfall - taken,
		})
	}

	result.Receipt.StockApplied = false
	result.Receipt.UpdatedAt = l.now
	result.Reversed = true
	return l.repo.UpdateReceiptState(ctx, result.Receipt)
}

func sortedReceiptLines(lines []ReceiptLine) []ReceiptLine {
	out := append([]ReceiptLine(nil), lines...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func validateReceipt(number string, warehouseID int64, status ReceiptStatus, lines []ReceiptLineInput) error {
	if number == "" {
		return validationError("receipt number required")
	}
	if warehouseID <= 0 {
		return validationError("warehouse required")
	}
	if !status.Valid() {
		return validationError("unknown receipt status %q", status)
	}
	return validateReceiptLines(lines)
}

func validateReceiptLines(lines []ReceiptLineInput) error {
	if len(lines) == 0 {
		return validationError("receipt requires at least one line")
	}
	seen := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID <= 0 {
			return validationError("line product required")
		}
		if _, dup := seen[line.ProductID]; dup {
			return validationError("product %d appears twice on receipt", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
		if line.Quantity <= 0 {
			return validationError("line quantity must be positive")
		}
		if line.UnitCost.IsNegative() {
			return validationError("line unit cost must not be negative")
		}
	}
	return nil
}

func (s *Service) observeError(err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		s.metrics.IncShortage()
	case errors.Is(err, ErrDuplicateBatch):
		s.metrics.IncDuplicateBatch()
	}
}
