package inventory

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

const (
	idempotencyDeduct   = "inventory.deduct"
	idempotencyTransfer = "inventory.transfer"
)

// Deduct takes stock for one product of a document, oldest expiry first. One line is
// written per batch touched, each carrying the batch's cost at the time of the sale.
func (s *Service) Deduct(ctx context.Context, input DeductInput) ([]DeductionLine, error) {
	return s.DeductMany(ctx, DeductManyInput{
		DocumentType:   input.DocumentType,
		DocumentRef:    input.DocumentRef,
		ActorID:        input.ActorID,
		IdempotencyKey: input.IdempotencyKey,
		Lines: []DeductLineInput{{
			ProductID:   input.ProductID,
			WarehouseID: input.WarehouseID,
			Quantity:    input.Quantity,
			UnitPrice:   input.UnitPrice,
		}},
	})
}

// DeductMany deducts every line of a document in one transaction; a shortfall on any
// line leaves the ledger untouched. Written lines are returned grouped by input line,
// in the order the lines were given.
func (s *Service) DeductMany(ctx context.Context, input DeductManyInput) ([]DeductionLine, error) {
	if err := validateDeduction(input); err != nil {
		return nil, err
	}
	actorID := actorOr(ctx, input.ActorID)

	release, err := s.guard(ctx, input.IdempotencyKey, idempotencyDeduct)
	if err != nil {
		return nil, err
	}

	// Lines are locked in (warehouse, product) order; results keep the caller's order.
	order := make([]int, len(input.Lines))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := input.Lines[order[i]], input.Lines[order[j]]
		if a.WarehouseID != b.WarehouseID {
			return a.WarehouseID < b.WarehouseID
		}
		return a.ProductID < b.ProductID
	})

	var written []DeductionLine
	err = s.run(ctx, "Deduct", actorID, string(input.DocumentType), input.DocumentRef, func(ctx context.Context, l *ledgerTx) error {
		perLine := make([][]DeductionLine, len(input.Lines))
		for _, idx := range order {
			out, err := l.deduct(ctx, input.DocumentType, input.DocumentRef, input.Lines[idx])
			if err != nil {
				return err
			}
			perLine[idx] = out
		}
		written = written[:0]
		for _, out := range perLine {
			written = append(written, out...)
		}
		return nil
	})
	if err != nil {
		release()
		s.observeError(err)
		return nil, err
	}
	s.recordAudit(ctx, actorID, "inventory.deduct", string(input.DocumentType), input.DocumentRef, map[string]any{
		"lines":   len(written),
		"batches": batchIDs(written),
	})
	return written, nil
}

func (l *ledgerTx) deduct(ctx context.Context, docType DocumentType, docRef string, in DeductLineInput) ([]DeductionLine, error) {
	key := stockKey{ProductID: in.ProductID, WarehouseID: in.WarehouseID}
	entry, err := l.lock(ctx, key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	if entry.Quantity < in.Quantity {
		return nil, &InsufficientStockError{
			ProductID:   key.ProductID,
			WarehouseID: key.WarehouseID,
			Requested:   in.Quantity,
			Available:   entry.Quantity,
		}
	}
	allocs, _, err := l.consume(ctx, MovementDeduction, key, in.Quantity, true)
	if err != nil {
		return nil, err
	}

	out := make([]DeductionLine, 0, len(allocs))
	for _, a := range allocs {
		line := DeductionLine{
			DocumentType:    docType,
			DocumentRef:     docRef,
			ProductID:       key.ProductID,
			WarehouseID:     key.WarehouseID,
			BatchID:         a.BatchID,
			Quantity:        a.Quantity,
			UnitPrice:       in.UnitPrice,
			CostPriceAtSale: a.UnitCost,
			CreatedBy:       l.actorID,
			CreatedAt:       l.now,
		}
		// A line only absorbs units sold at the same price and cost.
		existing, err := l.repo.FindDeductionLine(ctx, line)
		switch {
		case err == nil:
			if err := l.repo.AddDeductionQuantity(ctx, existing.ID, a.Quantity); err != nil {
				return nil, err
			}
			existing.Quantity += a.Quantity
			out = append(out, existing)
		case errors.Is(err, ErrNotFound):
			id, err := l.repo.InsertDeductionLine(ctx, line)
			if err != nil {
				return nil, err
			}
			line.ID = id
			out = append(out, line)
		default:
			return nil, err
		}
	}
	return out, nil
}

// DocumentMargin returns the lines of a document and their total margin at captured cost.
func (s *Service) DocumentMargin(ctx context.Context, docType DocumentType, docRef string) ([]DeductionLine, decimal.Decimal, error) {
	lines, err := s.repo.ListDeductionLines(ctx, docType, docRef)
	if err != nil {
		return nil, decimal.Zero, err
	}
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Margin())
	}
	return lines, total, nil
}

func validateDeduction(input DeductManyInput) error {
	if !input.DocumentType.Valid() {
		return validationError("unknown document type %q", input.DocumentType)
	}
	if input.DocumentRef == "" {
		return validationError("document reference required")
	}
	if len(input.Lines) == 0 {
		return validationError("deduction requires at least one line")
	}
	for _, line := range input.Lines {
		if line.ProductID <= 0 || line.WarehouseID <= 0 {
			return validationError("line product and warehouse required")
		}
		if line.Quantity <= 0 {
			return validationError("quantity must be positive")
		}
		if line.UnitPrice.IsNegative() {
			return validationError("unit price must not be negative")
		}
	}
	return nil
}

func batchIDs(lines []DeductionLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.BatchID)
	}
	return ids
}
