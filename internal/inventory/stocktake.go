package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

const refCount = "count_session"

// CreateCountSession opens a draft count of a warehouse. Without product ids every
// product holding an index row in the warehouse is counted.
func (s *Service) CreateCountSession(ctx context.Context, input CreateCountInput) (CountSession, error) {
	if input.WarehouseID <= 0 {
		return CountSession{}, validationError("warehouse required")
	}
	actorID := actorOr(ctx, input.ActorID)

	var session CountSession
	err := s.run(ctx, "CreateCountSession", actorID, refCount, "", func(ctx context.Context, l *ledgerTx) error {
		if _, err := l.repo.GetWarehouse(ctx, input.WarehouseID); err != nil {
			return err
		}
		productIDs, err := l.countProducts(ctx, input)
		if err != nil {
			return err
		}
		session = CountSession{
			WarehouseID: input.WarehouseID,
			Status:      CountStatusDraft,
			Note:        input.Note,
			CreatedBy:   actorID,
		}
		id, err := l.repo.InsertCountSession(ctx, session)
		if err != nil {
			return err
		}
		session.ID = id
		session.Lines = make([]CountLine, 0, len(productIDs))
		for _, productID := range productIDs {
			line := CountLine{SessionID: id, ProductID: productID}
			lineID, err := l.repo.InsertCountLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			session.Lines = append(session.Lines, line)
		}
		return nil
	})
	if err != nil {
		return CountSession{}, err
	}
	s.recordAudit(ctx, actorID, "inventory.count.create", refCount, idString(session.ID), map[string]any{
		"warehouse_id": session.WarehouseID,
		"lines":        len(session.Lines),
	})
	return session, nil
}

func (l *ledgerTx) countProducts(ctx context.Context, input CreateCountInput) ([]int64, error) {
	seen := make(map[int64]struct{})
	var ids []int64
	if len(input.ProductIDs) == 0 {
		entries, err := l.repo.ListWarehouseStock(ctx, input.WarehouseID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ids = append(ids, e.ProductID)
		}
		return ids, nil
	}
	for _, id := range input.ProductIDs {
		if id <= 0 {
			return nil, validationError("invalid product id %d", id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if _, err := l.product(ctx, id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// StartCount moves a draft session to in_progress and snapshots the expected quantities.
func (s *Service) StartCount(ctx context.Context, sessionID, actorID int64) (CountSession, error) {
	return s.countStep(ctx, "StartCount", sessionID, actorID, func(ctx context.Context, l *ledgerTx, cs *CountSession) error {
		if cs.Status != CountStatusDraft {
			return invalidCountState(cs.Status, "start")
		}
		for i := range cs.Lines {
			line := &cs.Lines[i]
			entry, err := l.repo.GetStockEntry(ctx, line.ProductID, cs.WarehouseID)
			switch {
			case errors.Is(err, ErrNotFound):
				line.ExpectedQuantity = 0
			case err != nil:
				return err
			default:
				line.ExpectedQuantity = entry.Quantity
			}
			if err := l.repo.UpdateCountLine(ctx, *line); err != nil {
				return err
			}
		}
		started := l.now
		cs.Status = CountStatusInProgress
		cs.StartedAt = &started
		return nil
	})
}

// RecordCount stores the counted quantity of one product.
func (s *Service) RecordCount(ctx context.Context, sessionID, productID, actual, actorID int64) (CountSession, error) {
	if actual < 0 {
		return CountSession{}, validationError("counted quantity must not be negative")
	}
	return s.countStep(ctx, "RecordCount", sessionID, actorID, func(ctx context.Context, l *ledgerTx, cs *CountSession) error {
		if cs.Status != CountStatusInProgress {
			return invalidCountState(cs.Status, "record")
		}
		for i := range cs.Lines {
			if cs.Lines[i].ProductID != productID {
				continue
			}
			counted := actual
			cs.Lines[i].ActualQuantity = &counted
			return l.repo.UpdateCountLine(ctx, cs.Lines[i])
		}
		return fmt.Errorf("%w: product %d not in count session %d", ErrNotFound, productID, sessionID)
	})
}

// CompleteCount closes counting; the session then awaits approval or rejection.
func (s *Service) CompleteCount(ctx context.Context, sessionID, actorID int64) (CountSession, error) {
	return s.countStep(ctx, "CompleteCount", sessionID, actorID, func(ctx context.Context, l *ledgerTx, cs *CountSession) error {
		if cs.Status != CountStatusInProgress {
			return invalidCountState(cs.Status, "complete")
		}
		completed := l.now
		cs.Status = CountStatusCompleted
		cs.CompletedAt = &completed
		return nil
	})
}

// ApproveCount applies each counted difference once, as quantity = max(0, quantity + difference).
// Surpluses enter the unbatched lot; deficits leave the lots oldest expiry first.
func (s *Service) ApproveCount(ctx context.Context, sessionID, actorID int64) (CountSession, error) {
	return s.countStep(ctx, "ApproveCount", sessionID, actorID, func(ctx context.Context, l *ledgerTx, cs *CountSession) error {
		if cs.Status != CountStatusCompleted {
			return invalidCountState(cs.Status, "approve")
		}
		for i := range cs.Lines {
			line := &cs.Lines[i]
			if line.Applied || line.ActualQuantity == nil {
				continue
			}
			if err := l.applyCountLine(ctx, cs.WarehouseID, *line); err != nil {
				return err
			}
			line.Applied = true
			if err := l.repo.UpdateCountLine(ctx, *line); err != nil {
				return err
			}
		}
		approved := l.now
		cs.Status = CountStatusApproved
		cs.ApprovedAt = &approved
		cs.ApprovedBy = l.actorID
		return nil
	})
}

// RejectCount discards a completed session without touching the ledger.
func (s *Service) RejectCount(ctx context.Context, sessionID, actorID int64) (CountSession, error) {
	return s.countStep(ctx, "RejectCount", sessionID, actorID, func(_ context.Context, _ *ledgerTx, cs *CountSession) error {
		if cs.Status != CountStatusCompleted {
			return invalidCountState(cs.Status, "reject")
		}
		cs.Status = CountStatusRejected
		return nil
	})
}

func (l *ledgerTx) applyCountLine(ctx context.Context, warehouseID int64, line CountLine) error {
	diff := line.Difference()
	if diff == 0 {
		return nil
	}
	key := stockKey{ProductID: line.ProductID, WarehouseID: warehouseID}
	if _, err := l.lock(ctx, key.ProductID, key.WarehouseID); err != nil {
		return err
	}
	if diff > 0 {
		_, err := l.creditUnbatched(ctx, MovementCountAdjust, key.ProductID, key.WarehouseID, diff, nil)
		return err
	}
	_, _, err := l.consume(ctx, MovementCountAdjust, key, -diff, false)
	return err
}

func (s *Service) countStep(ctx context.Context, op string, sessionID, actorID int64, fn func(context.Context, *ledgerTx, *CountSession) error) (CountSession, error) {
	actorID = actorOr(ctx, actorID)
	var session CountSession
	err := s.run(ctx, op, actorID, refCount, idString(sessionID), func(ctx context.Context, l *ledgerTx) error {
		cs, err := l.repo.LockCountSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := fn(ctx, l, &cs); err != nil {
			return err
		}
		if err := l.repo.UpdateCountSession(ctx, cs); err != nil {
			return err
		}
		session = cs
		return nil
	})
	if err != nil {
		return CountSession{}, err
	}
	if op != "RecordCount" {
		s.recordAudit(ctx, actorID, "inventory.count."+string(session.Status), refCount, idString(sessionID), map[string]any{
			"warehouse_id": session.WarehouseID,
			"lines":        len(session.Lines),
		})
	}
	return session, nil
}

func invalidCountState(status CountStatus, action string) error {
	return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidCountState, action, status)
}
