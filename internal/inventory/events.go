package inventory

import "context"

// StockChangedEvent is published after a ledger transaction commits.
type StockChangedEvent struct {
	ProductID    int64
	WarehouseID  int64
	Quantity     int64
	Delta        int64
	BelowMinimum bool
	RefType      string
	RefID        string
}

// StockListener receives committed stock changes (cache invalidation, alerts).
type StockListener interface {
	StockChanged(ctx context.Context, events []StockChangedEvent) error
}
