package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskVerifyStock compares the stock index with batch sums.
	TaskVerifyStock = "inventory:verify_stock"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// VerifyStockPayload narrows a verification run. Repair rewrites mismatched index rows
// to their batch sums after logging them.
type VerifyStockPayload struct {
	ProductID   int64 `json:"product_id,omitempty"`
	WarehouseID int64 `json:"warehouse_id,omitempty"`
	Repair      bool  `json:"repair"`
}

// NewVerifyStockTask constructs an Asynq task.
func NewVerifyStockTask(payload VerifyStockPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVerifyStock, data, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the key retention.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask builds a cleanup task keeping keys younger than retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
