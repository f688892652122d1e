package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// StockVerifier is the slice of the inventory service the integrity job drives.
type StockVerifier interface {
	VerifyStock(ctx context.Context, filter inventory.VerifyFilter) ([]inventory.ConsistencyViolation, error)
	RepairStock(ctx context.Context, productID, warehouseID, actorID int64) (inventory.StockReconciliation, error)
}

// StockIntegrityJob checks that every stock index row equals its batch sum.
type StockIntegrityJob struct {
	Verifier StockVerifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewStockIntegrityJob initialises the integrity handler.
func NewStockIntegrityJob(verifier StockVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockIntegrityJob {
	return &StockIntegrityJob{
		Verifier: verifier,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle runs one verification pass. Violations are reported, not returned as errors;
// only failures to read the ledger fail the task.
func (j *StockIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Verifier == nil {
		return errors.New("stock integrity: handler not configured")
	}
	var payload VerifyStockPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.clock()
	tracker := j.Metrics.Track(TaskVerifyStock)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int64("product_id", payload.ProductID),
		slog.Int64("warehouse_id", payload.WarehouseID),
		slog.Bool("repair", payload.Repair),
	)
	logger.Info("starting stock verification")

	violations, err := j.Verifier.VerifyStock(ctx, inventory.VerifyFilter{
		ProductID:   payload.ProductID,
		WarehouseID: payload.WarehouseID,
	})
	if err != nil {
		resultErr = err
		logger.Error("verification failed", slog.Any("error", err))
		return resultErr
	}

	byKind := make(map[inventory.ViolationKind]int)
	repaired := 0
	for _, v := range violations {
		byKind[v.Kind]++
		if !payload.Repair || v.Kind != inventory.ViolationIndexMismatch {
			continue
		}
		if _, err := j.Verifier.RepairStock(ctx, v.ProductID, v.WarehouseID, 0); err != nil {
			logger.Error("repair failed",
				slog.Int64("violation_product_id", v.ProductID),
				slog.Int64("violation_warehouse_id", v.WarehouseID),
				slog.Any("error", err))
			resultErr = errors.Join(resultErr, err)
			continue
		}
		repaired++
	}
	for kind, n := range byKind {
		j.Metrics.AddViolations(string(kind), n)
	}
	j.Metrics.AddRepairs(TaskVerifyStock, repaired)

	logger.Info("completed stock verification",
		slog.Int("violations", len(violations)),
		slog.Int("repaired", repaired),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *StockIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
