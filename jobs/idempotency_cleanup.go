package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const defaultKeyRetention = 72 * time.Hour

// KeyJanitor prunes idempotency keys.
type KeyJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob removes keys past their retention so retried documents can be
// resubmitted eventually.
type IdempotencyCleanupJob struct {
	Store   KeyJanitor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob builds the cleanup handler.
func NewIdempotencyCleanupJob(store KeyJanitor, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle prunes keys older than the payload retention.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Retention <= 0 {
		payload.Retention = defaultKeyRetention
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	err := j.Store.Cleanup(ctx, payload.Retention)
	if j.Logger != nil {
		if err != nil {
			j.Logger.Error("idempotency cleanup", slog.Any("error", err))
		} else {
			j.Logger.Info("idempotency keys pruned", slog.Duration("retention", payload.Retention))
		}
	}
	return tracker.End(err)
}
