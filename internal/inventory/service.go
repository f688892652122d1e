package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

var tracer = otel.Tracer("stockledger/inventory")

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStockEntry(ctx context.Context, productID, warehouseID int64) (StockEntry, error)
	ListStock(ctx context.Context, filter StockFilter) ([]StockEntry, error)
	TotalStock(ctx context.Context, productID int64) (int64, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	SumRemaining(ctx context.Context, productID, warehouseID int64) (int64, error)
	GetReceipt(ctx context.Context, id int64) (ReceiptDocument, []ReceiptLine, error)
	GetCountSession(ctx context.Context, id int64) (CountSession, error)
	ListDeductionLines(ctx context.Context, docType DocumentType, docRef string) ([]DeductionLine, error)
	StockCard(ctx context.Context, filter StockCardFilter) ([]StockMovement, error)
	Reconcile(ctx context.Context, filter VerifyFilter) ([]StockReconciliation, error)
	OutOfBoundsBatches(ctx context.Context, filter VerifyFilter) ([]Batch, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards repeated submissions of the same request.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder receives ledger counters.
type MetricsRecorder interface {
	IncShortage()
	IncDuplicateBatch()
	IncReversalWarning()
	IncConsistencyViolation(kind string)
}

// SnapshotCache serves eventually consistent stock reads.
type SnapshotCache interface {
	Fetch(ctx context.Context, productID, warehouseID int64, loader func(context.Context) (int64, error)) (int64, error)
}

// Service owns every operation that changes stock.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	listener    StockListener
	snapshots   SnapshotCache
	metrics     MetricsRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Logger    *slog.Logger
	Listener  StockListener
	Snapshots SnapshotCache
	Metrics   MetricsRecorder
	Clock     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		listener:    cfg.Listener,
		snapshots:   cfg.Snapshots,
		metrics:     metrics,
		logger:      logger,
		now:         clock,
	}
}

// run executes fn as one ledger transaction and publishes stock changes after commit.
func (s *Service) run(ctx context.Context, op string, actorID int64, refType, refID string, fn func(context.Context, *ledgerTx) error) error {
	ctx, span := tracer.Start(ctx, "inventory."+op, trace.WithAttributes(
		attribute.String("ledger.ref_type", refType),
		attribute.String("ledger.ref_id", refID),
	))
	defer span.End()

	var committed *ledgerTx
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		l := newLedgerTx(tx, s.now(), actorID, refType, refID)
		if err := fn(ctx, l); err != nil {
			return err
		}
		committed = l
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.publish(ctx, committed)
	return nil
}

func (s *Service) publish(ctx context.Context, l *ledgerTx) {
	if l == nil || len(l.order) == 0 {
		return
	}
	events := make([]StockChangedEvent, 0, len(l.order))
	for _, key := range l.order {
		entry := l.entries[key]
		events = append(events, StockChangedEvent{
			ProductID:    key.ProductID,
			WarehouseID:  key.WarehouseID,
			Quantity:     entry.Quantity,
			Delta:        l.deltas[key],
			BelowMinimum: entry.BelowMinimum(),
			RefType:      l.refType,
			RefID:        l.refID,
		})
		if entry.BelowMinimum() {
			s.logger.Warn("stock below minimum",
				slog.Int64("product_id", key.ProductID),
				slog.Int64("warehouse_id", key.WarehouseID),
				slog.Int64("quantity", entry.Quantity),
				slog.Int64("min_stock_level", *entry.MinStockLevel))
		}
	}
	if s.listener == nil {
		return
	}
	if err := s.listener.StockChanged(ctx, events); err != nil {
		s.logger.Warn("stock listener", slog.Any("error", err))
	}
}

// guard reserves an idempotency key; the returned release undoes it on failure, even
// after the request context is cancelled.
func (s *Service) guard(ctx context.Context, key, module string) (func(), error) {
	if s.idempotency == nil || key == "" {
		return func() {}, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, module); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(context.WithoutCancel(ctx), key) }, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func actorOr(ctx context.Context, actorID int64) int64 {
	if actorID != 0 {
		return actorID
	}
	return shared.ActorFromContext(ctx)
}

func idString(id int64) string {
	return fmt.Sprintf("%d", id)
}

type noopMetrics struct{}

func (noopMetrics) IncShortage()                   {}
func (noopMetrics) IncDuplicateBatch()             {}
func (noopMetrics) IncReversalWarning()            {}
func (noopMetrics) IncConsistencyViolation(string) {}
