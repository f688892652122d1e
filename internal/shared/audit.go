package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAuditIncomplete rejects records missing their action, entity or entity id.
var ErrAuditIncomplete = errors.New("audit log requires action/entity/entity_id")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Execer is the write surface shared by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Validate reports whether the record can be stored.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return ErrAuditIncomplete
	}
	return nil
}

// AuditLogger appends ledger actions to audit_logs.
type AuditLogger struct {
	db  Execer
	now func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the log entry. A zero At is stamped with the current time.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = l.now()
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert("audit_logs").
		Columns("actor_id", "action", "entity", "entity_id", "meta", "occurred_at").
		Values(log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, log.At).
		ToSql()
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, query, args...)
	return err
}
