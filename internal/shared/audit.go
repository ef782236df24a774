package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditContext identifies who performs a mutating call and when. It is passed
// explicitly into every transition; nothing in the service reads the current
// user from ambient state.
type AuditContext struct {
	ActorID int64
	Now     time.Time
}

// At returns the context timestamp, defaulting to the current UTC time.
func (a AuditContext) At() time.Time {
	if a.Now.IsZero() {
		return time.Now().UTC()
	}
	return a.Now
}

// AuditFields carries the who/when stamps persisted with an entity. Transitions
// call the stamp helpers directly; fields are never set by reflection or
// naming convention.
type AuditFields struct {
	CreatedBy   int64
	CreatedAt   time.Time
	ModifiedBy  int64
	ModifiedAt  time.Time
	CancelledBy int64
	CancelledAt time.Time
}

// StampCreated records the creating actor and time.
func (f *AuditFields) StampCreated(audit AuditContext) {
	f.CreatedBy = audit.ActorID
	f.CreatedAt = audit.At()
	f.ModifiedBy = audit.ActorID
	f.ModifiedAt = f.CreatedAt
}

// StampModified records the mutating actor and time.
func (f *AuditFields) StampModified(audit AuditContext) {
	f.ModifiedBy = audit.ActorID
	f.ModifiedAt = audit.At()
}

// StampCancelled records the cancelling actor and time.
func (f *AuditFields) StampCancelled(audit AuditContext) {
	f.CancelledBy = audit.ActorID
	f.CancelledAt = audit.At()
	f.StampModified(audit)
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

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}
