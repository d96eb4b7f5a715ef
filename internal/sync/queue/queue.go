// Package queue provides the device's append-only operation log: edits made
// offline wait here, in insertion order, until the server acknowledges them.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/incidentsync/internal/db"
	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/uuid"
)

// Store is the durable backing of the log.
type Store interface {
	EnqueueOp(ctx context.Context, op *models.Operation, local *models.LocalIncident, at time.Time) (models.PendingOp, error)
	PendingOps(ctx context.Context, limit int) ([]models.PendingOp, error)
	DeleteOps(ctx context.Context, ids []string) (int64, error)
	CountPending(ctx context.Context) (int, error)
}

var _ Store = (*db.LocalRepository)(nil)

// Option configures an OpLog.
type Option func(*OpLog)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *OpLog) { q.now = now }
}

// WithIDGenerator overrides operation id generation.
func WithIDGenerator(newID func() string) Option {
	return func(q *OpLog) { q.newID = newID }
}

// OpLog is the operation log for one device.
type OpLog struct {
	store    Store
	deviceID string
	now      func() time.Time
	newID    func() string

	// mu keeps change vector counters in enqueue order.
	mu sync.Mutex
}

// New creates the log for deviceID over store.
func New(store Store, deviceID string, opts ...Option) *OpLog {
	q := &OpLog{
		store:    store,
		deviceID: deviceID,
		now:      time.Now,
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DeviceID returns the device this log stamps on its operations.
func (q *OpLog) DeviceID() string {
	return q.deviceID
}

// Enqueue durably appends op and returns it as stored. Identity, timestamp
// and change vector are assigned here, once; op is never modified after.
func (q *OpLog) Enqueue(ctx context.Context, op models.Operation) (models.Operation, error) {
	return q.enqueue(ctx, op, nil)
}

// Record builds an operation for payload and appends it together with the
// updated local copy of the incident, so the edit is visible locally at
// once and queued for the server in the same write.
func (q *OpLog) Record(ctx context.Context, entityID string, payload models.Payload, local *models.LocalIncident) (models.Operation, error) {
	op, err := models.NewOperation(entityID, payload)
	if err != nil {
		return models.Operation{}, apperrors.Wrap(apperrors.ErrValidation, "failed to build operation", err)
	}
	return q.enqueue(ctx, op, local)
}

func (q *OpLog) enqueue(ctx context.Context, op models.Operation, local *models.LocalIncident) (models.Operation, error) {
	if op.EntityID == "" {
		return models.Operation{}, apperrors.Validation("operation entityId is required")
	}
	if op.ID == "" {
		op.ID = q.newID()
	}
	now := q.now()
	if op.Timestamp == 0 {
		op.Timestamp = now.UnixMilli()
	}
	op.ChangeVector.DeviceID = q.deviceID

	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.store.EnqueueOp(ctx, &op, local, now)
	if err != nil {
		return models.Operation{}, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	logging.Debug("[OpLog] Enqueued operation", map[string]interface{}{
		"op_id":     op.ID,
		"type":      string(op.Type),
		"entity_id": op.EntityID,
		"seq":       pending.Seq,
		"counter":   op.ChangeVector.Counter,
	})
	return pending.Operation, nil
}

// Drain returns up to maxBatch pending operations in insertion order
// without removing them. maxBatch <= 0 returns everything.
func (q *OpLog) Drain(ctx context.Context, maxBatch int) ([]models.Operation, error) {
	pending, err := q.store.PendingOps(ctx, maxBatch)
	if err != nil {
		return nil, err
	}
	ops := make([]models.Operation, 0, len(pending))
	for _, p := range pending {
		ops = append(ops, p.Operation)
	}
	return ops, nil
}

// List returns every pending entry with its sequence and enqueue time.
func (q *OpLog) List(ctx context.Context) ([]models.PendingOp, error) {
	return q.store.PendingOps(ctx, 0)
}

// Acknowledge removes the given ids. Unknown ids are ignored.
func (q *OpLog) Acknowledge(ctx context.Context, ids []string) (int64, error) {
	n, err := q.store.DeleteOps(ctx, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Debug("[OpLog] Acknowledged operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Size returns the number of pending operations.
func (q *OpLog) Size(ctx context.Context) (int, error) {
	return q.store.CountPending(ctx)
}
