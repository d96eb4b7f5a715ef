// Package sync provides the device side of the sync protocol: push pending
// operations, pull the authoritative incident list, reconcile local copies.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/incidentsync/internal/db"
	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/observability"
	"github.com/kimhsiao/incidentsync/internal/sync/conflict"
	"github.com/kimhsiao/incidentsync/internal/sync/queue"
	"github.com/kimhsiao/incidentsync/internal/uuid"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// LocalStore is the device state a sync cycle reads and commits.
type LocalStore interface {
	Cursor(ctx context.Context) (*string, error)
	GetLocalIncident(ctx context.Context, id string) (*models.LocalIncident, error)
	ListLocalIncidents(ctx context.Context) ([]models.LocalIncident, error)
	ListConflicts(ctx context.Context) ([]models.ConflictLog, error)
	ClearMerged(ctx context.Context, id string) error
	CommitSync(ctx context.Context, c db.SyncCommit) error
}

var _ LocalStore = (*db.LocalRepository)(nil)

// SyncResult summarizes one completed cycle.
type SyncResult struct {
	StartTime    time.Time
	Duration     time.Duration
	Pushed       int
	Acknowledged int
	Replayed     int
	Cursor       string
	Pulled       int
	Adopted      int
	Merged       int
}

// Option configures a Client.
type Option func(*Client)

// WithMaxBatch limits how many pending operations one cycle pushes.
func WithMaxBatch(n int) Option {
	return func(c *Client) { c.maxBatch = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client runs sync cycles for one device.
type Client struct {
	transport Transport
	store     LocalStore
	oplog     *queue.OpLog
	resolver  *conflict.Resolver
	metrics   *observability.Metrics
	maxBatch  int
	now       func() time.Time

	flight singleflight.Group

	mu        gosync.RWMutex
	status    SyncStatus
	lastSync  *time.Time
	lastErr   error
	listeners []func(*SyncResult)
}

// NewClient creates a Client.
func NewClient(transport Transport, store LocalStore, oplog *queue.OpLog, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		store:     store,
		oplog:     oplog,
		resolver:  conflict.NewResolver(),
		now:       time.Now,
		status:    SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnChange registers fn to run after every successful cycle.
func (c *Client) OnChange(fn func(*SyncResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Status returns the current sync status.
func (c *Client) Status() SyncStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastSync returns the time of the last successful cycle.
func (c *Client) LastSync() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// LastError returns the error of the last cycle, nil after a success.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// SyncNow runs one push/pull/reconcile cycle. A call made while another is
// in flight joins it and receives the same result. The cycle is not
// cancelled by ctx once started; on failure local state is left exactly
// as it was and the error is returned to the caller. There are no retries.
func (c *Client) SyncNow(ctx context.Context) (*SyncResult, error) {
	v, err, shared := c.flight.Do("sync", func() (interface{}, error) {
		return c.run(context.WithoutCancel(ctx))
	})
	if shared {
		logging.Debug("joined in-flight sync")
	}
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (c *Client) run(ctx context.Context) (*SyncResult, error) {
	c.setStatus(SyncStatusSyncing, nil)

	result, err := c.cycle(ctx)
	c.metrics.RecordSync(err)
	if err != nil {
		c.setStatus(SyncStatusFailed, err)
		code := string(apperrors.CodeOf(err))
		if IsTransportError(err) {
			code = string(apperrors.ErrTransport)
		}
		logging.ErrorWithCode("Sync cycle failed", code, err, nil)
		return nil, err
	}

	c.mu.Lock()
	end := result.StartTime.Add(result.Duration)
	c.status = SyncStatusIdle
	c.lastSync = &end
	c.lastErr = nil
	listeners := append([]func(*SyncResult){}, c.listeners...)
	c.mu.Unlock()

	logging.Info("Sync cycle completed", map[string]interface{}{
		"pushed":       result.Pushed,
		"acknowledged": result.Acknowledged,
		"pulled":       result.Pulled,
		"adopted":      result.Adopted,
		"merged":       result.Merged,
		"cursor":       result.Cursor,
		"duration_ms":  result.Duration.Milliseconds(),
	})

	for _, fn := range listeners {
		fn(result)
	}
	return result, nil
}

// cycle performs every remote call before touching local state; the local
// writes then happen in a single transaction.
func (c *Client) cycle(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: c.now()}

	cursor, err := c.store.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	ops, err := c.oplog.Drain(ctx, c.maxBatch)
	if err != nil {
		return nil, err
	}

	var acked []string
	nextCursor := cursor
	if len(ops) > 0 {
		resp, err := c.transport.Push(ctx, &models.SyncRequest{Ops: ops, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		acked = make([]string, 0, len(resp.Applied))
		for _, op := range resp.Applied {
			acked = append(acked, op.ID)
		}
		next := resp.NextCursor
		nextCursor = &next
		result.Pushed = len(ops)
		result.Acknowledged = len(acked)
		result.Replayed = len(resp.Events)
	}

	remote, err := c.transport.FetchIncidents(ctx)
	if err != nil {
		return nil, err
	}
	local, err := c.store.ListLocalIncidents(ctx)
	if err != nil {
		return nil, err
	}
	reconciled, err := c.resolver.Reconcile(local, remote)
	if err != nil {
		return nil, err
	}

	err = c.store.CommitSync(ctx, db.SyncCommit{
		Acknowledged: acked,
		Cursor:       nextCursor,
		Incidents:    reconciled.Incidents,
		Conflicts:    reconciled.Conflicts,
	})
	if err != nil {
		return nil, err
	}

	if nextCursor != nil {
		result.Cursor = *nextCursor
	}
	result.Pulled = len(remote)
	result.Adopted = reconciled.Adopted
	result.Merged = reconciled.Merged
	result.Duration = c.now().Sub(result.StartTime)
	return result, nil
}

func (c *Client) setStatus(status SyncStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.lastErr = err
}

// =====================================================
// Local edits
// =====================================================

// IncidentDraft is what a user fills in to report a new incident.
type IncidentDraft struct {
	Title       string          `json:"title" validate:"required,min=1"`
	Description string          `json:"description,omitempty"`
	Severity    models.Severity `json:"severity,omitempty" validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	Lat         *float64        `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lng         *float64        `json:"lng,omitempty" validate:"omitempty,longitude"`
}

// ReportIncident records a new incident as a local draft and queues the
// matching upsertIncident operation.
func (c *Client) ReportIncident(ctx context.Context, d IncidentDraft) (*models.LocalIncident, error) {
	if err := models.Validate(&d); err != nil {
		return nil, err
	}
	if d.Severity == "" {
		d.Severity = models.SeverityLow
	}

	now := c.now().UTC().Truncate(time.Millisecond)
	local := &models.LocalIncident{
		Incident: models.Incident{
			ID:          uuid.New(),
			Title:       d.Title,
			Description: d.Description,
			Status:      models.StatusOpen,
			Severity:    d.Severity,
			Lat:         d.Lat,
			Lng:         d.Lng,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Draft: true,
	}

	description := d.Description
	severity := d.Severity
	payload := models.UpsertIncidentPayload{
		ID:          local.ID,
		Title:       d.Title,
		Description: &description,
		Severity:    &severity,
		Lat:         d.Lat,
		Lng:         d.Lng,
	}
	if _, err := c.oplog.Record(ctx, local.ID, payload, local); err != nil {
		return nil, err
	}
	return local, nil
}

// ChangeStatus updates the local copy's status and queues a patchIncident.
func (c *Client) ChangeStatus(ctx context.Context, id string, status models.Status) (*models.LocalIncident, error) {
	patch := models.IncidentPatch{Status: &status}
	if err := models.Validate(&patch); err != nil {
		return nil, err
	}

	local, err := c.store.GetLocalIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(&local.Incident)
	local.UpdatedAt = c.now().UTC().Truncate(time.Millisecond)

	if _, err := c.oplog.Record(ctx, id, models.PatchIncidentPayload{IncidentPatch: patch}, local); err != nil {
		return nil, err
	}
	return local, nil
}

// MarkDuplicate queues a linkDuplicate operation for srcID.
func (c *Client) MarkDuplicate(ctx context.Context, srcID, canonicalID, reason string) (models.Operation, error) {
	payload := models.LinkDuplicatePayload{CanonicalID: canonicalID, Reason: reason}
	if err := models.Validate(&payload); err != nil {
		return models.Operation{}, err
	}
	return c.oplog.Record(ctx, srcID, payload, nil)
}

// Incidents returns the local copies, most recently updated first.
func (c *Client) Incidents(ctx context.Context) ([]models.LocalIncident, error) {
	return c.store.ListLocalIncidents(ctx)
}

// Conflicts returns the reconciliation log, newest first.
func (c *Client) Conflicts(ctx context.Context) ([]models.ConflictLog, error) {
	return c.store.ListConflicts(ctx)
}

// ClearMerged acknowledges the review of an overwritten local copy.
func (c *Client) ClearMerged(ctx context.Context, id string) error {
	return c.store.ClearMerged(ctx, id)
}

// PendingChanges returns the number of queued operations.
func (c *Client) PendingChanges(ctx context.Context) (int, error) {
	return c.oplog.Size(ctx)
}

// Pending returns the queued operations in insertion order.
func (c *Client) Pending(ctx context.Context) ([]models.PendingOp, error) {
	return c.oplog.List(ctx)
}
