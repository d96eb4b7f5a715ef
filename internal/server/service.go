// Package server implements the sync server's apply pipeline: the single
// place where operations and direct edits mutate incidents, advance the
// cursor and produce events.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/incidentsync/internal/db"
	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/observability"
	"github.com/kimhsiao/incidentsync/internal/uuid"
)

// Broadcaster receives every applied event. Implementations must not block.
type Broadcaster interface {
	Broadcast(data models.EventData)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(models.EventData) {}

// Option configures a Service.
type Option func(*Service)

// WithBroadcaster sets the realtime fan-out target.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides duplicate link id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// Service is the apply pipeline.
//
// Every mutation runs "check marker, apply, advance cursor, append event"
// under mu inside one store transaction, so cursors are unique and the event
// log matches apply order. Broadcast happens after mu is released.
type Service struct {
	store       db.Store
	broadcaster Broadcaster
	metrics     *observability.Metrics
	now         func() time.Time
	newID       func() string

	mu sync.Mutex
}

// NewService creates the pipeline over store.
func NewService(store db.Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		broadcaster: noopBroadcaster{},
		now:         time.Now,
		newID:       uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the backing store mode.
func (s *Service) Mode() string {
	return s.store.Mode()
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDuplicate
	outcomeUnsupported
)

// Apply processes a sync batch in array order.
//
// An operation whose id already carries a marker is skipped. Unsupported
// types are ignored. Both still appear in Applied so the client can clear
// them. The first invalid operation aborts the rest of the batch; operations
// before it stay applied.
func (s *Service) Apply(ctx context.Context, req *models.SyncRequest) (*models.SyncResponse, error) {
	after, err := models.ParseCursor(req.Cursor)
	if err != nil {
		s.metrics.RecordRejected()
		return nil, err
	}
	if req.Ops == nil {
		s.metrics.RecordRejected()
		return nil, apperrors.Validation("ops is required")
	}

	applied := make([]models.Operation, 0, len(req.Ops))
	for i := range req.Ops {
		op := &req.Ops[i]
		res, err := s.applyOne(ctx, op)
		if err != nil {
			s.metrics.RecordRejected()
			logging.Warn("sync batch aborted", map[string]interface{}{
				"op_id":   op.ID,
				"index":   i,
				"applied": len(applied),
				"error":   err.Error(),
			})
			return nil, err
		}
		applied = append(applied, *op)

		switch res {
		case outcomeDuplicate:
			s.metrics.RecordSkipped("duplicate")
			logging.Debug("operation already applied", map[string]interface{}{"op_id": op.ID})
		case outcomeUnsupported:
			s.metrics.RecordSkipped("unsupported")
			logging.Debug("operation type ignored", map[string]interface{}{
				"op_id": op.ID,
				"type":  string(op.Type),
			})
		}
	}

	events, err := s.store.EventsAfter(ctx, after)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read events", err)
	}
	cursor, err := s.store.CurrentCursor(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read cursor", err)
	}

	logging.Info("sync batch processed", map[string]interface{}{
		"ops":         len(req.Ops),
		"replayed":    len(events),
		"next_cursor": cursor,
	})
	return &models.SyncResponse{
		Applied:    applied,
		Events:     events,
		NextCursor: models.FormatCursor(cursor),
	}, nil
}

// applyOne runs one operation through the serialized section and broadcasts
// its event once the lock is released.
func (s *Service) applyOne(ctx context.Context, op *models.Operation) (outcome, error) {
	if err := models.Validate(op); err != nil {
		return 0, err
	}

	var (
		result outcome
		event  models.Event
	)
	s.mu.Lock()
	err := s.store.Update(ctx, func(tx db.Tx) error {
		done, err := tx.IsApplied(op.ID)
		if err != nil {
			return err
		}
		if done {
			result = outcomeDuplicate
			return nil
		}

		payload, err := models.DecodePayload(op)
		if errors.Is(err, models.ErrUnsupportedOp) {
			result = outcomeUnsupported
			return nil
		}
		if err != nil {
			return err
		}

		now := s.now()
		data, err := s.mutate(tx, op.EntityID, payload, now)
		if err != nil {
			return err
		}
		if err := tx.MarkApplied(op.ID, now); err != nil {
			return err
		}
		event, err = tx.AppendEvent(data, now)
		if err != nil {
			return err
		}
		result = outcomeApplied
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if result == outcomeApplied {
		s.metrics.RecordApplied(string(op.Type), event.Cursor)
		logging.Debug("operation applied", map[string]interface{}{
			"op_id":     op.ID,
			"type":      string(op.Type),
			"entity_id": op.EntityID,
			"cursor":    event.Cursor,
		})
		s.broadcaster.Broadcast(event.Data)
	}
	return result, nil
}

// mutate applies a decoded payload to entityID and returns the event to log.
func (s *Service) mutate(tx db.Tx, entityID string, payload models.Payload, now time.Time) (models.EventData, error) {
	switch p := payload.(type) {
	case *models.UpsertIncidentPayload:
		return upsertIncident(tx, entityID, p, now)
	case *models.PatchIncidentPayload:
		return patchIncident(tx, entityID, p.IncidentPatch, now)
	case *models.LinkDuplicatePayload:
		return linkDuplicate(tx, s.newID(), entityID, p, now)
	default:
		return models.EventData{}, fmt.Errorf("no apply rule for %s", payload.OpType())
	}
}

func upsertIncident(tx db.Tx, id string, p *models.UpsertIncidentPayload, now time.Time) (models.EventData, error) {
	inc, err := tx.GetIncident(id)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		inc = &models.Incident{
			ID:        id,
			Status:    models.StatusOpen,
			Severity:  models.SeverityLow,
			CreatedAt: now,
		}
	case err != nil:
		return models.EventData{}, err
	}

	inc.Title = p.Title
	if p.Description != nil {
		inc.Description = *p.Description
	}
	if p.Status != nil {
		inc.Status = *p.Status
	}
	if p.Severity != nil {
		inc.Severity = *p.Severity
	}
	if p.Lat != nil {
		lat := *p.Lat
		inc.Lat = &lat
	}
	if p.Lng != nil {
		lng := *p.Lng
		inc.Lng = &lng
	}
	inc.UpdatedAt = now

	if err := tx.PutIncident(inc); err != nil {
		return models.EventData{}, err
	}
	return models.UpsertEvent(inc), nil
}

func patchIncident(tx db.Tx, id string, patch models.IncidentPatch, now time.Time) (models.EventData, error) {
	inc, err := tx.GetIncident(id)
	if err != nil {
		return models.EventData{}, err
	}

	statusChanged := patch.ChangesStatus(inc)
	patch.Apply(inc)
	inc.UpdatedAt = now
	if err := tx.PutIncident(inc); err != nil {
		return models.EventData{}, err
	}

	if statusChanged {
		return models.StatusEvent(inc.ID, inc.Status), nil
	}
	return models.UpsertEvent(inc), nil
}

func linkDuplicate(tx db.Tx, linkID, srcID string, p *models.LinkDuplicatePayload, now time.Time) (models.EventData, error) {
	if srcID == p.CanonicalID {
		return models.EventData{}, apperrors.Validation("incident %s cannot duplicate itself", srcID)
	}
	for _, id := range []string{srcID, p.CanonicalID} {
		if _, err := tx.GetIncident(id); err != nil {
			return models.EventData{}, err
		}
	}

	link := &models.DuplicateLink{
		ID:                  linkID,
		SrcIncidentID:       srcID,
		CanonicalIncidentID: p.CanonicalID,
		Reason:              p.Reason,
		CreatedAt:           now,
	}
	if err := tx.AddDuplicateLink(link); err != nil {
		return models.EventData{}, err
	}
	return models.DuplicateEvent(srcID, p.CanonicalID), nil
}

// =====================================================
// Direct edits (no operation identity)
// =====================================================

// edit runs a mutation without an idempotency marker.
func (s *Service) edit(ctx context.Context, fn func(tx db.Tx, now time.Time) (models.EventData, error)) (models.Event, error) {
	var event models.Event
	s.mu.Lock()
	err := s.store.Update(ctx, func(tx db.Tx) error {
		now := s.now()
		data, err := fn(tx, now)
		if err != nil {
			return err
		}
		event, err = tx.AppendEvent(data, now)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return models.Event{}, err
	}

	s.metrics.SetCursor(event.Cursor)
	s.broadcaster.Broadcast(event.Data)
	return event, nil
}

// PatchIncident applies a partial update to an existing incident. It emits
// incident.status when the status changes and incident.upsert otherwise.
func (s *Service) PatchIncident(ctx context.Context, id string, patch models.IncidentPatch) (*models.Incident, error) {
	if err := models.Validate(&patch); err != nil {
		return nil, err
	}

	var updated *models.Incident
	event, err := s.edit(ctx, func(tx db.Tx, now time.Time) (models.EventData, error) {
		data, err := patchIncident(tx, id, patch, now)
		if err != nil {
			return data, err
		}
		updated, err = tx.GetIncident(id)
		return data, err
	})
	if err != nil {
		return nil, err
	}

	logging.Info("incident patched", map[string]interface{}{
		"incident_id": id,
		"event":       string(event.Data.Type),
		"cursor":      event.Cursor,
	})
	return updated, nil
}

// LinkDuplicate records that srcID duplicates req.CanonicalID and emits
// incident.duplicate.
func (s *Service) LinkDuplicate(ctx context.Context, srcID string, req models.DuplicateRequest) error {
	if err := models.Validate(&req); err != nil {
		return err
	}

	p := &models.LinkDuplicatePayload{CanonicalID: req.CanonicalID, Reason: req.Reason}
	linkID := s.newID()
	event, err := s.edit(ctx, func(tx db.Tx, now time.Time) (models.EventData, error) {
		return linkDuplicate(tx, linkID, srcID, p, now)
	})
	if err != nil {
		return err
	}

	logging.Info("duplicate linked", map[string]interface{}{
		"src_id":       srcID,
		"canonical_id": req.CanonicalID,
		"cursor":       event.Cursor,
	})
	return nil
}

// =====================================================
// Reads
// =====================================================

// ListIncidents returns every incident, most recently updated first.
func (s *Service) ListIncidents(ctx context.Context) ([]models.Incident, error) {
	return s.store.ListIncidents(ctx)
}

// GetIncident returns one incident or a NOT_FOUND AppError.
func (s *Service) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return s.store.GetIncident(ctx, id)
}

// DuplicateLinks returns the links recorded for srcID.
func (s *Service) DuplicateLinks(ctx context.Context, srcID string) ([]models.DuplicateLink, error) {
	return s.store.DuplicateLinks(ctx, srcID)
}

// EventsAfter returns the replay list for a client-reported cursor.
func (s *Service) EventsAfter(ctx context.Context, cursor *string) (*models.EventList, error) {
	after, err := models.ParseCursor(cursor)
	if err != nil {
		return nil, err
	}
	events, err := s.store.EventsAfter(ctx, after)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read events", err)
	}
	current, err := s.store.CurrentCursor(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read cursor", err)
	}
	return &models.EventList{Events: events, NextCursor: models.FormatCursor(current)}, nil
}
