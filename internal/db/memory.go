package db

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/models"
)

// MemoryRepository is an in-process Store used for demo mode and tests.
// Each instance is independent; callers inject it where a Store is expected.
type MemoryRepository struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
	applied   map[string]time.Time
	links     []models.DuplicateLink
	events    []models.Event
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		incidents: make(map[string]*models.Incident),
		applied:   make(map[string]time.Time),
	}
}

// SeedDemo inserts the two demo incidents without logging events.
func (r *MemoryRepository) SeedDemo(now time.Time) {
	now = now.UTC().Truncate(time.Millisecond)
	lat1, lng1 := 40.741, -73.989
	lat2, lng2 := 40.742, -73.985
	demo := []*models.Incident{
		{ID: "demo-1", Title: "Pothole on 3rd Ave", Description: "Large pothole near crosswalk",
			Status: models.StatusOpen, Severity: models.SeverityLow, Lat: &lat1, Lng: &lng1},
		{ID: "demo-2", Title: "Broken streetlight", Description: "Lamp flickers at night",
			Status: models.StatusOpen, Severity: models.SeverityLow, Lat: &lat2, Lng: &lng2},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inc := range demo {
		inc.CreatedAt = now
		inc.UpdatedAt = now
		r.incidents[inc.ID] = inc
	}
}

// Mode implements Store.
func (r *MemoryRepository) Mode() string { return ModeMock }

// Close implements Store.
func (r *MemoryRepository) Close() error { return nil }

// GetIncident implements IncidentReader.
func (r *MemoryRepository) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, apperrors.NotFound("incident %s not found", id)
	}
	return inc.Clone(), nil
}

// ListIncidents implements IncidentReader.
func (r *MemoryRepository) ListIncidents(_ context.Context) ([]models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	incidents := make([]models.Incident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		incidents = append(incidents, *inc.Clone())
	}
	sort.Slice(incidents, func(i, j int) bool {
		if incidents[i].UpdatedAt.Equal(incidents[j].UpdatedAt) {
			return incidents[i].ID < incidents[j].ID
		}
		return incidents[i].UpdatedAt.After(incidents[j].UpdatedAt)
	})
	return incidents, nil
}

// DuplicateLinks implements Store.
func (r *MemoryRepository) DuplicateLinks(_ context.Context, srcID string) ([]models.DuplicateLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := make([]models.DuplicateLink, 0)
	for _, link := range r.links {
		if link.SrcIncidentID == srcID {
			links = append(links, link)
		}
	}
	return links, nil
}

// EventsAfter implements EventReader.
func (r *MemoryRepository) EventsAfter(_ context.Context, after int64) ([]models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Cursors are dense from 1, so the event at cursor c sits at index c-1.
	if after < 0 {
		after = 0
	}
	if after >= int64(len(r.events)) {
		return []models.Event{}, nil
	}
	out := make([]models.Event, len(r.events)-int(after))
	copy(out, r.events[after:])
	return out, nil
}

// CurrentCursor implements EventReader.
func (r *MemoryRepository) CurrentCursor(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events)), nil
}

// Update implements Store. Writes are staged on a memoryTx and merged only
// when fn succeeds.
func (r *MemoryRepository) Update(_ context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		repo:      r,
		incidents: make(map[string]*models.Incident),
		applied:   make(map[string]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, inc := range tx.incidents {
		r.incidents[id] = inc
	}
	for id, at := range tx.applied {
		r.applied[id] = at
	}
	r.links = append(r.links, tx.links...)
	r.events = append(r.events, tx.events...)
	return nil
}

type memoryTx struct {
	repo      *MemoryRepository
	incidents map[string]*models.Incident
	applied   map[string]time.Time
	links     []models.DuplicateLink
	events    []models.Event
}

func (t *memoryTx) IsApplied(opID string) (bool, error) {
	if _, ok := t.applied[opID]; ok {
		return true, nil
	}
	_, ok := t.repo.applied[opID]
	return ok, nil
}

func (t *memoryTx) MarkApplied(opID string, at time.Time) error {
	t.applied[opID] = at
	return nil
}

func (t *memoryTx) GetIncident(id string) (*models.Incident, error) {
	if inc, ok := t.incidents[id]; ok {
		return inc.Clone(), nil
	}
	if inc, ok := t.repo.incidents[id]; ok {
		return inc.Clone(), nil
	}
	return nil, apperrors.NotFound("incident %s not found", id)
}

func (t *memoryTx) PutIncident(inc *models.Incident) error {
	c := inc.Clone()
	c.CreatedAt = c.CreatedAt.UTC().Truncate(time.Millisecond)
	c.UpdatedAt = c.UpdatedAt.UTC().Truncate(time.Millisecond)
	t.incidents[inc.ID] = c
	return nil
}

func (t *memoryTx) AddDuplicateLink(link *models.DuplicateLink) error {
	l := *link
	l.CreatedAt = l.CreatedAt.UTC().Truncate(time.Millisecond)
	t.links = append(t.links, l)
	return nil
}

func (t *memoryTx) AppendEvent(data models.EventData, _ time.Time) (models.Event, error) {
	ev := models.Event{
		Cursor: int64(len(t.repo.events)+len(t.events)) + 1,
		Data:   data,
	}
	t.events = append(t.events, ev)
	return ev, nil
}
