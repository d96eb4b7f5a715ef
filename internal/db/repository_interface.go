package db

import (
	"context"
	"time"

	"github.com/kimhsiao/incidentsync/internal/models"
)

// Store modes reported by the health endpoint.
const (
	ModeDB   = "db"
	ModeMock = "mock"
)

// IncidentReader reads authoritative incidents.
type IncidentReader interface {
	// GetIncident returns the incident or a NOT_FOUND AppError.
	GetIncident(ctx context.Context, id string) (*models.Incident, error)

	// ListIncidents returns every incident ordered by updatedAt descending.
	ListIncidents(ctx context.Context) ([]models.Incident, error)
}

// EventReader reads the ordered event log.
type EventReader interface {
	// EventsAfter returns every event with a cursor greater than after, in cursor order.
	EventsAfter(ctx context.Context, after int64) ([]models.Event, error)

	// CurrentCursor returns the cursor of the last appended event, 0 when empty.
	CurrentCursor(ctx context.Context) (int64, error)
}

// Tx is the write view handed to Store.Update. Writes become visible only
// when the update function returns nil.
type Tx interface {
	IsApplied(opID string) (bool, error)
	MarkApplied(opID string, at time.Time) error
	GetIncident(id string) (*models.Incident, error)
	PutIncident(inc *models.Incident) error
	AddDuplicateLink(link *models.DuplicateLink) error
	// AppendEvent assigns the next cursor (current + 1) and logs data under it.
	AppendEvent(data models.EventData, at time.Time) (models.Event, error)
}

// Store is the server-side entity store consumed by the apply pipeline.
type Store interface {
	IncidentReader
	EventReader

	// DuplicateLinks returns the links recorded for a source incident.
	DuplicateLinks(ctx context.Context, srcID string) ([]models.DuplicateLink, error)

	// Update runs fn atomically. A non-nil error discards every write fn made.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Mode reports ModeDB or ModeMock.
	Mode() string

	Close() error
}

// Ensure the store implementations satisfy the interfaces at compile time.
var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryRepository)(nil)
	_ Tx    = (*sqlTx)(nil)
	_ Tx    = (*memoryTx)(nil)
)
