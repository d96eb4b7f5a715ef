package models

import "time"

// EventType names an applied change broadcast to observers.
type EventType string

const (
	EventIncidentUpsert    EventType = "incident.upsert"
	EventIncidentStatus    EventType = "incident.status"
	EventIncidentDuplicate EventType = "incident.duplicate"
)

// EventData is the body of an applied event. It is also the exact message
// broadcast to realtime observers.
type EventData struct {
	Type        EventType `json:"type"`
	Incident    *Incident `json:"incident,omitempty"`
	ID          string    `json:"id,omitempty"`
	Status      Status    `json:"status,omitempty"`
	SrcID       string    `json:"srcId,omitempty"`
	CanonicalID string    `json:"canonicalId,omitempty"`
}

// Event is one entry of the server's ordered event log.
type Event struct {
	Cursor int64     `db:"cursor" json:"cursor"`
	Data   EventData `db:"data" json:"data"`
}

// TableName returns the table name for Event.
func (Event) TableName() string {
	return "events"
}

// UpsertEvent describes a created or updated incident.
func UpsertEvent(inc *Incident) EventData {
	return EventData{Type: EventIncidentUpsert, Incident: inc.Clone()}
}

// StatusEvent describes a status transition.
func StatusEvent(id string, status Status) EventData {
	return EventData{Type: EventIncidentStatus, ID: id, Status: status}
}

// DuplicateEvent describes a new duplicate link.
func DuplicateEvent(srcID, canonicalID string) EventData {
	return EventData{Type: EventIncidentDuplicate, SrcID: srcID, CanonicalID: canonicalID}
}

// AppliedOp is the idempotency marker for an operation identity.
type AppliedOp struct {
	ID        string    `db:"id" json:"id"`
	AppliedAt time.Time `db:"applied_at" json:"appliedAt"`
}

// TableName returns the table name for AppliedOp.
func (AppliedOp) TableName() string {
	return "applied_ops"
}
