// Package models provides data model definitions for incidentsync.
package models

import "time"

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusRejected   Status = "REJECTED"
)

// Severity grades an incident.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Incident is the authoritative incident record owned by the server.
type Incident struct {
	ID          string    `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Status      Status    `db:"status" json:"status"`
	Severity    Severity  `db:"severity" json:"severity"`
	Lat         *float64  `db:"lat" json:"lat,omitempty"`
	Lng         *float64  `db:"lng" json:"lng,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for Incident.
func (Incident) TableName() string {
	return "incidents"
}

// Clone returns a deep copy so callers never share location pointers.
func (i *Incident) Clone() *Incident {
	c := *i
	if i.Lat != nil {
		lat := *i.Lat
		c.Lat = &lat
	}
	if i.Lng != nil {
		lng := *i.Lng
		c.Lng = &lng
	}
	return &c
}

// LocalIncident is a client's cached, possibly stale copy of an incident.
// Draft marks a locally created incident the server has not acknowledged;
// Merged marks a copy that was overwritten by divergent server values on the
// last reconciliation and needs human review.
type LocalIncident struct {
	Incident
	Draft  bool `db:"draft" json:"draft"`
	Merged bool `db:"merged" json:"merged"`
}

// DuplicateLink records that one incident duplicates a canonical one.
type DuplicateLink struct {
	ID                  string    `db:"id" json:"id"`
	SrcIncidentID       string    `db:"src_incident_id" json:"srcIncidentId"`
	CanonicalIncidentID string    `db:"canonical_incident_id" json:"canonicalIncidentId"`
	Reason              string    `db:"reason" json:"reason"`
	CreatedAt           time.Time `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for DuplicateLink.
func (DuplicateLink) TableName() string {
	return "duplicate_links"
}

// IncidentPatch is a partial update; nil fields are left unchanged.
type IncidentPatch struct {
	Title       *string  `json:"title,omitempty" validate:"omitempty,min=1"`
	Description *string  `json:"description,omitempty"`
	Status      *Status  `json:"status,omitempty" validate:"omitempty,oneof=OPEN IN_PROGRESS RESOLVED REJECTED"`
	Lat         *float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lng         *float64 `json:"lng,omitempty" validate:"omitempty,longitude"`
}

// Apply writes the non-nil fields of p onto inc.
func (p IncidentPatch) Apply(inc *Incident) {
	if p.Title != nil {
		inc.Title = *p.Title
	}
	if p.Description != nil {
		inc.Description = *p.Description
	}
	if p.Status != nil {
		inc.Status = *p.Status
	}
	if p.Lat != nil {
		lat := *p.Lat
		inc.Lat = &lat
	}
	if p.Lng != nil {
		lng := *p.Lng
		inc.Lng = &lng
	}
}

// ChangesStatus reports whether applying p moves inc to a different status.
func (p IncidentPatch) ChangesStatus(inc *Incident) bool {
	return p.Status != nil && *p.Status != inc.Status
}
