// Package conflict reconciles cached incident copies against the
// authoritative list pulled from the server.
//
// The policy is last-writer-wins from the server's side: authoritative
// values always replace the local ones. When the reconciled fields differed,
// the local copy is flagged merged and a conflict log entry is produced so a
// human can review what was overwritten.
package conflict

import (
	"time"

	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
)

// ResolutionRemoteWins is the only resolution this resolver produces.
const ResolutionRemoteWins = "remote_wins"

// Reconciled field names, in comparison order.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
)

// Resolver compares local copies with authoritative records.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Result is the outcome of reconciling a pulled incident list.
type Result struct {
	// Incidents are the local copies to write, one per authoritative record.
	Incidents []models.LocalIncident
	// Conflicts has one entry per copy whose reconciled fields diverged.
	Conflicts []models.ConflictLog

	Adopted   int
	Merged    int
	Unchanged int
}

// DivergentFields lists the reconciled fields whose values differ.
func DivergentFields(local *models.LocalIncident, remote *models.Incident) []string {
	var fields []string
	if local.Title != remote.Title {
		fields = append(fields, FieldTitle)
	}
	if local.Description != remote.Description {
		fields = append(fields, FieldDescription)
	}
	if local.Status != remote.Status {
		fields = append(fields, FieldStatus)
	}
	return fields
}

// Resolve reconciles one local copy with its authoritative record. local may
// be nil for an incident not yet seen on this device, which is adopted.
// The returned conflict log is nil when nothing diverged.
func (r *Resolver) Resolve(local *models.LocalIncident, remote *models.Incident) (*models.LocalIncident, *models.ConflictLog, error) {
	if remote == nil {
		return nil, nil, ErrInvalidConflict
	}
	out := &models.LocalIncident{Incident: *remote.Clone()}
	if local == nil {
		return out, nil, nil
	}
	if local.ID != remote.ID {
		return nil, nil, ErrItemIDMismatch
	}

	fields := DivergentFields(local, remote)
	if len(fields) == 0 {
		return out, nil, nil
	}

	out.Merged = true
	log := &models.ConflictLog{
		ItemID:          remote.ID,
		Fields:          fields,
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: remote.UpdatedAt,
		Resolution:      ResolutionRemoteWins,
		DetectedAt:      r.now(),
	}

	logging.Info("Local copy overwritten by server values",
		map[string]interface{}{
			"item_id":          remote.ID,
			"fields":           fields,
			"local_timestamp":  local.UpdatedAt,
			"remote_timestamp": remote.UpdatedAt,
			"resolution":       ResolutionRemoteWins,
		})
	return out, log, nil
}

// Reconcile runs Resolve for every authoritative record. Local copies the
// server did not return are left alone.
func (r *Resolver) Reconcile(local []models.LocalIncident, remote []models.Incident) (*Result, error) {
	byID := make(map[string]*models.LocalIncident, len(local))
	for i := range local {
		byID[local[i].ID] = &local[i]
	}

	res := &Result{Incidents: make([]models.LocalIncident, 0, len(remote))}
	for i := range remote {
		existing := byID[remote[i].ID]
		out, log, err := r.Resolve(existing, &remote[i])
		if err != nil {
			return nil, err
		}
		res.Incidents = append(res.Incidents, *out)

		switch {
		case existing == nil:
			res.Adopted++
		case log != nil:
			res.Merged++
			res.Conflicts = append(res.Conflicts, *log)
		default:
			res.Unchanged++
		}
	}
	return res, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: authoritative record must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a reconciliation error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
