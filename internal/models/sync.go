package models

// SyncRequest is the body of POST /v1/sync.
type SyncRequest struct {
	Ops    []Operation `json:"ops" validate:"required,dive"`
	Cursor *string     `json:"cursor"`
}

// SyncResponse is the body answered by POST /v1/sync.
// Applied lists every operation the server is done with for this call:
// newly applied, previously applied, or ignored as unsupported.
// Events holds every logged event after the client's cursor.
type SyncResponse struct {
	Applied    []Operation `json:"applied"`
	Events     []Event     `json:"events"`
	NextCursor string      `json:"nextCursor"`
}

// IncidentList is the body of GET /v1/incidents.
type IncidentList struct {
	Incidents []Incident `json:"incidents"`
}

// EventList is the body of GET /v1/events.
type EventList struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"nextCursor"`
}

// DuplicateRequest is the body of POST /v1/incidents/:id/duplicate.
type DuplicateRequest struct {
	CanonicalID string `json:"canonicalId" validate:"required"`
	Reason      string `json:"reason,omitempty"`
}

// ErrorDetail is the machine-readable part of an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorBody is the JSON body of every 4xx/5xx answer.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}
