package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kimhsiao/incidentsync/internal/models"
)

// Transport carries a sync cycle's two round trips to the server.
type Transport interface {
	// Push submits a batch of operations with the last known cursor.
	Push(ctx context.Context, req *models.SyncRequest) (*models.SyncResponse, error)

	// FetchIncidents pulls the authoritative incident list.
	FetchIncidents(ctx context.Context) ([]models.Incident, error)
}

// TransportError reports a failed round trip: the server could not be
// reached, answered non-2xx, or sent a body that could not be decoded.
// Nothing local is mutated when a cycle fails with it, so retrying is safe.
type TransportError struct {
	Op         string // "push" or "pull"
	StatusCode int    // 0 when no response was received
	Code       string // server error code, when the body carried one
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("sync %s: HTTP %d %s: %v", e.Op, e.StatusCode, e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("sync %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// HTTPTransport speaks the JSON wire protocol over HTTP.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the server at baseURL.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Push implements Transport.
func (t *HTTPTransport) Push(ctx context.Context, req *models.SyncRequest) (*models.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync request: %w", err)
	}

	var resp models.SyncResponse
	if err := t.do(ctx, "push", http.MethodPost, "/v1/sync", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	if resp.NextCursor == "" {
		return nil, &TransportError{Op: "push", Err: errors.New("response missing nextCursor")}
	}
	return &resp, nil
}

// FetchIncidents implements Transport.
func (t *HTTPTransport) FetchIncidents(ctx context.Context) ([]models.Incident, error) {
	var list struct {
		Incidents *[]models.Incident `json:"incidents"`
	}
	if err := t.do(ctx, "pull", http.MethodGet, "/v1/incidents", nil, &list); err != nil {
		return nil, err
	}
	if list.Incidents == nil {
		return nil, &TransportError{Op: "pull", Err: errors.New("response missing incidents")}
	}
	return *list.Incidents, nil
}

func (t *HTTPTransport) do(ctx context.Context, op, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
		var eb models.ErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Code != "" {
			te.Code = eb.Error.Code
			te.Err = errors.New(eb.Error.Message)
		}
		return te
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}
