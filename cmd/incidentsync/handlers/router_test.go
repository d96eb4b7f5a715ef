package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/incidentsync/internal/db"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/observability"
	"github.com/kimhsiao/incidentsync/internal/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *db.MemoryRepository) {
	t.Helper()
	store := db.NewMemoryRepository()
	store.SeedDemo(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	reg := prometheus.NewRegistry()
	svc := server.NewService(store, server.WithMetrics(observability.NewMetrics(reg)))
	return NewRouter(Deps{Service: svc, Gatherer: reg}), store
}

// performRequest executes an HTTP request against the test router.
func performRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		reqBody = bytes.NewBuffer(raw)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorDetail {
	t.Helper()
	var body models.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func upsertOp(id, entityID, title string) models.Operation {
	op, _ := models.NewOperation(entityID, models.UpsertIncidentPayload{ID: entityID, Title: title})
	op.ID = id
	op.Timestamp = 1
	op.ChangeVector = models.ChangeVector{DeviceID: "dev-a", Counter: 1}
	return op
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"mode":"mock"}`, w.Body.String())
}

// TestHandleSync_AppliesAndReplays verifies a batch is applied and the
// response carries the applied ops, the replayed events and the cursor.
func TestHandleSync_AppliesAndReplays(t *testing.T) {
	router, _ := newTestRouter(t)

	req := models.SyncRequest{Ops: []models.Operation{upsertOp("op-1", "inc-1", "Flooded underpass")}}
	w := performRequest(router, http.MethodPost, "/v1/sync", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.SyncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Applied, 1)
	assert.Equal(t, "op-1", resp.Applied[0].ID)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, models.EventIncidentUpsert, resp.Events[0].Data.Type)
	assert.Equal(t, "1", resp.NextCursor)

	// Retrying the same batch with the new cursor applies nothing new.
	cursor := resp.NextCursor
	req.Cursor = &cursor
	w = performRequest(router, http.MethodPost, "/v1/sync", req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Applied, 1)
	assert.Empty(t, resp.Events)
	assert.Equal(t, "1", resp.NextCursor)
}

func TestHandleSync_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"ops":`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing ops", `{"cursor":null}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad cursor", `{"ops":[],"cursor":"abc"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"invalid payload", `{"ops":[{"id":"op-1","type":"upsertIncident","entityId":"inc-1","payload":{},"ts":1,"cv":{"deviceId":"d","counter":1}}]}`,
			http.StatusBadRequest, "VALIDATION_ERROR"},
		{"patch unknown", `{"ops":[{"id":"op-1","type":"patchIncident","entityId":"nope","payload":{"status":"RESOLVED"},"ts":1,"cv":{"deviceId":"d","counter":1}}]}`,
			http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t)
			w := performRequest(router, http.MethodPost, "/v1/sync", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestListIncidents(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router, http.MethodGet, "/v1/incidents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list models.IncidentList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Incidents, 2)
}

func TestListIncidents_EmptyIsArray(t *testing.T) {
	svc := server.NewService(db.NewMemoryRepository())
	router := NewRouter(Deps{Service: svc})

	w := performRequest(router, http.MethodGet, "/v1/incidents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"incidents":[]}`, w.Body.String())
}

// TestPatchIncident verifies a direct edit updates the incident and logs an event.
func TestPatchIncident(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router, http.MethodPatch, "/v1/incidents/demo-1", map[string]string{"status": "RESOLVED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Incident models.Incident `json:"incident"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.StatusResolved, body.Incident.Status)
	assert.Equal(t, "Pothole on 3rd Ave", body.Incident.Title)

	w = performRequest(router, http.MethodGet, "/v1/events?after=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events models.EventList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events.Events, 1)
	assert.Equal(t, models.EventIncidentStatus, events.Events[0].Data.Type)
	assert.Equal(t, "1", events.NextCursor)
}

func TestPatchIncident_Errors(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router, http.MethodPatch, "/v1/incidents/missing", map[string]string{"status": "RESOLVED"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)

	w = performRequest(router, http.MethodPatch, "/v1/incidents/demo-1", map[string]string{"status": "DONE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)
}

func TestLinkDuplicate(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router, http.MethodPost, "/v1/incidents/demo-2/duplicate",
		models.DuplicateRequest{CanonicalID: "demo-1", Reason: "same corner"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = performRequest(router, http.MethodGet, "/v1/incidents/demo-2/duplicates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Duplicates []models.DuplicateLink `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Duplicates, 1)
	assert.Equal(t, "demo-1", body.Duplicates[0].CanonicalIncidentID)

	w = performRequest(router, http.MethodPost, "/v1/incidents/demo-2/duplicate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(router, http.MethodPost, "/v1/incidents/demo-2/duplicate",
		models.DuplicateRequest{CanonicalID: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEvents_BadCursor(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router, http.MethodGet, "/v1/events?after=-4", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	performRequest(router, http.MethodPost, "/v1/sync",
		models.SyncRequest{Ops: []models.Operation{upsertOp("op-1", "inc-1", "A")}})

	w := performRequest(router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "incidentsync_"), "metrics body missing namespace")
}

func TestRealtimeRouteDisabled(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router, http.MethodGet, "/v1/ws", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
