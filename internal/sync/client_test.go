package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/incidentsync/cmd/incidentsync/handlers"
	"github.com/kimhsiao/incidentsync/internal/db"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/server"
	"github.com/kimhsiao/incidentsync/internal/sync/queue"
)

// fakeTransport scripts server answers without HTTP.
type fakeTransport struct {
	mu        gosync.Mutex
	push      func(req *models.SyncRequest) (*models.SyncResponse, error)
	incidents []models.Incident
	fetchErr  error
	pushes    int32
}

func (f *fakeTransport) Push(_ context.Context, req *models.SyncRequest) (*models.SyncResponse, error) {
	atomic.AddInt32(&f.pushes, 1)
	return f.push(req)
}

func (f *fakeTransport) FetchIncidents(context.Context) ([]models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]models.Incident(nil), f.incidents...), nil
}

// ackAll answers a push by acknowledging every op.
func ackAll(req *models.SyncRequest) (*models.SyncResponse, error) {
	return &models.SyncResponse{Applied: req.Ops, Events: []models.Event{}, NextCursor: "7"}, nil
}

type device struct {
	client *Client
	repo   *db.LocalRepository
	oplog  *queue.OpLog
}

func newDevice(t *testing.T, transport Transport) *device {
	t.Helper()
	repo, err := db.OpenLocalRepository(t.TempDir(), "client.db")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	oplog := queue.New(repo, "dev-a")
	return &device{client: NewClient(transport, repo, oplog), repo: repo, oplog: oplog}
}

// newServer runs the real HTTP API over an in-memory store.
func newServer(t *testing.T) (*httptest.Server, *server.Service) {
	t.Helper()
	store := db.NewMemoryRepository()
	store.SeedDemo(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	svc := server.NewService(store)

	ts := httptest.NewServer(handlers.NewRouter(handlers.Deps{Service: svc}))
	t.Cleanup(ts.Close)
	return ts, svc
}

func pendingCount(t *testing.T, d *device) int {
	t.Helper()
	n, err := d.client.PendingChanges(context.Background())
	require.NoError(t, err)
	return n
}

// TestSyncNow_EndToEnd reports an incident offline, syncs it and checks the
// server holds it and the local copy is no longer a draft.
func TestSyncNow_EndToEnd(t *testing.T) {
	ctx := context.Background()
	ts, svc := newServer(t)
	d := newDevice(t, NewHTTPTransport(ts.URL, 5*time.Second))

	draft, err := d.client.ReportIncident(ctx, IncidentDraft{Title: "Fallen tree", Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.True(t, draft.Draft)
	assert.Equal(t, 1, pendingCount(t, d))

	result, err := d.client.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 1, result.Acknowledged)
	assert.Equal(t, "1", result.Cursor)
	assert.Equal(t, 3, result.Pulled)
	assert.Equal(t, 2, result.Adopted)
	assert.Equal(t, 0, pendingCount(t, d))

	remote, err := svc.GetIncident(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fallen tree", remote.Title)
	assert.Equal(t, models.SeverityHigh, remote.Severity)

	local, err := d.repo.GetLocalIncident(ctx, draft.ID)
	require.NoError(t, err)
	assert.False(t, local.Draft)
	assert.False(t, local.Merged)

	cursor, err := d.repo.Cursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "1", *cursor)

	assert.Equal(t, SyncStatusIdle, d.client.Status())
	assert.NotNil(t, d.client.LastSync())
	assert.NoError(t, d.client.LastError())
}

// TestSyncNow_ChangeStatus verifies a queued status change reaches the server.
func TestSyncNow_ChangeStatus(t *testing.T) {
	ctx := context.Background()
	ts, svc := newServer(t)
	d := newDevice(t, NewHTTPTransport(ts.URL, 5*time.Second))

	_, err := d.client.SyncNow(ctx)
	require.NoError(t, err)

	local, err := d.client.ChangeStatus(ctx, "demo-1", models.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, local.Status)

	_, err = d.client.SyncNow(ctx)
	require.NoError(t, err)

	remote, err := svc.GetIncident(ctx, "demo-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, remote.Status)

	local, err = d.repo.GetLocalIncident(ctx, "demo-1")
	require.NoError(t, err)
	assert.False(t, local.Merged)

	_, err = d.client.ChangeStatus(ctx, "demo-1", "DONE")
	assert.Error(t, err)
	_, err = d.client.ChangeStatus(ctx, "unknown", models.StatusResolved)
	assert.Error(t, err)
}

// TestSyncNow_MergedFlag verifies divergent local values are overwritten,
// flagged and logged, and that the flag clears once values match.
func TestSyncNow_MergedFlag(t *testing.T) {
	ctx := context.Background()
	ts, _ := newServer(t)
	d := newDevice(t, NewHTTPTransport(ts.URL, 5*time.Second))

	_, err := d.client.SyncNow(ctx)
	require.NoError(t, err)

	local, err := d.repo.GetLocalIncident(ctx, "demo-1")
	require.NoError(t, err)
	local.Title = "Edited offline"
	require.NoError(t, d.repo.PutLocalIncident(ctx, local))

	result, err := d.client.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Merged)

	local, err = d.repo.GetLocalIncident(ctx, "demo-1")
	require.NoError(t, err)
	assert.True(t, local.Merged)
	assert.Equal(t, "Pothole on 3rd Ave", local.Title)

	conflicts, err := d.client.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "demo-1", conflicts[0].ItemID)
	assert.Equal(t, []string{"title"}, conflicts[0].Fields)
	assert.Equal(t, "remote_wins", conflicts[0].Resolution)

	require.NoError(t, d.client.ClearMerged(ctx, "demo-1"))
	_, err = d.client.SyncNow(ctx)
	require.NoError(t, err)

	local, err = d.repo.GetLocalIncident(ctx, "demo-1")
	require.NoError(t, err)
	assert.False(t, local.Merged)
}

// TestSyncNow_PartialAck verifies only acknowledged ids leave the log.
func TestSyncNow_PartialAck(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTransport{push: func(req *models.SyncRequest) (*models.SyncResponse, error) {
		return &models.SyncResponse{Applied: req.Ops[:1], NextCursor: "1"}, nil
	}}
	d := newDevice(t, ft)

	first, err := d.client.ReportIncident(ctx, IncidentDraft{Title: "A"})
	require.NoError(t, err)
	second, err := d.client.ReportIncident(ctx, IncidentDraft{Title: "B"})
	require.NoError(t, err)

	result, err := d.client.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushed)
	assert.Equal(t, 1, result.Acknowledged)

	pending, err := d.client.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].Operation.EntityID)

	// The server never returned these, so the local drafts stay untouched.
	local, err := d.repo.GetLocalIncident(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, local.Draft)
}

// TestSyncNow_FailureLeavesStateUntouched verifies a failed push or pull
// commits nothing locally.
func TestSyncNow_FailureLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name string
		ft   *fakeTransport
	}{
		{"push fails", &fakeTransport{push: func(*models.SyncRequest) (*models.SyncResponse, error) {
			return nil, &TransportError{Op: "push", Err: errors.New("connection refused")}
		}}},
		{"pull fails after push", &fakeTransport{
			push:     ackAll,
			fetchErr: &TransportError{Op: "pull", StatusCode: 503, Err: errors.New("unavailable")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			d := newDevice(t, tt.ft)
			_, err := d.client.ReportIncident(ctx, IncidentDraft{Title: "A"})
			require.NoError(t, err)

			_, err = d.client.SyncNow(ctx)
			require.Error(t, err)
			assert.True(t, IsTransportError(err))

			assert.Equal(t, 1, pendingCount(t, d))
			cursor, err := d.repo.Cursor(ctx)
			require.NoError(t, err)
			assert.Nil(t, cursor)

			assert.Equal(t, SyncStatusFailed, d.client.Status())
			assert.Error(t, d.client.LastError())
			assert.Nil(t, d.client.LastSync())
		})
	}
}

// TestSyncNow_NothingPending verifies an empty log skips the push.
func TestSyncNow_NothingPending(t *testing.T) {
	ft := &fakeTransport{push: ackAll, incidents: []models.Incident{{ID: "r-1", Title: "Remote", Status: models.StatusOpen}}}
	d := newDevice(t, ft)

	result, err := d.client.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.pushes))
	assert.Equal(t, 1, result.Adopted)
	assert.Equal(t, "", result.Cursor)
}

// TestSyncNow_SingleFlight verifies overlapping calls share one cycle.
func TestSyncNow_SingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	ft := &fakeTransport{push: func(req *models.SyncRequest) (*models.SyncResponse, error) {
		close(entered)
		<-release
		return ackAll(req)
	}}
	d := newDevice(t, ft)
	_, err := d.client.ReportIncident(context.Background(), IncidentDraft{Title: "A"})
	require.NoError(t, err)

	var wg gosync.WaitGroup
	results := make([]*SyncResult, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = d.client.SyncNow(context.Background())
	}()
	<-entered
	assert.Equal(t, SyncStatusSyncing, d.client.Status())

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = d.client.SyncNow(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.pushes))
}

func TestOnChange(t *testing.T) {
	d := newDevice(t, &fakeTransport{push: ackAll})

	var got *SyncResult
	d.client.OnChange(func(r *SyncResult) { got = r })

	_, err := d.client.SyncNow(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestReportIncident_Validation(t *testing.T) {
	d := newDevice(t, &fakeTransport{push: ackAll})
	ctx := context.Background()

	_, err := d.client.ReportIncident(ctx, IncidentDraft{})
	assert.Error(t, err)
	_, err = d.client.ReportIncident(ctx, IncidentDraft{Title: "x", Severity: "CRITICAL"})
	assert.Error(t, err)
	assert.Equal(t, 0, pendingCount(t, d))
}

func TestMarkDuplicate(t *testing.T) {
	ctx := context.Background()
	ts, svc := newServer(t)
	d := newDevice(t, NewHTTPTransport(ts.URL, 5*time.Second))

	_, err := d.client.MarkDuplicate(ctx, "demo-2", "demo-1", "same corner")
	require.NoError(t, err)
	_, err = d.client.MarkDuplicate(ctx, "demo-2", "", "")
	assert.Error(t, err)

	_, err = d.client.SyncNow(ctx)
	require.NoError(t, err)

	links, err := svc.DuplicateLinks(ctx, "demo-2")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "demo-1", links[0].CanonicalIncidentID)
}

func TestHTTPTransport_ErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"VALIDATION_ERROR","message":"ops is required"}}`))
	}))
	defer ts.Close()

	_, err := NewHTTPTransport(ts.URL, time.Second).Push(context.Background(), &models.SyncRequest{})
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "push", te.Op)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", te.Code)
	assert.Contains(t, te.Error(), "ops is required")
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewHTTPTransport(url, time.Second).FetchIncidents(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestHTTPTransport_MalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nothing":true}`))
	}))
	defer ts.Close()

	_, err := NewHTTPTransport(ts.URL, time.Second).FetchIncidents(context.Background())
	assert.True(t, IsTransportError(err))
}
