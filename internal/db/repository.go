package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/models"
)

// Repository is the SQLite-backed server Store.
type Repository struct {
	db *sql.DB

	// Prepared statements for the read paths, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a Repository over an already migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// OpenRepository opens dataDir/name, applies the server schema and returns
// the repository.
func OpenRepository(dataDir, name string) (*Repository, error) {
	conn, err := Open(dataDir, name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open server database", err)
	}
	if err := Migrate(conn.DB, SchemaServer); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to migrate server database", err)
	}
	return NewRepository(conn.DB), nil
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have won the race; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes cached statements and the database.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	if err := r.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Mode implements Store.
func (r *Repository) Mode() string { return ModeDB }

// =====================================================
// Incident Operations
// =====================================================

const incidentColumns = `id, title, description, status, severity, lat, lng, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var inc models.Incident
	var lat, lng sql.NullFloat64
	var createdAt, updatedAt int64
	if err := row.Scan(&inc.ID, &inc.Title, &inc.Description, &inc.Status, &inc.Severity,
		&lat, &lng, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if lat.Valid {
		inc.Lat = &lat.Float64
	}
	if lng.Valid {
		inc.Lng = &lng.Float64
	}
	inc.CreatedAt = fromMillis(createdAt)
	inc.UpdatedAt = fromMillis(updatedAt)
	return &inc, nil
}

// GetIncident implements IncidentReader.
func (r *Repository) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	inc, err := scanIncident(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("incident %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return inc, nil
}

// ListIncidents implements IncidentReader.
func (r *Repository) ListIncidents(ctx context.Context) ([]models.Incident, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]models.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// DuplicateLinks implements Store.
func (r *Repository) DuplicateLinks(ctx context.Context, srcID string) ([]models.DuplicateLink, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, src_incident_id, canonical_incident_id, reason, created_at
	FROM duplicate_links WHERE src_incident_id = ? ORDER BY created_at, id`, srcID)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate links: %w", err)
	}
	defer rows.Close()

	links := make([]models.DuplicateLink, 0)
	for rows.Next() {
		var link models.DuplicateLink
		var createdAt int64
		if err := rows.Scan(&link.ID, &link.SrcIncidentID, &link.CanonicalIncidentID,
			&link.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate link: %w", err)
		}
		link.CreatedAt = fromMillis(createdAt)
		links = append(links, link)
	}
	return links, rows.Err()
}

// =====================================================
// Event Operations
// =====================================================

// EventsAfter implements EventReader.
func (r *Repository) EventsAfter(ctx context.Context, after int64) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT cursor, data FROM events WHERE cursor > ? ORDER BY cursor`, after)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var ev models.Event
		var data string
		if err := rows.Scan(&ev.Cursor, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", ev.Cursor, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CurrentCursor implements EventReader.
func (r *Repository) CurrentCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(cursor), 0) FROM events`).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// =====================================================
// Transactions
// =====================================================

// Update implements Store.
func (r *Repository) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) IsApplied(opID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(1) FROM applied_ops WHERE id = ?`, opID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check applied marker: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) MarkApplied(opID string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO applied_ops (id, applied_at) VALUES (?, ?)`, opID, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to record applied marker: %w", err)
	}
	return nil
}

func (t *sqlTx) GetIncident(id string) (*models.Incident, error) {
	inc, err := scanIncident(t.tx.QueryRowContext(t.ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("incident %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return inc, nil
}

func (t *sqlTx) PutIncident(inc *models.Incident) error {
	query := `
	INSERT INTO incidents (` + incidentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		severity = excluded.severity,
		lat = excluded.lat,
		lng = excluded.lng,
		updated_at = excluded.updated_at
	`
	_, err := t.tx.ExecContext(t.ctx, query, inc.ID, inc.Title, inc.Description,
		inc.Status, inc.Severity, nullFloat(inc.Lat), nullFloat(inc.Lng),
		toMillis(inc.CreatedAt), toMillis(inc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert incident %s: %w", inc.ID, err)
	}
	return nil
}

func (t *sqlTx) AddDuplicateLink(link *models.DuplicateLink) error {
	_, err := t.tx.ExecContext(t.ctx, `
	INSERT INTO duplicate_links (id, src_incident_id, canonical_incident_id, reason, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		link.ID, link.SrcIncidentID, link.CanonicalIncidentID, link.Reason, toMillis(link.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert duplicate link: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendEvent(data models.EventData, at time.Time) (models.Event, error) {
	var current int64
	if err := t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(MAX(cursor), 0) FROM events`).Scan(&current); err != nil {
		return models.Event{}, fmt.Errorf("failed to read cursor: %w", err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to encode event: %w", err)
	}

	ev := models.Event{Cursor: current + 1, Data: data}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO events (cursor, type, data, created_at) VALUES (?, ?, ?, ?)`,
		ev.Cursor, string(data.Type), string(raw), toMillis(at))
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	return ev, nil
}

// =====================================================
// Helpers
// =====================================================

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
