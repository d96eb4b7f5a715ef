package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/models"
)

const (
	kvCursor        = "cursor"
	kvCounterPrefix = "cv:"
	kvDeviceID      = "device_id"
)

// LocalRepository is a device's durable store: the pending operation log,
// the cached incident copies, the persisted cursor and the conflict log.
type LocalRepository struct {
	db *sql.DB
}

// NewLocalRepository wraps an already migrated client database.
func NewLocalRepository(db *sql.DB) *LocalRepository {
	return &LocalRepository{db: db}
}

// OpenLocalRepository opens dataDir/name and applies the client schema.
func OpenLocalRepository(dataDir, name string) (*LocalRepository, error) {
	conn, err := Open(dataDir, name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open local database", err)
	}
	if err := Migrate(conn.DB, SchemaClient); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to migrate local database", err)
	}
	return NewLocalRepository(conn.DB), nil
}

// Close closes the database.
func (r *LocalRepository) Close() error {
	return r.db.Close()
}

// =====================================================
// Operation log
// =====================================================

// EnqueueOp appends op to the pending log. The device's change vector
// counter is advanced and stamped on op in the same transaction. When local
// is non-nil the cached incident copy is written alongside.
func (r *LocalRepository) EnqueueOp(ctx context.Context, op *models.Operation, local *models.LocalIncident, at time.Time) (models.PendingOp, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PendingOp{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	key := kvCounterPrefix + op.ChangeVector.DeviceID
	last, err := getCounter(ctx, tx, key)
	if err != nil {
		return models.PendingOp{}, err
	}
	op.ChangeVector.Counter = last + 1
	if err := putKV(ctx, tx, key, strconv.FormatInt(op.ChangeVector.Counter, 10)); err != nil {
		return models.PendingOp{}, err
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO pending_ops (id, type, entity_id, payload, ts, device_id, counter, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Type), op.EntityID, string(op.Payload), op.Timestamp,
		op.ChangeVector.DeviceID, op.ChangeVector.Counter, toMillis(at))
	if err != nil {
		return models.PendingOp{}, fmt.Errorf("failed to append operation %s: %w", op.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.PendingOp{}, fmt.Errorf("failed to read operation sequence: %w", err)
	}

	if local != nil {
		if err := putLocalIncident(ctx, tx, local); err != nil {
			return models.PendingOp{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.PendingOp{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit operation", err)
	}
	return models.PendingOp{Seq: seq, Operation: *op, EnqueuedAt: fromMillis(toMillis(at))}, nil
}

// LastCounter returns the last change vector counter issued for deviceID.
func (r *LocalRepository) LastCounter(ctx context.Context, deviceID string) (int64, error) {
	return getCounter(ctx, r.db, kvCounterPrefix+deviceID)
}

// PendingOps returns up to limit pending operations in insertion order.
// A limit of zero or less returns all of them.
func (r *LocalRepository) PendingOps(ctx context.Context, limit int) ([]models.PendingOp, error) {
	query := `
	SELECT seq, id, type, entity_id, payload, ts, device_id, counter, enqueued_at
	FROM pending_ops ORDER BY seq`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending operations: %w", err)
	}
	defer rows.Close()

	ops := make([]models.PendingOp, 0)
	for rows.Next() {
		var p models.PendingOp
		var payload string
		var enqueuedAt int64
		if err := rows.Scan(&p.Seq, &p.Operation.ID, &p.Operation.Type, &p.Operation.EntityID,
			&payload, &p.Operation.Timestamp, &p.Operation.ChangeVector.DeviceID,
			&p.Operation.ChangeVector.Counter, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		p.Operation.Payload = json.RawMessage(payload)
		p.EnqueuedAt = fromMillis(enqueuedAt)
		ops = append(ops, p)
	}
	return ops, rows.Err()
}

// CountPending returns the number of pending operations.
func (r *LocalRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pending_ops`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// DeleteOps removes the given operation ids and returns how many existed.
func (r *LocalRepository) DeleteOps(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	n, err := deleteOps(ctx, tx, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit acknowledgment", err)
	}
	return n, nil
}

// =====================================================
// Cursor and sync commit
// =====================================================

// Cursor returns the last persisted server cursor, nil before the first sync.
func (r *LocalRepository) Cursor(ctx context.Context) (*string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, kvCursor).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	return &value, nil
}

// DeviceID returns the persisted device id, storing generate() on first use.
func (r *LocalRepository) DeviceID(ctx context.Context, generate func() string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, kvDeviceID).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	value = generate()
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO kv (key, value) VALUES (?, ?)`, kvDeviceID, value); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	err = r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, kvDeviceID).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return value, nil
}

// SyncCommit is everything a successful sync cycle writes locally.
type SyncCommit struct {
	Acknowledged []string
	Cursor       *string
	Incidents    []models.LocalIncident
	Conflicts    []models.ConflictLog
}

// CommitSync writes the outcome of a sync cycle in one transaction, so a
// failure leaves the queue, cursor and cached copies as they were.
func (r *LocalRepository) CommitSync(ctx context.Context, c SyncCommit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := deleteOps(ctx, tx, c.Acknowledged); err != nil {
		return err
	}
	if c.Cursor != nil {
		if err := putKV(ctx, tx, kvCursor, *c.Cursor); err != nil {
			return err
		}
	}
	for i := range c.Incidents {
		if err := putLocalIncident(ctx, tx, &c.Incidents[i]); err != nil {
			return err
		}
	}
	for _, cl := range c.Conflicts {
		if err := insertConflict(ctx, tx, cl); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit sync", err)
	}
	return nil
}

// =====================================================
// Local incidents
// =====================================================

const localIncidentColumns = incidentColumns + `, draft, merged`

func scanLocalIncident(row rowScanner) (*models.LocalIncident, error) {
	var li models.LocalIncident
	var lat, lng sql.NullFloat64
	var createdAt, updatedAt int64
	if err := row.Scan(&li.ID, &li.Title, &li.Description, &li.Status, &li.Severity,
		&lat, &lng, &createdAt, &updatedAt, &li.Draft, &li.Merged); err != nil {
		return nil, err
	}
	if lat.Valid {
		li.Lat = &lat.Float64
	}
	if lng.Valid {
		li.Lng = &lng.Float64
	}
	li.CreatedAt = fromMillis(createdAt)
	li.UpdatedAt = fromMillis(updatedAt)
	return &li, nil
}

// GetLocalIncident returns the cached copy or a NOT_FOUND AppError.
func (r *LocalRepository) GetLocalIncident(ctx context.Context, id string) (*models.LocalIncident, error) {
	li, err := scanLocalIncident(r.db.QueryRowContext(ctx,
		`SELECT `+localIncidentColumns+` FROM local_incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("incident %s not found locally", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get local incident %s: %w", id, err)
	}
	return li, nil
}

// ListLocalIncidents returns cached copies ordered by updatedAt descending.
func (r *LocalRepository) ListLocalIncidents(ctx context.Context) ([]models.LocalIncident, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+localIncidentColumns+` FROM local_incidents ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list local incidents: %w", err)
	}
	defer rows.Close()

	out := make([]models.LocalIncident, 0)
	for rows.Next() {
		li, err := scanLocalIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan local incident: %w", err)
		}
		out = append(out, *li)
	}
	return out, rows.Err()
}

// PutLocalIncident writes a cached copy.
func (r *LocalRepository) PutLocalIncident(ctx context.Context, li *models.LocalIncident) error {
	return putLocalIncident(ctx, r.db, li)
}

// ClearMerged acknowledges the review of an overwritten copy.
func (r *LocalRepository) ClearMerged(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE local_incidents SET merged = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear merged flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("incident %s not found locally", id)
	}
	return nil
}

// =====================================================
// Conflict log
// =====================================================

// ListConflicts returns the conflict log, newest first.
func (r *LocalRepository) ListConflicts(ctx context.Context) ([]models.ConflictLog, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, item_id, fields, local_updated_at, remote_updated_at, resolution, detected_at
	FROM conflict_log ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	out := make([]models.ConflictLog, 0)
	for rows.Next() {
		var cl models.ConflictLog
		var fields string
		var localAt, remoteAt, detectedAt int64
		if err := rows.Scan(&cl.ID, &cl.ItemID, &fields, &localAt, &remoteAt,
			&cl.Resolution, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if fields != "" {
			cl.Fields = strings.Split(fields, ",")
		}
		cl.LocalUpdatedAt = fromMillis(localAt)
		cl.RemoteUpdatedAt = fromMillis(remoteAt)
		cl.DetectedAt = fromMillis(detectedAt)
		out = append(out, cl)
	}
	return out, rows.Err()
}

// =====================================================
// Shared statements
// =====================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getCounter(ctx context.Context, q execer, key string) (int64, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s=%q: %w", key, value, err)
	}
	return n, nil
}

func putKV(ctx context.Context, q execer, key, value string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func deleteOps(ctx context.Context, q execer, ids []string) (int64, error) {
	var total int64
	for _, id := range ids {
		res, err := q.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("failed to acknowledge operation %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func putLocalIncident(ctx context.Context, q execer, li *models.LocalIncident) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO local_incidents (`+localIncidentColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		severity = excluded.severity,
		lat = excluded.lat,
		lng = excluded.lng,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		draft = excluded.draft,
		merged = excluded.merged`,
		li.ID, li.Title, li.Description, li.Status, li.Severity,
		nullFloat(li.Lat), nullFloat(li.Lng), toMillis(li.CreatedAt), toMillis(li.UpdatedAt),
		li.Draft, li.Merged)
	if err != nil {
		return fmt.Errorf("failed to write local incident %s: %w", li.ID, err)
	}
	return nil
}

func insertConflict(ctx context.Context, q execer, cl models.ConflictLog) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO conflict_log (item_id, fields, local_updated_at, remote_updated_at, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		cl.ItemID, strings.Join(cl.Fields, ","), toMillis(cl.LocalUpdatedAt),
		toMillis(cl.RemoteUpdatedAt), cl.Resolution, toMillis(cl.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to record conflict for %s: %w", cl.ItemID, err)
	}
	return nil
}
