// Package sqlite is a single-file EventStore for one-node deployments.
// Timestamps are unix milliseconds taken from the Go clock, so tests can
// move time without touching the database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"event-ingestion-service/internal/model"
)

//go:embed schema.sql
var schema string

const eventColumns = `id, tenant_id, external_id, type, payload, status, retry_count,
lease_owner, lease_expires_at, lease_version, next_attempt_at, last_error, diagnostic,
created_at, updated_at, completed_at`

type EventStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at path with WAL and a 5s busy timeout and
// applies the schema. One connection serialises writers, which is what
// makes LeaseBatch atomic across goroutines.
func Open(ctx context.Context, path string) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}

	return &EventStore{db: db, now: time.Now}, nil
}

// WithClock overrides the clock for tests.
func (s *EventStore) WithClock(now func() time.Time) *EventStore {
	s.now = now
	return s
}

func (s *EventStore) Close() error { return s.db.Close() }

func (s *EventStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *EventStore) nowMs() int64 { return s.now().UnixMilli() }

func (s *EventStore) Enqueue(ctx context.Context, in model.NewEvent) (string, error) {
	const q = `
INSERT INTO events (id, tenant_id, external_id, type, payload, status, retry_count,
                    next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'PENDING', 0, ?, ?, ?);
`
	id := uuid.NewString()
	for attempt := 1; ; attempt++ {
		now := s.nowMs()
		_, err := s.db.ExecContext(ctx, q, id, in.TenantID, in.ExternalID, in.Type, []byte(in.Payload), now, now, now)
		if err == nil {
			return id, nil
		}
		if !isConstraint(err) {
			return "", err
		}

		err = s.duplicate(ctx, in.TenantID, in.ExternalID, in.Type)
		var dup *model.DuplicateEventError
		if !errors.As(err, &dup) || dup.ExistingID != "" {
			return "", err
		}
		if attempt == model.EnqueueAttempts {
			return "", fmt.Errorf("enqueue %s/%s: conflicting event kept changing", in.TenantID, in.ExternalID)
		}
	}
}

func (s *EventStore) duplicate(ctx context.Context, tenantID, externalID, eventType string) error {
	const q = `
SELECT id FROM events
WHERE tenant_id = ? AND external_id = ? AND type = ?
  AND status NOT IN ('COMPLETED', 'DEAD_LETTER')
LIMIT 1;
`
	dup := &model.DuplicateEventError{TenantID: tenantID, ExternalID: externalID, Type: eventType}
	err := s.db.QueryRowContext(ctx, q, tenantID, externalID, eventType).Scan(&dup.ExistingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return dup
}

func (s *EventStore) Get(ctx context.Context, tenantID, id string) (model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id = ? AND tenant_id = ?;`
	e, err := scanEvent(s.db.QueryRowContext(ctx, q, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, model.ErrNotFound
	}
	return e, err
}

func (s *EventStore) List(ctx context.Context, f model.ListFilter) ([]model.Event, error) {
	f = f.Normalize()

	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UnixMilli())
	}
	args = append(args, f.Limit, f.Offset)

	q := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at, id LIMIT ? OFFSET ?;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *EventStore) LeaseBatch(ctx context.Context, req model.LeaseRequest) ([]model.Event, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}
	q := `
UPDATE events
SET status = 'LEASED',
    lease_owner = ?1,
    lease_expires_at = ?2 + ?3,
    lease_version = lease_version + 1,
    updated_at = ?2
WHERE id IN (
    SELECT id
    FROM events
    WHERE (status = 'PENDING' OR (status = 'RETRYING' AND next_attempt_at <= ?2))
      AND (?4 = '' OR tenant_id = ?4)
    ORDER BY next_attempt_at, created_at
    LIMIT ?5
)
RETURNING ` + eventColumns + `;`

	rows, err := s.db.QueryContext(ctx, q, req.WorkerID, s.nowMs(), req.LeaseDuration.Milliseconds(), req.TenantID, req.BatchSize)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

const fenceClause = `
WHERE id = ?
  AND tenant_id = ?
  AND lease_owner = ?
  AND lease_version = ?
  AND status IN ('LEASED', 'PROCESSING')
  AND lease_expires_at >= ?`

// fencedExec applies set only while l is the live lease. setArgs bind the
// placeholders in set, which precede the fence's own.
func (s *EventStore) fencedExec(ctx context.Context, set string, setArgs []any, l model.Lease) error {
	now := s.nowMs()
	args := append(append([]any{}, setArgs...), now, l.EventID, l.TenantID, l.Owner, l.Version, now)
	res, err := s.db.ExecContext(ctx, `UPDATE events SET `+set+`, updated_at = ?`+fenceClause+`;`, args...)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra == 0 {
		return model.ErrLeaseLost
	}
	return nil
}

func (s *EventStore) MarkProcessing(ctx context.Context, l model.Lease) error {
	return s.fencedExec(ctx, `status = 'PROCESSING'`, nil, l)
}

func (s *EventStore) RenewLease(ctx context.Context, l model.Lease, d time.Duration) (model.Lease, error) {
	exp := s.now().Add(d)
	if err := s.fencedExec(ctx, `lease_expires_at = ?`, []any{exp.UnixMilli()}, l); err != nil {
		return model.Lease{}, err
	}
	l.ExpiresAt = time.UnixMilli(exp.UnixMilli()).UTC()
	return l, nil
}

func (s *EventStore) MarkCompleted(ctx context.Context, l model.Lease, diagnostic string) error {
	return s.fencedExec(ctx, `
    status = 'COMPLETED',
    lease_owner = NULL,
    lease_expires_at = NULL,
    completed_at = ?,
    diagnostic = NULLIF(?, '')`, []any{s.nowMs(), diagnostic}, l)
}

func (s *EventStore) MarkFailed(ctx context.Context, l model.Lease, lastErr string, nextAttemptAt time.Time) error {
	return s.fencedExec(ctx, `
    status = 'RETRYING',
    retry_count = retry_count + 1,
    last_error = ?,
    next_attempt_at = ?,
    lease_owner = NULL,
    lease_expires_at = NULL`, []any{lastErr, nextAttemptAt.UnixMilli()}, l)
}

func (s *EventStore) MarkDeadLetter(ctx context.Context, l model.Lease, lastErr string) error {
	return s.fencedExec(ctx, `
    status = 'DEAD_LETTER',
    retry_count = retry_count + 1,
    last_error = ?,
    lease_owner = NULL,
    lease_expires_at = NULL`, []any{lastErr}, l)
}

func (s *EventStore) ReleaseLease(ctx context.Context, l model.Lease) error {
	return s.fencedExec(ctx, `
    status = CASE WHEN retry_count = 0 THEN 'PENDING' ELSE 'RETRYING' END,
    lease_owner = NULL,
    lease_expires_at = NULL`, nil, l)
}

func (s *EventStore) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	const q = `
UPDATE events
SET status = CASE WHEN retry_count = 0 THEN 'PENDING' ELSE 'RETRYING' END,
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = ?1
WHERE status IN ('LEASED', 'PROCESSING')
  AND lease_expires_at < ?1;
`
	res, err := s.db.ExecContext(ctx, q, s.nowMs())
	if err != nil {
		return 0, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(ra), nil
}

func (s *EventStore) Replay(ctx context.Context, tenantID, id string) (model.Event, error) {
	q := `
UPDATE events
SET status = 'PENDING',
    retry_count = 0,
    next_attempt_at = ?1,
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = ?1
WHERE id = ?2 AND tenant_id = ?3 AND status = 'DEAD_LETTER'
RETURNING ` + eventColumns + `;`

	e, err := scanEvent(s.db.QueryRowContext(ctx, q, s.nowMs(), id, tenantID))
	switch {
	case err == nil:
		return e, nil
	case isConstraint(err):
		cur, gerr := s.Get(ctx, tenantID, id)
		if gerr != nil {
			return model.Event{}, gerr
		}
		return model.Event{}, s.duplicate(ctx, tenantID, cur.ExternalID, cur.Type)
	case errors.Is(err, sql.ErrNoRows):
		if _, gerr := s.Get(ctx, tenantID, id); gerr != nil {
			return model.Event{}, gerr
		}
		return model.Event{}, model.ErrNotDeadLettered
	default:
		return model.Event{}, err
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.Event, error) {
	var (
		e                                 model.Event
		payload                           []byte
		status                            string
		owner, lastErr, diag              sql.NullString
		leaseExp, completed               sql.NullInt64
		nextAttempt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.ExternalID,
		&e.Type,
		&payload,
		&status,
		&e.RetryCount,
		&owner,
		&leaseExp,
		&e.LeaseVersion,
		&nextAttempt,
		&lastErr,
		&diag,
		&createdAt,
		&updatedAt,
		&completed,
	)
	if err != nil {
		return model.Event{}, err
	}
	e.Payload = payload
	e.Status = model.EventStatus(status)
	e.LeaseOwner = owner.String
	e.LeaseExpiresAt = optTime(leaseExp)
	e.NextAttemptAt = msTime(nextAttempt)
	e.LastError = optString(lastErr)
	e.Diagnostic = optString(diag)
	e.CreatedAt = msTime(createdAt)
	e.UpdatedAt = msTime(updatedAt)
	e.CompletedAt = optTime(completed)
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]model.Event, error) {
	defer func() { _ = rows.Close() }()

	out := make([]model.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func optTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := msTime(v.Int64)
	return &t
}

func optString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

// isConstraint matches both primary and extended SQLITE_CONSTRAINT codes.
func isConstraint(err error) bool {
	var se *sqlitedrv.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
