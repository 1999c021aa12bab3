package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"event-ingestion-service/internal/model"
)

// LeaseBatch atomically leases up to req.BatchSize due events.
// SKIP LOCKED keeps concurrent workers on disjoint rows; the outer status
// check re-validates rows that changed between snapshot and lock.
func (r *EventRepo) LeaseBatch(ctx context.Context, req model.LeaseRequest) ([]model.Event, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}
	q := `
UPDATE events
SET status = 'LEASED',
    lease_owner = $1,
    lease_expires_at = now() + $2::bigint * interval '1 millisecond',
    lease_version = lease_version + 1,
    updated_at = now()
WHERE id IN (
    SELECT id
    FROM events
    WHERE (status = 'PENDING' OR (status = 'RETRYING' AND next_attempt_at <= now()))
      AND ($3 = '' OR tenant_id = $3)
    ORDER BY next_attempt_at, created_at
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
  AND status IN ('PENDING', 'RETRYING')
RETURNING ` + eventColumns + `;`

	rows, err := r.db.QueryContext(ctx, q, req.WorkerID, req.LeaseDuration.Milliseconds(), req.TenantID, req.BatchSize)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// fenceClause matches only while the caller's lease is the live one.
const fenceClause = `
WHERE id = $1
  AND tenant_id = $2
  AND lease_owner = $3
  AND lease_version = $4
  AND status IN ('LEASED', 'PROCESSING')
  AND lease_expires_at >= now()`

func (r *EventRepo) fencedExec(ctx context.Context, set string, l model.Lease, extra ...any) error {
	args := append([]any{l.EventID, l.TenantID, l.Owner, l.Version}, extra...)
	res, err := r.db.ExecContext(ctx, `UPDATE events SET `+set+`, updated_at = now()`+fenceClause+`;`, args...)
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

func (r *EventRepo) MarkProcessing(ctx context.Context, l model.Lease) error {
	return r.fencedExec(ctx, `status = 'PROCESSING'`, l)
}

func (r *EventRepo) RenewLease(ctx context.Context, l model.Lease, d time.Duration) (model.Lease, error) {
	q := `
UPDATE events
SET lease_expires_at = now() + $5::bigint * interval '1 millisecond',
    updated_at = now()` + fenceClause + `
RETURNING lease_expires_at;`

	var exp time.Time
	err := r.db.QueryRowContext(ctx, q, l.EventID, l.TenantID, l.Owner, l.Version, d.Milliseconds()).Scan(&exp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Lease{}, model.ErrLeaseLost
		}
		return model.Lease{}, err
	}
	l.ExpiresAt = exp
	return l, nil
}

func (r *EventRepo) MarkCompleted(ctx context.Context, l model.Lease, diagnostic string) error {
	return r.fencedExec(ctx, `
    status = 'COMPLETED',
    lease_owner = NULL,
    lease_expires_at = NULL,
    completed_at = now(),
    diagnostic = NULLIF($5, '')`, l, diagnostic)
}

func (r *EventRepo) MarkFailed(ctx context.Context, l model.Lease, lastErr string, nextAttemptAt time.Time) error {
	return r.fencedExec(ctx, `
    status = 'RETRYING',
    retry_count = retry_count + 1,
    last_error = $5,
    next_attempt_at = $6,
    lease_owner = NULL,
    lease_expires_at = NULL`, l, lastErr, nextAttemptAt.UTC())
}

func (r *EventRepo) MarkDeadLetter(ctx context.Context, l model.Lease, lastErr string) error {
	return r.fencedExec(ctx, `
    status = 'DEAD_LETTER',
    retry_count = retry_count + 1,
    last_error = $5,
    lease_owner = NULL,
    lease_expires_at = NULL`, l, lastErr)
}

// ReleaseLease gives an unfinished event back without counting an attempt.
func (r *EventRepo) ReleaseLease(ctx context.Context, l model.Lease) error {
	return r.fencedExec(ctx, `
    status = CASE WHEN retry_count = 0 THEN 'PENDING' ELSE 'RETRYING' END,
    lease_owner = NULL,
    lease_expires_at = NULL`, l)
}

// ReclaimExpiredLeases returns events whose lease ran out to their
// pre-lease status. Strictly after expiry, matching the fence above.
func (r *EventRepo) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	const q = `
UPDATE events
SET status = CASE WHEN retry_count = 0 THEN 'PENDING' ELSE 'RETRYING' END,
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = now()
WHERE status IN ('LEASED', 'PROCESSING')
  AND lease_expires_at < now();
`
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(ra), nil
}

func (r *EventRepo) Replay(ctx context.Context, tenantID, id string) (model.Event, error) {
	q := `
UPDATE events
SET status = 'PENDING',
    retry_count = 0,
    next_attempt_at = now(),
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = now()
WHERE id = $1 AND tenant_id = $2 AND status = 'DEAD_LETTER'
RETURNING ` + eventColumns + `;`

	e, err := scanEvent(r.db.QueryRowContext(ctx, q, id, tenantID))
	switch {
	case err == nil:
		return e, nil
	case isUniqueViolation(err):
		cur, gerr := r.Get(ctx, tenantID, id)
		if gerr != nil {
			return model.Event{}, gerr
		}
		return model.Event{}, r.duplicate(ctx, tenantID, cur.ExternalID, cur.Type)
	case errors.Is(err, sql.ErrNoRows):
		if _, gerr := r.Get(ctx, tenantID, id); gerr != nil {
			return model.Event{}, gerr
		}
		return model.Event{}, model.ErrNotDeadLettered
	default:
		return model.Event{}, err
	}
}
