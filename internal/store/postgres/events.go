package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"event-ingestion-service/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

const eventColumns = `id, tenant_id, external_id, type, payload, status, retry_count,
lease_owner, lease_expires_at, lease_version, next_attempt_at, last_error, diagnostic,
created_at, updated_at, completed_at`

type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *EventRepo) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// Enqueue inserts a PENDING event. A live event with the same
// (tenant, external id, type) yields *model.DuplicateEventError.
func (r *EventRepo) Enqueue(ctx context.Context, in model.NewEvent) (string, error) {
	const q = `
INSERT INTO events (id, tenant_id, external_id, type, payload, status, retry_count, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, 'PENDING', 0, now())
ON CONFLICT (tenant_id, external_id, type) WHERE status NOT IN ('COMPLETED', 'DEAD_LETTER')
DO NOTHING;
`
	id := uuid.NewString()
	for attempt := 1; ; attempt++ {
		res, err := r.db.ExecContext(ctx, q, id, in.TenantID, in.ExternalID, in.Type, []byte(in.Payload))
		if err != nil {
			return "", err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return "", err
		}
		if ra == 1 {
			return id, nil
		}

		err = r.duplicate(ctx, in.TenantID, in.ExternalID, in.Type)
		var dup *model.DuplicateEventError
		if !errors.As(err, &dup) || dup.ExistingID != "" {
			return "", err
		}
		// The conflicting event finished between the insert and the lookup.
		if attempt == model.EnqueueAttempts {
			return "", fmt.Errorf("enqueue %s/%s: conflicting event kept changing", in.TenantID, in.ExternalID)
		}
	}
}

func (r *EventRepo) duplicate(ctx context.Context, tenantID, externalID, eventType string) error {
	const q = `
SELECT id FROM events
WHERE tenant_id = $1 AND external_id = $2 AND type = $3
  AND status NOT IN ('COMPLETED', 'DEAD_LETTER')
LIMIT 1;
`
	dup := &model.DuplicateEventError{TenantID: tenantID, ExternalID: externalID, Type: eventType}
	err := r.db.QueryRowContext(ctx, q, tenantID, externalID, eventType).Scan(&dup.ExistingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return dup
}

func (r *EventRepo) Get(ctx context.Context, tenantID, id string) (model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 AND tenant_id = $2;`
	e, err := scanEvent(r.db.QueryRowContext(ctx, q, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, model.ErrNotFound
		}
		return model.Event{}, err
	}
	return e, nil
}

func (r *EventRepo) List(ctx context.Context, f model.ListFilter) ([]model.Event, error) {
	f = f.Normalize()

	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, f.From.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, f.To.UTC())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	q := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d;`,
		eventColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (r *EventRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.Event, error) {
	var (
		e       model.Event
		payload []byte
		owner   sql.NullString
		status  string
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
		&e.LeaseExpiresAt,
		&e.LeaseVersion,
		&e.NextAttemptAt,
		&e.LastError,
		&e.Diagnostic,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.CompletedAt,
	)
	if err != nil {
		return model.Event{}, err
	}
	e.Payload = payload
	e.Status = model.EventStatus(status)
	e.LeaseOwner = owner.String
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
