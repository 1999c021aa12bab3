package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-ingestion-service/internal/model"
)

var columns = []string{
	"id", "tenant_id", "external_id", "type", "payload", "status", "retry_count",
	"lease_owner", "lease_expires_at", "lease_version", "next_attempt_at", "last_error", "diagnostic",
	"created_at", "updated_at", "completed_at",
}

func newMock(t *testing.T) (*EventRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewEventRepo(db), mock
}

func eventRow(rows *sqlmock.Rows, id, status string, owner any, expires any, version int64) *sqlmock.Rows {
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	return rows.AddRow(id, "t1", "ISSUE-1", "issue_created", []byte(`{"id":"ISSUE-1"}`), status, 0,
		owner, expires, version, now, nil, nil, now, now, nil)
}

func TestEnqueue_Inserts(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), "t1", "ISSUE-1", "issue_created", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repo.Enqueue(context.Background(), model.NewEvent{
		TenantID: "t1", ExternalID: "ISSUE-1", Type: "issue_created", Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestEnqueue_DuplicateReturnsExistingID(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM events").
		WithArgs("t1", "ISSUE-1", "issue_created").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt-existing"))

	_, err := repo.Enqueue(context.Background(), model.NewEvent{
		TenantID: "t1", ExternalID: "ISSUE-1", Type: "issue_created", Payload: []byte(`{}`),
	})
	require.ErrorIs(t, err, model.ErrDuplicateEvent)

	var dup *model.DuplicateEventError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "evt-existing", dup.ExistingID)
}

func TestEnqueue_RetriesWhenConflictFinishesFirst(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM events").
		WithArgs("t1", "ISSUE-1", "issue_created").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), "t1", "ISSUE-1", "issue_created", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repo.Enqueue(context.Background(), model.NewEvent{
		TenantID: "t1", ExternalID: "ISSUE-1", Type: "issue_created", Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestEnqueue_GivesUpWithoutEmptyDuplicate(t *testing.T) {
	repo, mock := newMock(t)

	for i := 0; i < model.EnqueueAttempts; i++ {
		mock.ExpectExec("INSERT INTO events").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id FROM events").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
	}

	id, err := repo.Enqueue(context.Background(), model.NewEvent{
		TenantID: "t1", ExternalID: "ISSUE-1", Type: "issue_created", Payload: []byte(`{}`),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrDuplicateEvent)
	assert.Empty(t, id)
}

func TestGet_ScopedByTenant(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(`FROM events WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("evt-1", "t2").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.Get(context.Background(), "t2", "evt-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestList_BuildsFilters(t *testing.T) {
	repo, mock := newMock(t)
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND status = $2 AND created_at >= $3 ORDER BY created_at, id LIMIT $4 OFFSET $5")).
		WithArgs("t1", "DEAD_LETTER", from, 10, 20).
		WillReturnRows(eventRow(sqlmock.NewRows(columns), "evt-1", "DEAD_LETTER", nil, nil, 1))

	got, err := repo.List(context.Background(), model.ListFilter{
		TenantID: "t1", Status: model.StatusDeadLetter, From: &from, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.StatusDeadLetter, got[0].Status)
}

func TestLeaseBatch_ReturnsLeasedEvents(t *testing.T) {
	repo, mock := newMock(t)
	exp := time.Date(2026, 2, 25, 12, 0, 30, 0, time.UTC)

	mock.ExpectQuery("UPDATE events SET status = 'LEASED'").
		WithArgs("worker-a", int64(30000), "", 5).
		WillReturnRows(eventRow(sqlmock.NewRows(columns), "evt-1", "LEASED", "worker-a", exp, 3))

	got, err := repo.LeaseBatch(context.Background(), model.LeaseRequest{
		WorkerID: "worker-a", BatchSize: 5, LeaseDuration: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	l := got[0].Lease()
	assert.Equal(t, "worker-a", l.Owner)
	assert.Equal(t, int64(3), l.Version)
	assert.Equal(t, exp, l.ExpiresAt)
}

func TestLeaseBatch_ZeroBatchSkipsQuery(t *testing.T) {
	repo, _ := newMock(t)

	got, err := repo.LeaseBatch(context.Background(), model.LeaseRequest{WorkerID: "w", BatchSize: 0})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMarkCompleted_LeaseLost(t *testing.T) {
	repo, mock := newMock(t)
	l := model.Lease{EventID: "evt-1", TenantID: "t1", Owner: "worker-a", Version: 2}

	mock.ExpectExec("UPDATE events SET").
		WithArgs("evt-1", "t1", "worker-a", int64(2), "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkCompleted(context.Background(), l, "")
	assert.ErrorIs(t, err, model.ErrLeaseLost)
}

func TestMarkFailed_WritesSchedule(t *testing.T) {
	repo, mock := newMock(t)
	l := model.Lease{EventID: "evt-1", TenantID: "t1", Owner: "worker-a", Version: 2}
	next := time.Date(2026, 2, 25, 12, 1, 0, 0, time.UTC)

	mock.ExpectExec("status = 'RETRYING'").
		WithArgs("evt-1", "t1", "worker-a", int64(2), "downstream 503", next).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailed(context.Background(), l, "downstream 503", next))
}

func TestRenewLease_LeaseLost(t *testing.T) {
	repo, mock := newMock(t)
	l := model.Lease{EventID: "evt-1", TenantID: "t1", Owner: "worker-a", Version: 2}

	mock.ExpectQuery("RETURNING lease_expires_at").
		WithArgs("evt-1", "t1", "worker-a", int64(2), int64(30000)).
		WillReturnRows(sqlmock.NewRows([]string{"lease_expires_at"}))

	_, err := repo.RenewLease(context.Background(), l, 30*time.Second)
	assert.ErrorIs(t, err, model.ErrLeaseLost)
}

func TestReclaimExpiredLeases_ReportsCount(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("lease_expires_at < now()").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ReclaimExpiredLeases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplay_NotDeadLettered(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("status = 'DEAD_LETTER' RETURNING").
		WithArgs("evt-1", "t1").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery(`FROM events WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("evt-1", "t1").
		WillReturnRows(eventRow(sqlmock.NewRows(columns), "evt-1", "COMPLETED", nil, nil, 1))

	_, err := repo.Replay(context.Background(), "t1", "evt-1")
	assert.ErrorIs(t, err, model.ErrNotDeadLettered)
}

func TestReplay_LiveDuplicateConflicts(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("status = 'DEAD_LETTER' RETURNING").
		WithArgs("evt-1", "t1").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	mock.ExpectQuery(`FROM events WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("evt-1", "t1").
		WillReturnRows(eventRow(sqlmock.NewRows(columns), "evt-1", "DEAD_LETTER", nil, nil, 1))
	mock.ExpectQuery("SELECT id FROM events").
		WithArgs("t1", "ISSUE-1", "issue_created").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt-2"))

	_, err := repo.Replay(context.Background(), "t1", "evt-1")
	assert.ErrorIs(t, err, model.ErrDuplicateEvent)
}

func TestReplay_Unknown(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("status = 'DEAD_LETTER' RETURNING").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM events WHERE id = \$1 AND tenant_id = \$2`).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.Replay(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
