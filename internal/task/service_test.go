package task

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-ingestion-service/internal/model"
	"event-ingestion-service/internal/store/memory"
)

type recordingNotifier struct {
	mu      sync.Mutex
	tenants []string
}

func (n *recordingNotifier) Notify(_ context.Context, tenantID string) {
	n.mu.Lock()
	n.tenants = append(n.tenants, tenantID)
	n.mu.Unlock()
}

func TestIngestWebhook_StoresDataAsPayload(t *testing.T) {
	store := memory.NewEventStore()
	n := &recordingNotifier{}
	svc := NewService(store, WithNotifier(n))
	ctx := context.Background()

	id, created, err := svc.IngestWebhook(ctx, "t1", "evt_123", []byte(`{"type":"issue_created","data":{"id":"ISSUE-1","title":"x"}}`))
	require.NoError(t, err)
	assert.True(t, created)

	e, err := svc.GetEvent(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, "issue_created", e.Type)
	assert.Equal(t, "evt_123", e.ExternalID)
	assert.JSONEq(t, `{"id":"ISSUE-1","title":"x"}`, string(e.Payload))
	assert.Equal(t, []string{"t1"}, n.tenants)
}

func TestIngestWebhook_DuplicateIsAccepted(t *testing.T) {
	store := memory.NewEventStore()
	n := &recordingNotifier{}
	svc := NewService(store, WithNotifier(n))
	ctx := context.Background()
	body := []byte(`{"type":"issue_created","data":{}}`)

	id1, created1, err := svc.IngestWebhook(ctx, "t1", "evt_1", body)
	require.NoError(t, err)
	id2, created2, err := svc.IngestWebhook(ctx, "t1", "evt_1", body)
	require.NoError(t, err)

	assert.True(t, created1)
	assert.False(t, created2)
	assert.Equal(t, id1, id2)
	assert.Len(t, n.tenants, 1, "duplicates do not wake workers")
}

func TestEnqueue_Validation(t *testing.T) {
	svc := NewService(memory.NewEventStore())
	ctx := context.Background()

	cases := map[string]model.NewEvent{
		"missing tenant":  {ExternalID: "x", Type: "t", Payload: []byte(`{}`)},
		"missing type":    {TenantID: "t1", ExternalID: "x", Type: "  ", Payload: []byte(`{}`)},
		"missing ext id":  {TenantID: "t1", Type: "t", Payload: []byte(`{}`)},
		"invalid payload": {TenantID: "t1", ExternalID: "x", Type: "t", Payload: []byte(`{`)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.Enqueue(ctx, in)
			assert.ErrorIs(t, err, model.ErrInvalidEvent)
		})
	}

	_, _, err := svc.IngestWebhook(ctx, "t1", "evt", []byte(`not json`))
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestListEvents_RequiresTenant(t *testing.T) {
	svc := NewService(memory.NewEventStore())
	_, err := svc.ListEvents(context.Background(), model.ListFilter{})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestReplay_Errors(t *testing.T) {
	store := memory.NewEventStore()
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.Replay(ctx, "t1", "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	id, _, err := svc.Enqueue(ctx, model.NewEvent{TenantID: "t1", ExternalID: "x", Type: "t", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = svc.Replay(ctx, "t1", id)
	assert.ErrorIs(t, err, model.ErrNotDeadLettered)
}
