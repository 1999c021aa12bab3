package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"event-ingestion-service/internal/model"
)

// Notifier tells workers that new work is available. Delivery is best
// effort; workers poll regardless.
type Notifier interface {
	Notify(ctx context.Context, tenantID string)
}

type Service struct {
	events   EventRepository
	notifier Notifier
	log      *slog.Logger
}

type ServiceOption func(*Service)

func WithNotifier(n Notifier) ServiceOption { return func(s *Service) { s.notifier = n } }

func WithServiceLogger(l *slog.Logger) ServiceOption { return func(s *Service) { s.log = l } }

func NewService(events EventRepository, opts ...ServiceOption) *Service {
	s := &Service{events: events, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncomingEvent is the webhook body.
type IncomingEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// IngestWebhook stores a webhook delivery. The sender's event id is the
// external id, so redeliveries collapse onto the same live event.
func (s *Service) IngestWebhook(ctx context.Context, tenantID, externalID string, rawBody []byte) (id string, created bool, err error) {
	var in IncomingEvent
	if err := json.Unmarshal(rawBody, &in); err != nil {
		return "", false, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	payload := in.Data
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return s.Enqueue(ctx, model.NewEvent{
		TenantID:   tenantID,
		ExternalID: externalID,
		Type:       in.Type,
		Payload:    payload,
	})
}

// Enqueue validates and stores an event. A duplicate of a live event is
// not an error: it returns the existing id with created=false.
func (s *Service) Enqueue(ctx context.Context, in model.NewEvent) (id string, created bool, err error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Type = strings.TrimSpace(in.Type)
	if err := validate(in); err != nil {
		return "", false, err
	}

	id, err = s.events.Enqueue(ctx, in)
	if err != nil {
		var dup *model.DuplicateEventError
		if errors.As(err, &dup) {
			s.log.DebugContext(ctx, "duplicate event",
				"tenant_id", in.TenantID, "external_id", in.ExternalID, "type", in.Type, "existing_id", dup.ExistingID)
			return dup.ExistingID, false, nil
		}
		return "", false, err
	}

	s.log.InfoContext(ctx, "event enqueued", "event_id", id, "tenant_id", in.TenantID, "type", in.Type)
	s.notify(ctx, in.TenantID)
	return id, true, nil
}

func validate(in model.NewEvent) error {
	var missing []string
	if in.TenantID == "" {
		missing = append(missing, "tenantId")
	}
	if in.ExternalID == "" {
		missing = append(missing, "externalId")
	}
	if in.Type == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", model.ErrInvalidEvent, strings.Join(missing, ", "))
	}
	if !json.Valid(in.Payload) {
		return fmt.Errorf("%w: payload is not valid json", model.ErrInvalidEvent)
	}
	return nil
}

func (s *Service) GetEvent(ctx context.Context, tenantID, id string) (model.Event, error) {
	return s.events.Get(ctx, tenantID, id)
}

func (s *Service) ListEvents(ctx context.Context, f model.ListFilter) ([]model.Event, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenantId", model.ErrInvalidEvent)
	}
	return s.events.List(ctx, f.Normalize())
}

// Replay moves a dead-lettered event back to PENDING with a fresh retry
// budget.
func (s *Service) Replay(ctx context.Context, tenantID, id string) (model.Event, error) {
	e, err := s.events.Replay(ctx, tenantID, id)
	if err != nil {
		return model.Event{}, err
	}
	s.log.InfoContext(ctx, "event replayed", "event_id", id, "tenant_id", tenantID)
	s.notify(ctx, tenantID)
	return e, nil
}

func (s *Service) Ping(ctx context.Context) error { return s.events.Ping(ctx) }

func (s *Service) notify(ctx context.Context, tenantID string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, tenantID)
	}
}
