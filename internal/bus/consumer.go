package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"event-ingestion-service/internal/model"
)

// InboundMessage is the body of a message on events.inbound.<tenant>.
// TenantID may be omitted; the subject names the tenant.
type InboundMessage struct {
	TenantID   string          `json:"tenantId,omitempty"`
	ExternalID string          `json:"externalId"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (m InboundMessage) encode() ([]byte, error) {
	if m.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenantId", model.ErrInvalidEvent)
	}
	return json.Marshal(m)
}

// Ingester stores events. task.Service implements it.
type Ingester interface {
	Enqueue(ctx context.Context, in model.NewEvent) (id string, created bool, err error)
}

// msg is the part of jetstream.Msg the consumer uses.
type msg interface {
	Data() []byte
	Subject() string
	Ack() error
	Term() error
	NakWithDelay(delay time.Duration) error
}

// Recorder counts intake results. observability.Metrics implements it.
type Recorder interface {
	Ingested(source, result string)
}

type nopRecorder struct{}

func (nopRecorder) Ingested(string, string) {}

const ingestSource = "bus"

type Consumer struct {
	ingest   Ingester
	log      *slog.Logger
	rec      Recorder
	nakDelay time.Duration
}

type ConsumerOption func(*Consumer)

func WithRecorder(r Recorder) ConsumerOption { return func(c *Consumer) { c.rec = r } }

func NewConsumer(ingest Ingester, log *slog.Logger, opts ...ConsumerOption) *Consumer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Consumer{ingest: ingest, log: log, rec: nopRecorder{}, nakDelay: 5 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the inbound stream until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, b *Bus) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       DurableConsumer,
		FilterSubject: InboundWildcard,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    20,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	cc, err := cons.Consume(func(m jetstream.Msg) {
		c.handle(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", StreamName, err)
	}
	c.log.Info("inbound consumer started", "stream", StreamName, "durable", DurableConsumer)

	<-ctx.Done()
	cc.Drain()
	<-cc.Closed()
	return nil
}

// handle acks accepted and duplicate events, terminates messages that
// can never be stored, and redelivers the rest later.
func (c *Consumer) handle(ctx context.Context, m msg) {
	in, err := decode(m.Subject(), m.Data())
	if err != nil {
		c.log.Warn("dropping invalid inbound message", "subject", m.Subject(), "err", err)
		c.rec.Ingested(ingestSource, "invalid")
		_ = m.Term()
		return
	}

	id, created, err := c.ingest.Enqueue(ctx, in)
	switch {
	case err == nil:
		c.log.Debug("inbound message stored", "event_id", id, "created", created)
		if created {
			c.rec.Ingested(ingestSource, "created")
		} else {
			c.rec.Ingested(ingestSource, "duplicate")
		}
		_ = m.Ack()
	case errors.Is(err, model.ErrInvalidEvent):
		c.log.Warn("dropping invalid inbound message", "subject", m.Subject(), "err", err)
		c.rec.Ingested(ingestSource, "invalid")
		_ = m.Term()
	default:
		c.log.Error("store inbound message failed", "subject", m.Subject(), "err", err)
		c.rec.Ingested(ingestSource, "error")
		_ = m.NakWithDelay(c.nakDelay)
	}
}

func decode(subject string, data []byte) (model.NewEvent, error) {
	tenant, ok := strings.CutPrefix(subject, InboundPrefix)
	if !ok || tenant == "" || strings.Contains(tenant, ".") {
		return model.NewEvent{}, fmt.Errorf("%w: subject %q does not name a tenant", model.ErrInvalidEvent, subject)
	}

	var in InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return model.NewEvent{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if in.TenantID != "" && in.TenantID != tenant {
		return model.NewEvent{}, fmt.Errorf("%w: tenantId %q does not match subject", model.ErrInvalidEvent, in.TenantID)
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return model.NewEvent{
		TenantID:   tenant,
		ExternalID: in.ExternalID,
		Type:       in.Type,
		Payload:    payload,
	}, nil
}
