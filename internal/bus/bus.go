// Package bus carries events over NATS. Producers that cannot call the
// webhook endpoint publish to the JetStream inbound stream; API and
// worker processes exchange wake-up hints over core NATS.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName      = "EVENTS"
	InboundPrefix   = "events.inbound."
	InboundWildcard = InboundPrefix + ">"
	WakeSubject     = "events.wakeup"
	DurableConsumer = "ingestd"
)

type Config struct {
	URL           string
	ClientName    string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  *slog.Logger
}

// Connect dials NATS and sets up JetStream. Reconnects are unlimited:
// the service keeps working on HTTP intake while NATS is away.
func Connect(cfg Config, log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	return &Bus{conn: conn, js: js, log: log}, nil
}

// EnsureStream creates or updates the inbound stream.
func (b *Bus) EnsureStream(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{InboundWildcard},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// PublishInbound puts one event on the inbound stream for its tenant.
func (b *Bus) PublishInbound(ctx context.Context, m InboundMessage) error {
	data, err := m.encode()
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, InboundPrefix+m.TenantID, data); err != nil {
		return fmt.Errorf("publish inbound: %w", err)
	}
	return nil
}

func (b *Bus) Connected() bool { return b.conn.IsConnected() }

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
