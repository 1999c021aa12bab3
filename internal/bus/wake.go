package bus

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Notify publishes a wake-up hint. It implements task.Notifier; a lost
// hint only delays processing until the next poll.
func (b *Bus) Notify(_ context.Context, tenantID string) {
	if err := b.conn.Publish(WakeSubject, []byte(tenantID)); err != nil {
		b.log.Debug("wake publish failed", "err", err)
	}
}

// OnWake calls fn for every wake-up hint until unsubscribe is called.
func (b *Bus) OnWake(fn func(tenantID string)) (unsubscribe func(), err error) {
	sub, err := b.conn.Subscribe(WakeSubject, func(m *nats.Msg) {
		fn(string(m.Data))
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
