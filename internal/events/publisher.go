package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// Publisher publishes outcome events to NATS. It is an
// immunity.EventEmitter and a hooks handler.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewPublisher creates a publisher on nc.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish sends one event. nats.Conn buffers writes, so this does not
// wait for the server.
func (p *Publisher) Publish(_ context.Context, e immunity.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := EventSubject(p.prefix, e)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Emit publishes and logs failures.
func (p *Publisher) Emit(ctx context.Context, e immunity.Event) {
	if err := p.Publish(ctx, e); err != nil {
		p.logger.Warn("event publish failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

// Subscribe decodes events on subject and calls fn for each. Undecodable
// messages are skipped.
func Subscribe(nc *nats.Conn, subject string, fn func(immunity.Event)) (*nats.Subscription, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var e immunity.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.Type == "" {
			return
		}
		fn(e)
	})
}
