// Package events publishes chat activity to an optional NATS feed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/config"
	"github.com/fyrsmithlabs/parley/internal/model"
)

// TypeMessageCreated is the envelope type and subject suffix for new messages.
const TypeMessageCreated = "message.created"

// Envelope is the JSON body of every published event.
type Envelope struct {
	Type        string        `json:"type"`
	Message     model.Message `json:"message"`
	PublishedAt time.Time     `json:"publishedAt"`
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	MessageCreated(ctx context.Context, msg model.Message) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) MessageCreated(context.Context, model.Message) error { return nil }
func (Nop) Close() error                                        { return nil }

// NATSPublisher publishes JSON envelopes on <prefix>.message.created.
type NATSPublisher struct {
	nc      *nats.Conn
	owned   bool
	subject string
	logger  *zap.Logger
}

// Open connects to cfg.URL, or returns Nop when no URL is configured.
func Open(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("parley"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher publishes on an existing connection, which the caller
// keeps ownership of.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "parley"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, subject: Subject(prefix), logger: logger}
}

// Subject returns the message-created subject for prefix.
func Subject(prefix string) string {
	return prefix + "." + TypeMessageCreated
}

// MessageCreated publishes msg. The message id is carried in the
// Nats-Msg-Id header so JetStream streams can deduplicate.
func (p *NATSPublisher) MessageCreated(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{
		Type:        TypeMessageCreated,
		Message:     msg,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	m := nats.NewMsg(p.subject)
	m.Data = data
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	if err := p.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("publishing %s: %w", p.subject, err)
	}
	return nil
}

// Close drains the connection if Open created it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
