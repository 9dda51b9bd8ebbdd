// Package chat accepts private messages, persists them and fans them out to
// the live connections of both parties.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/events"
	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/presence"
	"github.com/fyrsmithlabs/parley/internal/store"
)

var tracer = otel.Tracer("parley.chat")

var (
	// ErrValidation means a send was rejected before any side effect.
	ErrValidation = errors.New("invalid message")
	// ErrPersistence means the primary store did not accept the message.
	ErrPersistence = errors.New("message not persisted")
)

// DefaultMaxLength bounds message text, in runes.
const DefaultMaxLength = 4000

// Indexer schedules background indexing. Enqueue must not block.
type Indexer interface {
	Enqueue(msg model.Message) bool
}

// Config tunes the router.
type Config struct {
	MaxLength int
}

// Router is the single entry point for sending messages.
type Router struct {
	store     store.MessageStore
	registry  *presence.Registry
	indexer   Indexer
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Deps groups the router's collaborators. Indexer and Publisher are optional.
type Deps struct {
	Store     store.MessageStore
	Registry  *presence.Registry
	Indexer   Indexer
	Publisher events.Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// NewRouter wires a router.
func NewRouter(d Deps, cfg Config) *Router {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return &Router{
		store:     d.Store,
		registry:  d.Registry,
		indexer:   d.Indexer,
		publisher: d.Publisher,
		cfg:       cfg,
		logger:    d.Logger,
		metrics:   d.Metrics,
		now:       time.Now,
	}
}

// Send validates and persists one message, then notifies the receiver's
// connections with new_message and the sender's other connections with
// message_sent. origin is the connection the send arrived on, or empty
// for HTTP. Indexing and event publication never affect the result.
func (r *Router) Send(ctx context.Context, origin, senderID, receiverID, text string) (model.Message, error) {
	ctx, span := tracer.Start(ctx, "chat.Send")
	defer span.End()

	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	log := r.logger.With(logging.ContextFields(ctx)...)
	if err := r.validate(senderID, receiverID, text); err != nil {
		r.metrics.SendFailed("validation")
		span.SetStatus(codes.Error, err.Error())
		return model.Message{}, err
	}

	msg := model.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  r.now().UTC(),
	}
	span.SetAttributes(attribute.String("message_id", msg.ID))

	if err := r.store.CreateMessage(ctx, msg); err != nil {
		r.metrics.SendFailed("persistence")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("failed to persist message",
			zap.String("sender_id", senderID),
			zap.String("receiver_id", receiverID),
			zap.Error(err))
		return model.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	r.metrics.MessagePersisted(transportOf(origin))

	log.Debug("message persisted", zap.String("message_id", msg.ID))
	r.fanOut(log, origin, msg)

	if r.indexer != nil {
		r.indexer.Enqueue(msg)
	}
	if err := r.publisher.MessageCreated(ctx, msg); err != nil {
		log.Warn("failed to publish message event", zap.String("message_id", msg.ID), zap.Error(err))
	}

	span.SetStatus(codes.Ok, "success")
	return msg, nil
}

// History returns userID's conversation entries, newest first.
func (r *Router) History(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	msgs, err := r.store.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return msgs, nil
}

func (r *Router) validate(senderID, receiverID, text string) error {
	var missing []string
	if senderID == "" {
		missing = append(missing, "senderId")
	}
	if receiverID == "" {
		missing = append(missing, "receiverId")
	}
	if strings.TrimSpace(text) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message is not valid UTF-8", ErrValidation)
	}
	if n := utf8.RuneCountInString(text); n > r.cfg.MaxLength {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrValidation, n, r.cfg.MaxLength)
	}
	return nil
}

func (r *Router) fanOut(log *zap.Logger, origin string, msg model.Message) {
	for _, c := range r.registry.ConnectionsFor(msg.ReceiverID) {
		r.notify(log, c, model.Event{Type: model.EventNewMessage, Message: msg})
	}
	if msg.SenderID == msg.ReceiverID {
		return
	}
	others := lo.Filter(r.registry.ConnectionsFor(msg.SenderID), func(c presence.Conn, _ int) bool {
		return c.ID() != origin
	})
	for _, c := range others {
		r.notify(log, c, model.Event{Type: model.EventMessageSent, Message: msg})
	}
}

func (r *Router) notify(log *zap.Logger, c presence.Conn, ev model.Event) {
	if !c.Notify(ev) {
		log.Warn("dropped notification for slow connection",
			zap.String("conn_id", c.ID()),
			zap.String("event", string(ev.Type)),
			zap.String("message_id", ev.Message.ID))
	}
}

func transportOf(origin string) string {
	if origin == "" {
		return metrics.TransportHTTP
	}
	return metrics.TransportWebsocket
}
