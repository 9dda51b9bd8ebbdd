// Package search answers semantic queries over a user's own conversations.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/embeddings"
	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/vectorstore"
)

var tracer = otel.Tracer("parley.search")

var (
	// ErrEmbedding means the query could not be embedded.
	ErrEmbedding = errors.New("query embedding failed")
	// ErrSearch means the vector index rejected the query.
	ErrSearch = errors.New("vector search failed")
)

const (
	DefaultTopK = 10
	MaxTopK     = 100
)

// Result is one match, most relevant first.
type Result struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"mongoId"`
	Message    string    `json:"message"`
	Score      float32   `json:"score"`
	CreatedAt  time.Time `json:"createdAt"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
}

// Config bounds top-k.
type Config struct {
	DefaultTop int
	MaxTop     int
}

// Service embeds queries and runs participant-filtered searches.
type Service struct {
	embedder embeddings.Embedder
	index    vectorstore.Index
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a Service. Zero config values fall back to 10 and 100.
func New(embedder embeddings.Embedder, index vectorstore.Index, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	if cfg.DefaultTop <= 0 {
		cfg.DefaultTop = DefaultTopK
	}
	if cfg.MaxTop <= 0 {
		cfg.MaxTop = MaxTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{embedder: embedder, index: index, cfg: cfg, logger: logger, metrics: m}
}

// Search returns up to topK of userID's messages closest to query. Only
// messages userID sent or received are considered.
func (s *Service) Search(ctx context.Context, userID, query string, topK int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.ObserveSearch(time.Since(start)) }()

	topK = s.clamp(topK)
	span.SetAttributes(attribute.Int("top_k", topK))

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrEmbedding)
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("query embedding failed",
			append(logging.ContextFields(ctx), zap.String("user_id", userID), zap.Error(err))...)
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	hits, err := s.index.Search(ctx, vec, userID, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("vector search failed",
			append(logging.ContextFields(ctx), zap.String("user_id", userID), zap.Error(err))...)
		return nil, fmt.Errorf("%w: %w", ErrSearch, err)
	}

	// Backends filter server side; discard anything that slipped through.
	hits = lo.Filter(hits, func(h vectorstore.Hit, _ int) bool {
		return h.Payload.SenderID == userID || h.Payload.ReceiverID == userID
	})
	results := lo.Map(hits, func(h vectorstore.Hit, _ int) Result {
		return Result{
			ID:         h.ID,
			MessageID:  h.Payload.MessageID,
			Message:    h.Payload.Message,
			Score:      h.Score,
			CreatedAt:  h.Payload.CreatedAt,
			SenderID:   h.Payload.SenderID,
			ReceiverID: h.Payload.ReceiverID,
		}
	})

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *Service) clamp(topK int) int {
	if topK <= 0 {
		topK = s.cfg.DefaultTop
	}
	if topK > s.cfg.MaxTop {
		topK = s.cfg.MaxTop
	}
	return topK
}
