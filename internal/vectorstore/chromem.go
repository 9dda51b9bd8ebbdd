package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("parley.vectorstore.chromem")

// participantKeyPrefix flattens the participants list into chromem's
// string metadata so it can be matched with an exact where filter.
const participantKeyPrefix = "participant:"

var errUpstreamEmbedding = errors.New("chromem: embeddings are computed before upsert")

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path       string
	Compress   bool
	Collection string
}

// ChromemIndex is an Index on an embedded chromem-go database.
type ChromemIndex struct {
	db     *chromem.DB
	name   string
	logger *zap.Logger

	mu        sync.RWMutex
	coll      *chromem.Collection
	dimension int
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex opens or creates the database.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		logger.Info("chromem index opened", zap.String("path", path), zap.Bool("compress", cfg.Compress))
	}
	return &ChromemIndex{db: db, name: cfg.Collection, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errUpstreamEmbedding
}

// EnsureSchema creates the collection. An existing non-empty collection is
// probed with a vector of the requested size to detect a dimension change.
func (c *ChromemIndex) EnsureSchema(ctx context.Context, dimension int) error {
	_, span := chromemTracer.Start(ctx, "ChromemIndex.EnsureSchema")
	defer span.End()
	span.SetAttributes(attribute.String("collection", c.name), attribute.Int("dimension", dimension))

	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.coll != nil {
		if c.dimension != dimension {
			return fmt.Errorf("%w: collection %s has %d, provider produces %d",
				ErrDimensionMismatch, c.name, c.dimension, dimension)
		}
		return nil
	}

	coll, err := c.db.GetOrCreateCollection(c.name, nil, noEmbedding)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting/creating collection %s: %w", c.name, err)
	}
	if coll.Count() > 0 {
		probe := make([]float32, dimension)
		probe[0] = 1
		if _, err := coll.QueryEmbedding(ctx, probe, 1, nil, nil); err != nil {
			err = fmt.Errorf("%w: collection %s rejected a %d-dimensional probe: %v",
				ErrDimensionMismatch, c.name, dimension, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	c.coll = coll
	c.dimension = dimension
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (c *ChromemIndex) collection() (*chromem.Collection, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coll, c.dimension
}

// Upsert adds or replaces one document.
func (c *ChromemIndex) Upsert(ctx context.Context, p Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("message_id", p.Payload.MessageID))

	coll, dim := c.collection()
	if coll == nil {
		return fmt.Errorf("%w: collection %s not initialised", ErrUnavailable, c.name)
	}
	if len(p.Vector) != dim {
		return fmt.Errorf("%w: point has %d, collection has %d", ErrDimensionMismatch, len(p.Vector), dim)
	}

	err := coll.AddDocument(ctx, chromem.Document{
		ID:        p.ID,
		Content:   p.Payload.Message,
		Metadata:  toChromemMetadata(p.Payload),
		Embedding: p.Vector,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document: %w", err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search queries with an exact-match filter on the flattened participant key.
func (c *ChromemIndex) Search(ctx context.Context, vector []float32, userID string, k int) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	coll, _ := c.collection()
	if coll == nil {
		return nil, fmt.Errorf("%w: collection %s not initialised", ErrUnavailable, c.name)
	}

	count := coll.Count()
	if count == 0 {
		return []Hit{}, nil
	}
	if k > count {
		k = count
	}

	where := map[string]string{participantKeyPrefix + userID: "true"}
	results, err := coll.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", c.name, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		p := fromChromemMetadata(r.Metadata)
		if p.Message == "" {
			p.Message = r.Content
		}
		hits = append(hits, Hit{ID: r.ID, Score: r.Similarity, Payload: p})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")

	c.logger.Debug("searched chromem collection",
		zap.String("collection", c.name),
		zap.Int("k", k),
		zap.Int("results", len(hits)))
	return hits, nil
}

// Ping always succeeds for the embedded store.
func (c *ChromemIndex) Ping(context.Context) error { return nil }

// Close is a no-op; persistent writes are flushed per document.
func (c *ChromemIndex) Close() error { return nil }

func toChromemMetadata(p Payload) map[string]string {
	md := map[string]string{
		FieldMessageID:    p.MessageID,
		FieldMessage:      p.Message,
		FieldSenderID:     p.SenderID,
		FieldReceiverID:   p.ReceiverID,
		FieldCreatedAt:    p.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldParticipants: strings.Join(p.Participants, ","),
	}
	for _, id := range p.Participants {
		md[participantKeyPrefix+id] = "true"
	}
	return md
}

func fromChromemMetadata(md map[string]string) Payload {
	p := Payload{
		MessageID:  md[FieldMessageID],
		Message:    md[FieldMessage],
		SenderID:   md[FieldSenderID],
		ReceiverID: md[FieldReceiverID],
	}
	if s := md[FieldParticipants]; s != "" {
		p.Participants = strings.Split(s, ",")
	}
	if ts, err := time.Parse(time.RFC3339Nano, md[FieldCreatedAt]); err == nil {
		p.CreatedAt = ts
	}
	return p
}
