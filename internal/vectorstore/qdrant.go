package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("parley.vectorstore.qdrant")

const (
	defaultMaxMessageSize = 50 * 1024 * 1024
	defaultRetryBackoff   = 200 * time.Millisecond
)

// qdrantAPI is the subset of *qdrant.Client the index calls.
type qdrantAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// QdrantConfig holds connection and resilience settings.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string

	// Timeout bounds each gRPC call. Zero leaves calls bounded only by ctx.
	Timeout time.Duration

	// MaxRetries applies to schema and search calls. Upserts are attempted once.
	MaxRetries   int
	RetryBackoff time.Duration

	// BreakerFailures consecutive transient failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c *QdrantConfig) applyDefaults() {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

func (c QdrantConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: qdrant host required", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid qdrant port %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex is an Index on Qdrant's native gRPC API.
type QdrantIndex struct {
	client  qdrantAPI
	cfg     QdrantConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex dials Qdrant. The connection is lazy; use Ping to verify it.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(defaultMaxMessageSize),
				grpc.MaxCallSendMsgSize(defaultMaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}
	return newQdrantIndex(client, cfg, logger), nil
}

func newQdrantIndex(client qdrantAPI, cfg QdrantConfig, logger *zap.Logger) *QdrantIndex {
	cfg.applyDefaults()
	idx := &QdrantIndex{client: client, cfg: cfg, logger: logger}
	idx.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "qdrant",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return idx
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isAlreadyExists(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.AlreadyExists
}

// call runs op through the breaker, retrying transient failures up to
// retries times with exponential backoff.
func (q *QdrantIndex) call(ctx context.Context, name string, retries int, op func(ctx context.Context) error) error {
	backoff := q.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		_, err := q.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := q.callContext(ctx)
			defer cancel()
			return nil, op(callCtx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w: %v", name, ErrUnavailable, err)
		}
		if !IsTransientError(err) || attempt >= retries {
			return fmt.Errorf("%s: %w", name, err)
		}
		q.logger.Debug("retrying qdrant call",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (q *QdrantIndex) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, q.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// EnsureSchema creates the collection with cosine distance and a keyword
// index on participants. A concurrent creator winning the race is fine.
func (q *QdrantIndex) EnsureSchema(ctx context.Context, dimension int) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.EnsureSchema")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", q.cfg.Collection),
		attribute.Int("dimension", dimension),
	)

	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}

	var exists bool
	err := q.call(ctx, "collection_exists", q.cfg.MaxRetries, func(ctx context.Context) error {
		var err error
		exists, err = q.client.CollectionExists(ctx, q.cfg.Collection)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !exists {
		err = q.call(ctx, "create_collection", q.cfg.MaxRetries, func(ctx context.Context) error {
			err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: q.cfg.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if isAlreadyExists(err) {
				return nil
			}
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		q.logger.Info("created qdrant collection",
			zap.String("collection", q.cfg.Collection),
			zap.Int("dimension", dimension))
	}

	if err := q.checkDimension(ctx, dimension); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = q.call(ctx, "create_field_index", q.cfg.MaxRetries, func(ctx context.Context) error {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.cfg.Collection,
			FieldName:      FieldParticipants,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if isAlreadyExists(err) {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func (q *QdrantIndex) checkDimension(ctx context.Context, dimension int) error {
	var info *qdrant.CollectionInfo
	err := q.call(ctx, "collection_info", q.cfg.MaxRetries, func(ctx context.Context) error {
		var err error
		info, err = q.client.GetCollectionInfo(ctx, q.cfg.Collection)
		return err
	})
	if err != nil {
		return err
	}
	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != uint64(dimension) {
		return fmt.Errorf("%w: collection %s has %d, provider produces %d",
			ErrDimensionMismatch, q.cfg.Collection, size, dimension)
	}
	return nil
}

// Upsert writes one point, waiting for the write to be applied.
func (q *QdrantIndex) Upsert(ctx context.Context, p Point) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", q.cfg.Collection),
		attribute.String("message_id", p.Payload.MessageID),
	)

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: toQdrantPayload(p.Payload),
	}
	err := q.call(ctx, "upsert", 0, func(ctx context.Context) error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.cfg.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search filters on participants server side.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, userID string, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", q.cfg.Collection),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: FieldParticipants,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: userID},
					},
				},
			},
		}},
	}

	var points []*qdrant.ScoredPoint
	err := q.call(ctx, "search", q.cfg.MaxRetries, func(ctx context.Context) error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.cfg.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			ID:      p.GetId().GetUuid(),
			Score:   p.GetScore(),
			Payload: fromQdrantPayload(p.GetPayload()),
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Ping runs a health check.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	return q.call(ctx, "health_check", 0, func(ctx context.Context) error {
		_, err := q.client.HealthCheck(ctx)
		return err
	})
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func toQdrantPayload(p Payload) map[string]*qdrant.Value {
	participants := make([]*qdrant.Value, len(p.Participants))
	for i, id := range p.Participants {
		participants[i] = stringValue(id)
	}
	return map[string]*qdrant.Value{
		FieldMessageID:  stringValue(p.MessageID),
		FieldMessage:    stringValue(p.Message),
		FieldSenderID:   stringValue(p.SenderID),
		FieldReceiverID: stringValue(p.ReceiverID),
		FieldCreatedAt:  stringValue(p.CreatedAt.UTC().Format(time.RFC3339Nano)),
		FieldParticipants: {Kind: &qdrant.Value_ListValue{
			ListValue: &qdrant.ListValue{Values: participants},
		}},
	}
}

func fromQdrantPayload(m map[string]*qdrant.Value) Payload {
	p := Payload{
		MessageID:  m[FieldMessageID].GetStringValue(),
		Message:    m[FieldMessage].GetStringValue(),
		SenderID:   m[FieldSenderID].GetStringValue(),
		ReceiverID: m[FieldReceiverID].GetStringValue(),
	}
	for _, v := range m[FieldParticipants].GetListValue().GetValues() {
		p.Participants = append(p.Participants, v.GetStringValue())
	}
	if ts, err := time.Parse(time.RFC3339Nano, m[FieldCreatedAt].GetStringValue()); err == nil {
		p.CreatedAt = ts
	}
	return p
}
