package vectorstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDimensionMismatch means an existing collection was created with a
	// different vector size than the embedding provider produces.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid vectorstore configuration")

	// ErrUnavailable means the backend is not accepting calls, for example
	// because the circuit breaker is open.
	ErrUnavailable = errors.New("vector index unavailable")
)

// Payload fields, as stored in the index.
const (
	FieldMessageID    = "mongoId"
	FieldMessage      = "message"
	FieldSenderID     = "senderId"
	FieldReceiverID   = "receiverId"
	FieldParticipants = "participants"
	FieldCreatedAt    = "createdAt"
)

// Payload is the metadata stored next to each vector.
type Payload struct {
	MessageID    string
	Message      string
	SenderID     string
	ReceiverID   string
	Participants []string
	CreatedAt    time.Time
}

// Point is one vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Index is a vector collection restricted to cosine similarity.
type Index interface {
	// EnsureSchema creates the collection and payload index if missing.
	// It is idempotent and safe to call concurrently.
	EnsureSchema(ctx context.Context, dimension int) error

	// Upsert writes one point.
	Upsert(ctx context.Context, p Point) error

	// Search returns up to k points whose participants contain userID,
	// most similar first.
	Search(ctx context.Context, vector []float32, userID string, k int) ([]Hit, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
