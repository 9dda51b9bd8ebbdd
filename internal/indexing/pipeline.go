// Package indexing embeds persisted messages and writes them to the vector
// index in the background.
//
// Indexing is best effort. A task that fails is logged, counted and dropped;
// the message stays in the primary store and simply does not appear in
// semantic search.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/embeddings"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/vectorstore"
)

// ErrIndexing wraps every failure to embed or upsert a message.
var ErrIndexing = errors.New("indexing failed")

// PointIDPolicy selects how vector point ids are derived.
type PointIDPolicy string

const (
	// PointIDRandom draws a fresh UUIDv4 per attempt. Re-indexing a message
	// adds a second point.
	PointIDRandom PointIDPolicy = "random"
	// PointIDMessage derives a UUIDv5 from the message id, so re-indexing
	// overwrites the earlier point.
	PointIDMessage PointIDPolicy = "message"
)

// messageNamespace seeds PointIDMessage ids.
var messageNamespace = uuid.MustParse("5b0c8f3e-9d4a-4e61-8a52-2f7c1d9e6b30")

// Config sizes the pipeline.
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	PointIDs    PointIDPolicy
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.QueueSize < 1 {
		c.QueueSize = 1024
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.PointIDs == "" {
		c.PointIDs = PointIDRandom
	}
}

// Pipeline is a bounded queue drained by a fixed worker pool.
type Pipeline struct {
	provider embeddings.Provider
	index    vectorstore.Index
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	queue chan model.Message
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	schemaMu    sync.Mutex
	schemaReady atomic.Bool
}

// New creates a stopped pipeline. Enqueued tasks wait until Start.
func New(provider embeddings.Provider, index vectorstore.Index, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		provider: provider,
		index:    index,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		queue:    make(chan model.Message, cfg.QueueSize),
	}
}

// Start initialises the vector schema once and launches the workers. A
// schema failure is logged; workers retry it before their first upsert.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if err := p.ensureSchema(ctx); err != nil {
		p.logger.Warn("vector schema initialisation failed, workers will retry",
			zap.Int("dimension", p.provider.Dimension()),
			zap.Error(err))
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("indexing pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
		zap.String("point_ids", string(p.cfg.PointIDs)))
}

// Enqueue schedules msg without blocking. It returns false, and the task is
// dropped, when the queue is full or the pipeline has stopped.
func (p *Pipeline) Enqueue(msg model.Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.logger.Warn("indexing pipeline stopped, dropping task", zap.String("message_id", msg.ID))
		p.metrics.IndexingOutcome(metrics.OutcomeDropped)
		return false
	}
	select {
	case p.queue <- msg:
		p.metrics.SetQueueDepth(len(p.queue))
		return true
	default:
		p.logger.Warn("indexing queue full, dropping task",
			zap.String("message_id", msg.ID),
			zap.Int("queue_size", p.cfg.QueueSize))
		p.metrics.IndexingOutcome(metrics.OutcomeDropped)
		return false
	}
}

// IndexNow indexes msg synchronously and returns any failure.
func (p *Pipeline) IndexNow(ctx context.Context, msg model.Message) error {
	return p.process(ctx, msg)
}

// Stop refuses new tasks, lets workers drain the queue and waits for them
// or for ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("indexing pipeline stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for indexing workers: %w", ctx.Err())
	}
}

func (p *Pipeline) worker(n int) {
	defer p.wg.Done()
	for msg := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
		err := p.process(ctx, msg)
		cancel()

		if err != nil {
			p.logger.Warn("indexing task failed",
				zap.Int("worker", n),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			p.metrics.IndexingOutcome(metrics.OutcomeFailed)
			continue
		}
		p.logger.Debug("message indexed", zap.Int("worker", n), zap.String("message_id", msg.ID))
		p.metrics.IndexingOutcome(metrics.OutcomeIndexed)
	}
}

func (p *Pipeline) process(ctx context.Context, msg model.Message) error {
	vectors, err := p.provider.EmbedDocuments(ctx, []string{msg.Text})
	if err != nil {
		return fmt.Errorf("%w: embedding message %s: %w", ErrIndexing, msg.ID, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: embedding message %s: got %d vectors", ErrIndexing, msg.ID, len(vectors))
	}

	if err := p.ensureSchema(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexing, err)
	}

	point := vectorstore.Point{
		ID:     p.pointID(msg),
		Vector: vectors[0],
		Payload: vectorstore.Payload{
			MessageID:    msg.ID,
			Message:      msg.Text,
			SenderID:     msg.SenderID,
			ReceiverID:   msg.ReceiverID,
			Participants: msg.Participants(),
			CreatedAt:    msg.CreatedAt,
		},
	}
	if err := p.index.Upsert(ctx, point); err != nil {
		return fmt.Errorf("%w: upserting message %s: %w", ErrIndexing, msg.ID, err)
	}
	return nil
}

// ensureSchema is cheap once the schema is known to exist.
func (p *Pipeline) ensureSchema(ctx context.Context) error {
	if p.schemaReady.Load() {
		return nil
	}
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	if p.schemaReady.Load() {
		return nil
	}
	if err := p.index.EnsureSchema(ctx, p.provider.Dimension()); err != nil {
		return fmt.Errorf("ensuring vector schema: %w", err)
	}
	p.schemaReady.Store(true)
	return nil
}

func (p *Pipeline) pointID(msg model.Message) string {
	if p.cfg.PointIDs == PointIDMessage {
		return uuid.NewSHA1(messageNamespace, []byte(msg.ID)).String()
	}
	return uuid.NewString()
}
