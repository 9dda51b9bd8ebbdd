package vectorstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeQdrant struct {
	mu sync.Mutex

	exists      bool
	size        uint64
	createErr   error
	upsertErr   error
	queryErrs   []error
	queryResult []*qdrant.ScoredPoint

	created     int
	fieldIndex  []*qdrant.CreateFieldIndexCollection
	upserts     []*qdrant.UpsertPoints
	queries     []*qdrant.QueryPoints
	upsertCalls int
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{}, nil
}

func (f *fakeQdrant) CollectionExists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeQdrant) GetCollectionInfo(context.Context, string) (*qdrant.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &qdrant.CollectionInfo{
		Config: &qdrant.CollectionConfig{
			Params: &qdrant.CollectionParams{
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{Size: f.size, Distance: qdrant.Distance_Cosine}),
			},
		},
	}, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created++
	f.exists = true
	f.size = req.GetVectorsConfig().GetParams().GetSize()
	return nil
}

func (f *fakeQdrant) CreateFieldIndex(_ context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fieldIndex = append(f.fieldIndex, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		return nil, err
	}
	return f.queryResult, nil
}

func (f *fakeQdrant) Close() error { return nil }

func newTestQdrant(f *fakeQdrant) *QdrantIndex {
	return newQdrantIndex(f, QdrantConfig{
		Host:            "localhost",
		Port:            6334,
		Collection:      "messages",
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	}, zap.NewNop())
}

var unavailable = status.Error(grpccodes.Unavailable, "connection refused")

func TestQdrantIndex_EnsureSchemaCreates(t *testing.T) {
	f := &fakeQdrant{}
	idx := newTestQdrant(f)

	require.NoError(t, idx.EnsureSchema(context.Background(), 384))
	assert.Equal(t, 1, f.created)
	assert.Equal(t, uint64(384), f.size)
	require.Len(t, f.fieldIndex, 1)
	assert.Equal(t, FieldParticipants, f.fieldIndex[0].GetFieldName())
	assert.Equal(t, qdrant.FieldType_FieldTypeKeyword, f.fieldIndex[0].GetFieldType())

	require.NoError(t, idx.EnsureSchema(context.Background(), 384))
	assert.Equal(t, 1, f.created)
}

func TestQdrantIndex_EnsureSchemaToleratesRace(t *testing.T) {
	f := &fakeQdrant{size: 384, createErr: status.Error(grpccodes.AlreadyExists, "collection exists")}
	idx := newTestQdrant(f)
	assert.NoError(t, idx.EnsureSchema(context.Background(), 384))
}

func TestQdrantIndex_EnsureSchemaDimensionMismatch(t *testing.T) {
	f := &fakeQdrant{exists: true, size: 768}
	idx := newTestQdrant(f)
	err := idx.EnsureSchema(context.Background(), 384)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Empty(t, f.fieldIndex)
}

func TestQdrantIndex_UpsertPayload(t *testing.T) {
	f := &fakeQdrant{}
	idx := newTestQdrant(f)

	p := examPoint("0b7f0c36-6a3b-4c1c-9b7e-1d2f3a4b5c6d", "m1", "1", "2", []float32{0.1, 0.2})
	require.NoError(t, idx.Upsert(context.Background(), p))

	require.Len(t, f.upserts, 1)
	pt := f.upserts[0].GetPoints()[0]
	assert.Equal(t, p.ID, pt.GetId().GetUuid())
	assert.Equal(t, p.Payload, fromQdrantPayload(pt.GetPayload()))
	assert.Equal(t, "m1", pt.GetPayload()[FieldMessageID].GetStringValue())
}

func TestQdrantIndex_UpsertNotRetried(t *testing.T) {
	f := &fakeQdrant{upsertErr: unavailable}
	idx := newTestQdrant(f)

	err := idx.Upsert(context.Background(), examPoint("0b7f0c36-6a3b-4c1c-9b7e-1d2f3a4b5c6d", "m1", "1", "2", []float32{1}))
	require.Error(t, err)
	assert.Equal(t, 1, f.upsertCalls)
}

func TestQdrantIndex_SearchFilterAndRetry(t *testing.T) {
	f := &fakeQdrant{
		queryErrs: []error{unavailable},
		queryResult: []*qdrant.ScoredPoint{{
			Id:      qdrant.NewIDUUID("0b7f0c36-6a3b-4c1c-9b7e-1d2f3a4b5c6d"),
			Score:   0.92,
			Payload: toQdrantPayload(examPoint("", "m1", "1", "2", nil).Payload),
		}},
	}
	idx := newTestQdrant(f)

	hits, err := idx.Search(context.Background(), []float32{1, 0}, "2", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Payload.MessageID)
	assert.InDelta(t, 0.92, hits[0].Score, 1e-6)

	require.Len(t, f.queries, 2)
	cond := f.queries[1].GetFilter().GetMust()[0].GetField()
	assert.Equal(t, FieldParticipants, cond.GetKey())
	assert.Equal(t, "2", cond.GetMatch().GetKeyword())
	assert.Equal(t, uint64(5), f.queries[1].GetLimit())
}

func TestQdrantIndex_PermanentErrorNotRetried(t *testing.T) {
	f := &fakeQdrant{queryErrs: []error{status.Error(grpccodes.InvalidArgument, "bad vector")}}
	idx := newTestQdrant(f)

	_, err := idx.Search(context.Background(), []float32{1}, "1", 5)
	require.Error(t, err)
	assert.Len(t, f.queries, 1)
}

func TestQdrantIndex_BreakerOpens(t *testing.T) {
	f := &fakeQdrant{queryErrs: []error{unavailable, unavailable, unavailable, unavailable}}
	idx := newTestQdrant(f)

	_, err := idx.Search(context.Background(), []float32{1}, "1", 5)
	require.Error(t, err)
	assert.Len(t, f.queries, 3)

	_, err = idx.Search(context.Background(), []float32{1}, "1", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, f.queries, 3)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(unavailable))
	assert.True(t, IsTransientError(context.DeadlineExceeded))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "missing")))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.False(t, IsTransientError(nil))
}
