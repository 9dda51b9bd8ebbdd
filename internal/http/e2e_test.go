package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/chat"
	"github.com/fyrsmithlabs/parley/internal/embeddings/embeddingstest"
	httpserver "github.com/fyrsmithlabs/parley/internal/http"
	"github.com/fyrsmithlabs/parley/internal/indexing"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/presence"
	"github.com/fyrsmithlabs/parley/internal/search"
	"github.com/fyrsmithlabs/parley/internal/store/badgerstore"
	"github.com/fyrsmithlabs/parley/internal/transport/ws"
	"github.com/fyrsmithlabs/parley/internal/vectorstore"
)

type stack struct {
	server   *httptest.Server
	registry *presence.Registry
	embedder *embeddingstest.Fake
	metrics  *metrics.Metrics
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	st, err := badgerstore.Open(badgerstore.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{Collection: "messages"}, nil)
	require.NoError(t, err)

	m := metrics.New()
	embedder := embeddingstest.New(64)
	registry := presence.NewRegistry()

	pipeline := indexing.New(embedder, index, indexing.Config{Workers: 2, QueueSize: 16}, nil, m)
	pipeline.Start(ctx)
	t.Cleanup(func() { _ = pipeline.Stop(ctx) })

	router := chat.NewRouter(chat.Deps{
		Store:    st,
		Registry: registry,
		Indexer:  pipeline,
		Metrics:  m,
	}, chat.Config{})
	hub := ws.NewHub(registry, router, ws.Config{}, nil, m)
	t.Cleanup(func() { _ = hub.Close(ctx) })

	srv, err := httpserver.NewServer(httpserver.Deps{
		Messages:  router,
		Search:    search.New(embedder, index, search.Config{}, nil, m),
		Users:     st,
		Store:     st,
		Websocket: hub,
		Metrics:   m,
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &stack{server: ts, registry: registry, embedder: embedder, metrics: m}
}

func (s *stack) getJSON(t *testing.T, path string, query url.Values, out any) int {
	t.Helper()
	resp, err := http.Get(s.server.URL + path + "?" + query.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestEndToEnd_ExamIsFriday(t *testing.T) {
	s := newStack(t)

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	bob, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, bob.WriteJSON(map[string]string{"type": "identify", "userId": "2"}))
	require.Eventually(t, func() bool {
		return len(s.registry.ConnectionsFor("2")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Post(s.server.URL+"/api/messages", "application/json",
		strings.NewReader(`{"senderId":"1","receiverId":"2","message":"exam is Friday"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent model.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	resp.Body.Close()

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame ws.OutboundFrame
	require.NoError(t, bob.ReadJSON(&frame))
	assert.Equal(t, ws.TypeNewMessage, frame.Type)
	require.NotNil(t, frame.Message)
	assert.Equal(t, sent.ID, frame.Message.ID)

	for _, user := range []string{"1", "2"} {
		var history []model.Message
		require.Equal(t, http.StatusOK, s.getJSON(t, "/api/messages", url.Values{"userId": {user}}, &history))
		require.Len(t, history, 1, user)
		assert.Equal(t, "exam is Friday", history[0].Text)
	}
	var outsider []model.Message
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/messages", url.Values{"userId": {"3"}}, &outsider))
	assert.Empty(t, outsider)

	var results []search.Result
	require.Eventually(t, func() bool {
		results = nil
		code := s.getJSON(t, "/api/semantic-search", url.Values{"userId": {"2"}, "q": {"When is the exam?"}}, &results)
		return code == http.StatusOK && len(results) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, sent.ID, results[0].MessageID)
	assert.Equal(t, "exam is Friday", results[0].Message)
	assert.Greater(t, results[0].Score, float32(0))

	var leaked []search.Result
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/semantic-search", url.Values{"userId": {"3"}, "q": {"When is the exam?"}}, &leaked))
	assert.Empty(t, leaked)
}

func TestEndToEnd_IndexingFailureKeepsHistory(t *testing.T) {
	s := newStack(t)
	s.embedder.FailWith(errors.New("embedding backend down"))

	resp, err := http.Post(s.server.URL+"/api/messages", "application/json",
		strings.NewReader(`{"senderId":"1","receiverId":"2","message":"exam is Friday"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	failed := s.metrics.IndexingTasks.WithLabelValues(metrics.OutcomeFailed)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.embedder.FailWith(nil)

	for _, user := range []string{"1", "2"} {
		var history []model.Message
		require.Equal(t, http.StatusOK, s.getJSON(t, "/api/messages", url.Values{"userId": {user}}, &history))
		require.Len(t, history, 1, user)
		assert.Equal(t, "exam is Friday", history[0].Text)
	}

	var results []search.Result
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/semantic-search", url.Values{"userId": {"2"}, "q": {"When is the exam?"}}, &results))
	assert.Empty(t, results)
}

func TestEndToEnd_ReconnectWithoutIdentify(t *testing.T) {
	s := newStack(t)
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, first.WriteJSON(map[string]string{"type": "identify", "userId": "2"}))
	require.Eventually(t, func() bool {
		return len(s.registry.ConnectionsFor("2")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return len(s.registry.ConnectionsFor("2")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()

	resp, err := http.Post(s.server.URL+"/api/messages", "application/json",
		strings.NewReader(`{"senderId":"1","receiverId":"2","message":"are you there?"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err = second.ReadMessage()
	assert.Error(t, err)
}
