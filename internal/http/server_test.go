package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/parley/internal/chat"
	"github.com/fyrsmithlabs/parley/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/search"
	"github.com/fyrsmithlabs/parley/internal/vectorstore"
)

type stubMessenger struct {
	sendErr    error
	historyErr error
	lastLimit  int
	lastOrigin string
	sent       []model.Message
}

func (s *stubMessenger) Send(_ context.Context, origin, senderID, receiverID, text string) (model.Message, error) {
	s.lastOrigin = origin
	if s.sendErr != nil {
		return model.Message{}, s.sendErr
	}
	m := model.Message{ID: "m1", SenderID: senderID, ReceiverID: receiverID, Text: text,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.sent = append(s.sent, m)
	return m, nil
}

func (s *stubMessenger) History(_ context.Context, _ string, limit int) ([]model.Message, error) {
	s.lastLimit = limit
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return append([]model.Message{}, s.sent...), nil
}

type stubSearcher struct {
	err     error
	lastTop int
}

func (s *stubSearcher) Search(_ context.Context, userID, query string, topK int) ([]search.Result, error) {
	s.lastTop = topK
	if s.err != nil {
		return nil, s.err
	}
	return []search.Result{{ID: "p1", MessageID: "m1", Message: query, Score: 0.9, SenderID: userID}}, nil
}

type stubUsers struct{}

func (stubUsers) ListUsers(context.Context) ([]model.User, error) {
	return []model.User{{ID: "1", Name: "Ada"}}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type fixture struct {
	server   *Server
	messages *stubMessenger
	search   *stubSearcher
	logs     *logging.TestLogger
	metrics  *metrics.Metrics
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		messages: &stubMessenger{},
		search:   &stubSearcher{},
		logs:     logging.NewTestLogger(),
		metrics:  metrics.New(),
	}
	server, err := NewServer(Deps{
		Messages: f.messages,
		Search:   f.search,
		Users:    stubUsers{},
		Store:    stubPinger{},
		Metrics:  f.metrics,
	}, f.logs.Underlying(), nil)
	require.NoError(t, err)
	f.server = server
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		f := setupTestServer(t)
		assert.Equal(t, 5000, f.server.config.Port)
		assert.Equal(t, 100, f.server.config.HistoryLimit)
		assert.Equal(t, 1000, f.server.config.HistoryMax)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Deps{Messages: &stubMessenger{}, Search: &stubSearcher{}, Users: stubUsers{}, Store: stubPinger{}}, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when deps are missing", func(t *testing.T) {
		_, err := NewServer(Deps{}, zap.NewNop(), nil)
		assert.Error(t, err)
	})
}

func TestHandleHealthAndReady(t *testing.T) {
	f := setupTestServer(t)

	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.server.deps.Store = stubPinger{err: errors.New("badger closed")}
	rec = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	f.logs.AssertLogged(t, zapcore.WarnLevel, "readiness check failed")
}

func TestHandleSendMessage(t *testing.T) {
	t.Run("creates message", func(t *testing.T) {
		f := setupTestServer(t)
		rec := f.do(http.MethodPost, "/api/messages", `{"senderId":"1","receiverId":"2","message":"exam is Friday"}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var msg model.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
		assert.Equal(t, "exam is Friday", msg.Text)
		assert.Empty(t, f.messages.lastOrigin)
	})

	t.Run("missing fields", func(t *testing.T) {
		f := setupTestServer(t)
		rec := f.do(http.MethodPost, "/api/messages", `{"senderId":"1","message":"hi"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, errorBody(t, rec), "required")
		assert.Empty(t, f.messages.sent)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := setupTestServer(t)
		rec := f.do(http.MethodPost, "/api/messages", `{"senderId":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid request body", errorBody(t, rec))
	})

	t.Run("router validation", func(t *testing.T) {
		f := setupTestServer(t)
		f.messages.sendErr = errors.Join(chat.ErrValidation, errors.New("message is 4001 characters"))
		rec := f.do(http.MethodPost, "/api/messages", `{"senderId":"1","receiverId":"2","message":"x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, errorBody(t, rec), "4001 characters")
	})

	t.Run("persistence failure", func(t *testing.T) {
		f := setupTestServer(t)
		f.messages.sendErr = errors.Join(chat.ErrPersistence, errors.New("disk full"))
		rec := f.do(http.MethodPost, "/api/messages", `{"senderId":"1","receiverId":"2","message":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal server error", errorBody(t, rec))
		f.logs.AssertLogged(t, zapcore.ErrorLevel, "request failed")
		f.logs.AssertField(t, "request failed", "request.id", rec.Header().Get(echo.HeaderXRequestID))
	})
}

func TestHandleHistory(t *testing.T) {
	f := setupTestServer(t)

	rec := f.do(http.MethodGet, "/api/messages", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "userId is required", errorBody(t, rec))

	rec = f.do(http.MethodGet, "/api/messages?userId=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, 100, f.messages.lastLimit)

	rec = f.do(http.MethodGet, "/api/messages?userId=1&limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1000, f.messages.lastLimit)

	for _, bad := range []string{"0", "-3", "ten"} {
		rec = f.do(http.MethodGet, "/api/messages?userId=1&limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestHandleSearch(t *testing.T) {
	f := setupTestServer(t)

	rec := f.do(http.MethodGet, "/api/semantic-search?userId=2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/api/semantic-search?q=exam", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/api/semantic-search?userId=2&q=%20%20", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/semantic-search?userId=2&q=exam&top=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, f.search.lastTop)
	var results []search.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].MessageID)

	for _, upstream := range []error{search.ErrEmbedding, search.ErrSearch} {
		f.search.err = errors.Join(upstream, errors.New("timeout"))
		rec = f.do(http.MethodGet, "/api/semantic-search?userId=2&q=exam", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}
}

type recordingIndex struct {
	vectorstore.Index
	k int
}

func (r *recordingIndex) Search(_ context.Context, _ []float32, _ string, k int) ([]vectorstore.Hit, error) {
	r.k = k
	return nil, nil
}

func TestHandleSearch_NonPositiveTopUsesDefault(t *testing.T) {
	f := setupTestServer(t)
	idx := &recordingIndex{}
	f.server.deps.Search = search.New(embeddingstest.New(8), idx, search.Config{}, nil, nil)

	for _, top := range []string{"0", "-5"} {
		idx.k = 0
		rec := f.do(http.MethodGet, "/api/semantic-search?userId=2&q=exam&top="+top, "")
		require.Equal(t, http.StatusOK, rec.Code, top)
		assert.Equal(t, search.DefaultTopK, idx.k, top)
	}

	rec := f.do(http.MethodGet, "/api/semantic-search?userId=2&q=exam&top=ten", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "top must be an integer", errorBody(t, rec))
}

func TestHandleUsers(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"1","name":"Ada","email":"","createdAt":"0001-01-01T00:00:00Z"}]`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	f := setupTestServer(t)
	f2, err := NewServer(f.server.deps, zap.NewNop(), &Config{AllowedOrigins: []string{"https://chat.example.com"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderOrigin, "https://chat.example.com")
	rec := httptest.NewRecorder()
	f2.echo.ServeHTTP(rec, req)
	assert.Equal(t, "https://chat.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example.com")
	rec = httptest.NewRecorder()
	f2.echo.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestServer(t)
	f.do(http.MethodGet, "/api/messages", "")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `parley_http_requests_total{method="GET",route="/api/messages",status="400"} 1`)
	assert.Contains(t, body, "parley_active_connections")
}

func TestRequestLogging(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(http.MethodGet, "/health", "")
	require.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	entries := f.logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), entries[0].ContextMap()["request_id"])
}
