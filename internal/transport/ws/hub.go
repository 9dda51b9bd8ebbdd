// Package ws is the websocket transport: it upgrades HTTP requests, parses
// tagged JSON frames and delivers router notifications to live sockets.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/chat"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/presence"
)

// Config holds upgrade settings.
type Config struct {
	// AllowedOrigins lists accepted Origin headers. Empty allows all.
	AllowedOrigins []string
}

// Hub owns every open connection. Identified connections are also
// registered with the presence registry.
type Hub struct {
	registry *presence.Registry
	router   *chat.Router
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(registry *presence.Registry, router *chat.Router, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry: registry,
		router:   router,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP upgrades the request and starts the connection pumps.
// Connections start anonymous and receive nothing until they identify.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	c := newClient(h, conn)
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go func() { defer h.wg.Done(); c.writePump() }()
	go func() { defer h.wg.Done(); c.readPump() }()

	c.logger.Debug("websocket connection opened", zap.String("remote_addr", r.RemoteAddr))
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.metrics.ConnectionOpened()
	return true
}

// unregister removes c from the registry and the hub.
func (h *Hub) unregister(c *Client) {
	h.registry.Remove(c)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.ConnectionClosed()
		c.logger.Debug("websocket connection closed")
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close sends a close frame to every connection, refuses new ones and
// waits for the pumps to exit or ctx to end.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
