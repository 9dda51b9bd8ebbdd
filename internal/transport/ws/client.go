package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/model"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	sendBufferSize = 256

	// sendTimeout bounds persistence of one inbound private_message.
	sendTimeout = 10 * time.Second
)

var errSenderMismatch = errors.New("senderId does not match the identified user")

// Client is one websocket connection. It implements presence.Conn.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: hub.logger.With(zap.String("conn_id", id)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Notify queues ev without blocking. A full buffer drops the event.
func (c *Client) Notify(ev model.Event) bool {
	return c.enqueue(eventFrame(ev))
}

func (c *Client) enqueue(f OutboundFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close asks the write pump to send a close frame and shut the socket.
// Safe to call repeatedly.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump handles inbound frames until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.enqueue(OutboundFrame{Type: TypeError, Error: "binary frames are not supported"})
			continue
		}
		c.handle(bytes.TrimSpace(data))
	}
}

func (c *Client) handle(data []byte) {
	frame, err := decode(c.hub.validate, data)
	if err != nil {
		c.logger.Debug("rejected inbound frame", zap.Error(err))
		c.enqueue(errorFrame(err))
		return
	}

	switch f := frame.(type) {
	case *IdentifyFrame:
		c.hub.registry.Identify(f.UserID, c)
		c.logger.Info("connection identified", zap.String("user_id", f.UserID))
	case *PrivateMessageFrame:
		ctx := logging.WithConnID(c.hub.ctx, c.id)
		if owner, ok := c.hub.registry.Owner(c); ok {
			if strings.TrimSpace(f.SenderID) != owner {
				c.enqueue(errorFrame(errSenderMismatch))
				return
			}
			ctx = logging.WithUserID(ctx, owner)
		}
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if _, err := c.hub.router.Send(ctx, c.id, f.SenderID, f.ReceiverID, f.Message); err != nil {
			c.enqueue(errorFrame(err))
		}
	}
}

// writePump is the only writer on the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
