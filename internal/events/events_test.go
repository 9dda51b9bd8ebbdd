package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/parley/internal/config"
	"github.com/fyrsmithlabs/parley/internal/model"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestOpen_NoURLIsNop(t *testing.T) {
	p, err := Open(config.EventsConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.MessageCreated(context.Background(), model.Message{ID: "m1"}))
	assert.NoError(t, p.Close())
}

func TestNATSPublisher_MessageCreated(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("chat.message.created", ch)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := Open(config.EventsConfig{URL: server.ClientURL(), SubjectPrefix: "chat"}, nil)
	require.NoError(t, err)
	defer p.Close()

	msg := model.Message{ID: "m1", SenderID: "1", ReceiverID: "2", Text: "exam is Friday",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, p.MessageCreated(context.Background(), msg))

	select {
	case got := <-ch:
		assert.Equal(t, "m1", got.Header.Get(nats.MsgIdHdr))
		var env Envelope
		require.NoError(t, json.Unmarshal(got.Data, &env))
		assert.Equal(t, TypeMessageCreated, env.Type)
		assert.Equal(t, msg, env.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSPublisher_BorrowedConnNotClosed(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	p := NewNATSPublisher(nc, "", nil)
	assert.Equal(t, "parley.message.created", p.subject)
	require.NoError(t, p.Close())
	assert.True(t, nc.IsConnected())
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewNATSPublisher(nc, "x", nil).MessageCreated(ctx, model.Message{ID: "m"}), context.Canceled)
}
