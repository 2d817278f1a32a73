package conn

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

const (
	pingLabel = iota
	pongLabel
)

type Ping struct {
	Seq  uint64
	Note string
}

type Pong struct {
	Seq uint64
}

var typesMap = map[uint8]reflect.Type{
	pingLabel: reflect.TypeOf(Ping{}),
	pongLabel: reflect.TypeOf(Pong{}),
}

func echoHandler(ctx context.Context, c *NetConn) {
	for {
		_, msg, err := c.RecvMsg()
		if err != nil {
			return
		}
		ping, ok := msg.(*Ping)
		if !ok {
			return
		}
		if err := c.SendMsg(pongLabel, &Pong{Seq: ping.Seq}); err != nil {
			return
		}
	}
}

func newTestTransport(t *testing.T, handler ConnHandler) *NetworkTransport {
	t.Helper()
	trans, err := NewTCPTransport("127.0.0.1:0", &NetworkTransportConfig{
		MaxPool:           2,
		ReflectedTypesMap: typesMap,
		Handler:           handler,
		Logger:            hclog.NewNullLogger(),
		Timeout:           2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { trans.Close() })
	return trans
}

// TestRequestResponse checks that a client can send a Ping and read the Pong
// written back on the same connection.
func TestRequestResponse(t *testing.T) {
	server := newTestTransport(t, echoHandler)
	client := newTestTransport(t, nil)

	c, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, c.SendMsg(pingLabel, &Ping{Seq: seq, Note: "hello"}))
		tag, msg, err := c.RecvMsg()
		require.NoError(t, err)
		require.Equal(t, uint8(pongLabel), tag)
		require.Equal(t, &Pong{Seq: seq}, msg)
	}
	require.NoError(t, client.ReturnConn(c))

	// the pooled connection is handed out again
	again, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	require.Same(t, c, again)
}

func TestUnknownTag(t *testing.T) {
	got := make(chan error, 1)
	server := newTestTransport(t, func(ctx context.Context, c *NetConn) {
		_, _, err := c.RecvMsg()
		got <- err
	})
	client := newTestTransport(t, nil)

	c, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	defer c.Release()
	require.NoError(t, c.SendMsg(42, &Pong{Seq: 1}))

	select {
	case err := <-got:
		var unknown *UnknownTagError
		require.True(t, errors.As(err, &unknown))
		require.Equal(t, uint8(42), unknown.Tag)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not receive the frame")
	}
}

func TestCloseStopsHandlers(t *testing.T) {
	done := make(chan struct{})
	server := newTestTransport(t, func(ctx context.Context, c *NetConn) {
		<-ctx.Done()
		close(done)
	})
	client := newTestTransport(t, nil)

	c, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	defer c.Release()
	// make sure the server accepted before closing it
	require.NoError(t, c.SendMsg(pingLabel, &Ping{Seq: 1}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, server.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled")
	}
	require.True(t, server.IsShutdown())

	_, err = server.GetConn(client.LocalAddr())
	require.ErrorIs(t, err, ErrTransportShutdown)
}
