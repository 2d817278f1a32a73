package conn

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

// ConnHandler serves one accepted connection for its whole life. ctx is
// cancelled when the transport closes. The handler must not release conn;
// the transport does it when the handler returns.
type ConnHandler func(ctx context.Context, conn *NetConn)

/*
NetworkTransport provides a network based transport that can be
used to communicate with remote nodes. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

Accepted connections are handed to the ConnHandler. Outgoing connections
are dialed on demand and pooled per target for reuse.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	handler           ConnHandler
	reflectedTypesMap map[uint8]reflect.Type
	handle            *codec.MsgpackHandle

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if n.IsShutdown() {
				return
			}
			n.logger.Error("failed to accept connection", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		// Handle the connection in dedicated routine
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan. The
// connection is closed when the handler returns or the transport closes.
func (n *NetworkTransport) handleConn(connCtx context.Context, c net.Conn) {
	netC := newNetConn(c.RemoteAddr().String(), c, n.handle, n.reflectedTypesMap)
	ctx, cancel := context.WithCancel(connCtx)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	if n.handler == nil {
		n.logger.Warn("no handler for incoming connection", "remote-address", netC.target)
		return
	}
	n.handler(ctx, netC)
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.streamCtxLock.Lock()
		n.streamCancel()
		n.streamCtxLock.Unlock()
		n.shutdown = true

		n.connPoolLock.Lock()
		for target, conns := range n.connPool {
			for _, c := range conns {
				c.Release()
			}
			delete(n.connPool, target)
		}
		n.connPoolLock.Unlock()
	}
	return nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	// Dial a new connection
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}
	return newNetConn(target, conn, n.handle, n.reflectedTypesMap), nil
}

// GetConn returns an idle connection. If there is no one, dial a new connection.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	// Check for an exiting conn
	netConns, ok := n.connPool[target]
	if ok && len(netConns) > 0 {
		var netC *NetConn
		num := len(netConns)
		netC, netConns[num-1] = netConns[num-1], nil
		n.connPool[target] = netConns[:num-1]
		n.connPoolLock.Unlock()
		return netC, nil
	}
	n.connPoolLock.Unlock()

	return n.dialConn(target)
}

// ReturnConn returns the connection back to the pool.
// To avoid establishing connections repeatedly, try to maintain the net connection for later reusage.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := netC.target
	netConns := n.connPool[key]

	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[key] = append(netConns, netC)
		return nil
	}
	return netC.Release()
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	MaxPool int

	ReflectedTypesMap map[uint8]reflect.Type

	// Handler serves accepted connections. A transport used only to dial
	// may leave it nil.
	Handler ConnHandler

	// Handle is the msgpack handle for both directions.
	Handle *codec.MsgpackHandle

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout is used to apply the dial deadline.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "commitdag-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if config.Handle == nil {
		config.Handle = &codec.MsgpackHandle{}
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           config.MaxPool,
		handler:           config.Handler,
		reflectedTypesMap: config.ReflectedTypesMap,
		handle:            config.Handle,
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}
