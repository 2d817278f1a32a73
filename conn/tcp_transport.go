package conn

import (
	"net"
	"sync"
	"time"
)

// StreamLayer is used with the NetworkTransport to provide
// the low level stream abstraction.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer interface for plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// NewTCPTransport returns a NetworkTransport that is built on top of
// a TCP streaming transport layer. config.Stream is filled in.
func NewTCPTransport(bindAddr string, config *NetworkTransportConfig) (*NetworkTransport, error) {
	// Try to bind
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	// Create stream
	config.Stream = &TCPStreamLayer{
		listener: list.(*net.TCPListener),
	}

	// Create the network transport
	return NewNetworkTransportWithConfig(config), nil
}

// dialOnlyStream is a StreamLayer for transports that never accept.
type dialOnlyStream struct {
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (d *dialOnlyStream) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (d *dialOnlyStream) Accept() (net.Conn, error) {
	<-d.closeCh
	return nil, net.ErrClosed
}

func (d *dialOnlyStream) Close() error {
	d.closeOnce.Do(func() { close(d.closeCh) })
	return nil
}

func (d *dialOnlyStream) Addr() net.Addr {
	return &net.TCPAddr{}
}

// NewTCPDialer returns a NetworkTransport that only dials out. It is used by
// clients, which have nothing to serve.
func NewTCPDialer(config *NetworkTransportConfig) *NetworkTransport {
	config.Stream = &dialOnlyStream{closeCh: make(chan struct{})}
	config.Handler = nil
	return NewNetworkTransportWithConfig(config)
}
