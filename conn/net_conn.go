/*
Package conn implements framed connections between a node and its peers.
A connection carries msgpack frames in both directions: every frame is a tag
that names the message type, followed by the message itself. The receiving
side maps the tag back to a Go type through the reflected types map.
*/
package conn

import (
	"bufio"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// UnknownTagError is returned by RecvMsg when the peer sent a tag missing
// from the types map. The frame has been consumed, so the connection can
// still be used.
type UnknownTagError struct {
	Tag uint8
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("type of the msg (%d) is unknown", e.Tag)
}

// NetConn represents a connection established between two nodes.
type NetConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder

	reflectedTypesMap map[uint8]reflect.Type
}

func newNetConn(target string, c net.Conn, handle *codec.MsgpackHandle, types map[uint8]reflect.Type) *NetConn {
	n := &NetConn{
		target:            target,
		conn:              c,
		r:                 bufio.NewReader(c),
		w:                 bufio.NewWriter(c),
		reflectedTypesMap: types,
	}
	n.dec = codec.NewDecoder(n.r, handle)
	n.enc = codec.NewEncoder(n.w, handle)
	return n
}

// Target returns the address the connection was dialed to, or the remote
// address for accepted connections.
func (n *NetConn) Target() string {
	return n.target
}

// SendMsg encodes one frame and flushes it. The connection is released on
// any error.
func (n *NetConn) SendMsg(tag uint8, msg interface{}) error {
	if err := n.enc.Encode(tag); err != nil {
		n.Release()
		return err
	}
	if err := n.enc.Encode(msg); err != nil {
		n.Release()
		return err
	}
	if err := n.w.Flush(); err != nil {
		n.Release()
		return err
	}
	return nil
}

// RecvMsg decodes one frame and returns its tag and a pointer to the decoded
// message.
func (n *NetConn) RecvMsg() (uint8, interface{}, error) {
	var tag uint8
	if err := n.dec.Decode(&tag); err != nil {
		return 0, nil, err
	}
	reflectedType, ok := n.reflectedTypesMap[tag]
	if !ok {
		var skipped interface{}
		if err := n.dec.Decode(&skipped); err != nil {
			return tag, nil, err
		}
		return tag, nil, &UnknownTagError{Tag: tag}
	}
	msg := reflect.New(reflectedType).Interface()
	if err := n.dec.Decode(msg); err != nil {
		return tag, nil, err
	}
	return tag, msg, nil
}

// SetDeadline bounds the next reads and writes. A zero t clears it.
func (n *NetConn) SetDeadline(t time.Time) error {
	return n.conn.SetDeadline(t)
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
