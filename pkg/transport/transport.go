// Package transport carries datagrams over byte-stream channels. Each
// datagram is one protocol unit: a typeId followed by its body. TCP streams
// delimit datagrams with a uint16 length field; WebSocket connections send
// one binary message per datagram.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/aeolun/sessionwire/pkg/protocol"
)

// MaxStreamDatagramBytes is the largest datagram a stream transport can
// carry, bounded by its uint16 length field.
const MaxStreamDatagramBytes = math.MaxUint16

// DefaultWriteTimeout bounds a single datagram write.
const DefaultWriteTimeout = 10 * time.Second

// ErrNotBinary is returned when a WebSocket peer sends a text message.
var ErrNotBinary = errors.New("websocket message is not binary")

// Conn is a datagram connection. ReadDatagram is called from a single
// goroutine; writes must be serialized by the caller (see SafeConn).
type Conn interface {
	ReadDatagram() ([]byte, error)
	WriteDatagram(data []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Listener accepts datagram connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// Options configures a transport.
type Options struct {
	// MaxDatagramBytes is the outbound budget; writes larger than this fail
	// with protocol.ErrDatagramTooLarge. Zero means the protocol default.
	MaxDatagramBytes int
	// WriteTimeout bounds each write. Zero means DefaultWriteTimeout,
	// negative disables the deadline.
	WriteTimeout time.Duration
}

func (o Options) normalize() (Options, error) {
	if o.MaxDatagramBytes == 0 {
		o.MaxDatagramBytes = protocol.DefaultMaxDatagramBytes
	}
	if o.MaxDatagramBytes < protocol.MinMaxDatagramBytes || o.MaxDatagramBytes > MaxStreamDatagramBytes {
		return o, fmt.Errorf("%w: %d not in [%d, %d]", protocol.ErrInvalidDatagramSize,
			o.MaxDatagramBytes, protocol.MinMaxDatagramBytes, MaxStreamDatagramBytes)
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o, nil
}

func (o Options) checkOutbound(data []byte) error {
	if len(data) > o.MaxDatagramBytes {
		return fmt.Errorf("%w: %d bytes, budget %d", protocol.ErrDatagramTooLarge, len(data), o.MaxDatagramBytes)
	}
	return nil
}

func (o Options) writeDeadline() time.Time {
	if o.WriteTimeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(o.WriteTimeout)
}

// IsWebSocketURL reports whether addr selects the WebSocket transport.
func IsWebSocketURL(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// Dial connects to addr. A ws:// or wss:// URL uses WebSocket; anything
// else, optionally prefixed with tcp://, is a TCP host:port.
func Dial(ctx context.Context, addr string, opts Options) (Conn, error) {
	if IsWebSocketURL(addr) {
		return DialWebSocket(ctx, addr, opts)
	}
	return DialTCP(ctx, strings.TrimPrefix(addr, "tcp://"), opts)
}
