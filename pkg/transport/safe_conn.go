package transport

import (
	"net"
	"sync"

	"github.com/aeolun/sessionwire/pkg/protocol"
)

// SafeConn wraps a Conn with write synchronization and a codec, so request
// handlers and broadcast senders can share one connection without
// interleaving datagrams.
type SafeConn struct {
	conn  Conn
	codec *protocol.Codec
	mu    sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps conn. A nil codec means the default registry and budget.
func NewSafeConn(conn Conn, codec *protocol.Codec) *SafeConn {
	if codec == nil {
		codec = &protocol.Codec{Registry: protocol.DefaultRegistry, MaxDatagramBytes: protocol.DefaultMaxDatagramBytes}
	}
	return &SafeConn{conn: conn, codec: codec}
}

// Codec returns the codec used for Send and Decode.
func (sc *SafeConn) Codec() *protocol.Codec {
	return sc.codec
}

// Send encodes p as one datagram and writes it.
func (sc *SafeConn) Send(p protocol.Packet) error {
	data, err := sc.codec.Encode(p)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// SendAll packs packets into as few datagrams as the budget allows and
// writes them back to back, in order.
func (sc *SafeConn) SendAll(packets []protocol.Packet) error {
	units, err := sc.codec.Pack(packets)
	if err != nil {
		return err
	}
	encoded := make([][]byte, len(units))
	for i, unit := range units {
		if encoded[i], err = sc.codec.Encode(unit); err != nil {
			return err
		}
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, data := range encoded {
		if err := sc.conn.WriteDatagram(data); err != nil {
			return err
		}
	}
	return nil
}

// WriteBytes writes a pre-encoded datagram. Used for broadcasts, which
// encode once for every recipient.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteDatagram(data)
}

// ReadDatagram reads the next raw datagram. Reads need no synchronization
// beyond a single reader goroutine.
func (sc *SafeConn) ReadDatagram() ([]byte, error) {
	return sc.conn.ReadDatagram()
}

// Decode decodes a datagram read from this connection.
func (sc *SafeConn) Decode(data []byte) (protocol.Packet, error) {
	return sc.codec.Decode(data)
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
