package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsConn struct {
	ws   *websocket.Conn
	opts Options
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	// Inbound budget is checked by the codec; this only bounds allocation.
	ws.SetReadLimit(MaxStreamDatagramBytes)
	return &wsConn{ws: ws, opts: opts}
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, opts Options) (Conn, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(ws, opts), nil
}

func (c *wsConn) ReadDatagram() ([]byte, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, ErrNotBinary
	}
	return data, nil
}

func (c *wsConn) WriteDatagram(data []byte) error {
	if err := c.opts.checkOutbound(data); err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(c.opts.writeDeadline()); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// WSListener is an http.Handler that upgrades requests to WebSocket and
// hands the connections to Accept.
type WSListener struct {
	upgrader websocket.Upgrader
	opts     Options
	path     string
	conns    chan Conn
	done     chan struct{}
	once     sync.Once
}

// NewWSListener returns a listener to mount at path.
func NewWSListener(path string, opts Options) (*WSListener, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &WSListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Accept any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:  opts,
		path:  path,
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}, nil
}

func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	conn := newWSConn(ws, l.opts)
	select {
	case l.conns <- conn:
	case <-l.done:
		ws.Close()
	}
}

func (l *WSListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *WSListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *WSListener) Addr() net.Addr {
	return wsAddr(l.path)
}
