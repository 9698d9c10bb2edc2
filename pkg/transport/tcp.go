package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/smallnest/goframe"
)

var (
	tcpEncoderConfig = goframe.EncoderConfig{
		ByteOrder:                       binary.BigEndian,
		LengthFieldLength:               2,
		LengthAdjustment:                0,
		LengthIncludesLengthFieldLength: false,
	}

	tcpDecoderConfig = goframe.DecoderConfig{
		ByteOrder:           binary.BigEndian,
		LengthFieldOffset:   0,
		LengthFieldLength:   2,
		LengthAdjustment:    0,
		InitialBytesToStrip: 2,
	}
)

type tcpConn struct {
	raw    net.Conn
	frames goframe.FrameConn
	opts   Options
}

// NewTCPConn frames datagrams over an established stream.
func NewTCPConn(conn net.Conn, opts Options) (Conn, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Datagrams are small and latency-sensitive.
		tcp.SetNoDelay(true)
	}
	return &tcpConn{
		raw:    conn,
		frames: goframe.NewLengthFieldBasedFrameConn(tcpEncoderConfig, tcpDecoderConfig, conn),
		opts:   opts,
	}, nil
}

// DialTCP connects to a host:port.
func DialTCP(ctx context.Context, addr string, opts Options) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := NewTCPConn(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *tcpConn) ReadDatagram() ([]byte, error) {
	return c.frames.ReadFrame()
}

func (c *tcpConn) WriteDatagram(data []byte) error {
	if err := c.opts.checkOutbound(data); err != nil {
		return err
	}
	if err := c.raw.SetWriteDeadline(c.opts.writeDeadline()); err != nil {
		return err
	}
	return c.frames.WriteFrame(data)
}

func (c *tcpConn) Close() error {
	return c.frames.Close()
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

type tcpListener struct {
	ln   net.Listener
	opts Options
}

// ListenTCP listens for framed TCP connections on addr.
func ListenTCP(ctx context.Context, addr string, opts Options) (Listener, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &tcpListener{ln: ln, opts: opts}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn, l.opts)
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}
