// Package client connects to a session host, tracks the other participants
// and sends and receives long posts as multi-part messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/sessionwire/pkg/logs"
	"github.com/aeolun/sessionwire/pkg/multipart"
	"github.com/aeolun/sessionwire/pkg/protocol"
	"github.com/aeolun/sessionwire/pkg/transport"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrKicked is reported by Err when the host removed this session.
	ErrKicked = errors.New("kicked by host")
	// ErrHostShutdown is reported by Err when the host shut down.
	ErrHostShutdown = errors.New("host shut down")
)

// Options configures a Connection.
type Options struct {
	// MaxDatagramBytes must match the host. Zero means the protocol default.
	MaxDatagramBytes int
	// Registry resolves incoming packets. Nil means protocol.DefaultRegistry.
	Registry *protocol.Registry
	// ByteAccurate splits posts on encoded size instead of character count.
	ByteAccurate  bool
	ReassemblyTTL time.Duration
	WriteTimeout  time.Duration

	// Handler is called from the receive loop for every packet, bundle
	// contents included, after the connection has processed it.
	Handler func(protocol.Packet)
	// OnPost is called from the receive loop for every reassembled post.
	OnPost func(multipart.Message)

	Logger *log.Logger
}

// Peer is another participant as seen by this client.
type Peer struct {
	ID       protocol.NetworkID
	Username string
	RTT      float32 // Host-measured, milliseconds
	HasRTT   bool
}

// Connection represents a client connection to a host
type Connection struct {
	conn        *transport.SafeConn
	opts        Options
	splitter    multipart.Splitter
	reassembler *multipart.Reassembler
	logger      *log.Logger

	mu       sync.RWMutex
	id       protocol.NetworkID
	username string
	info     *protocol.ServerInfo
	admin    bool
	peers    map[protocol.NetworkID]*Peer
	probes   map[uint32]*pendingProbe // Outstanding Loopbacks by sequence
	rtt      float32
	hasRTT   bool
	lastTime uint64 // Last timestamp handed out for a post or edit
	err      error

	probeSeq atomic.Uint32

	// Traffic counters (datagram bytes)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Dial connects to addr (host:port for TCP, ws:// or wss:// URL for
// WebSocket) and waits for the host's welcome.
func Dial(ctx context.Context, addr string, opts Options) (*Connection, error) {
	codec, err := protocol.NewCodec(opts.Registry, opts.MaxDatagramBytes)
	if err != nil {
		return nil, err
	}
	raw, err := transport.Dial(ctx, addr, transport.Options{
		MaxDatagramBytes: codec.MaxDatagramBytes,
		WriteTimeout:     opts.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}

	c := newConnection(transport.NewSafeConn(raw, codec), opts)
	c.logger.WithField("addr", addr).Debug("Connected, waiting for welcome")

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func newConnection(conn *transport.SafeConn, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = logs.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		conn: conn,
		opts: opts,
		splitter: multipart.Splitter{
			MaxDatagramBytes: conn.Codec().MaxDatagramBytes,
			ByteAccurate:     opts.ByteAccurate,
		},
		logger: logger,
		peers:  make(map[protocol.NetworkID]*Peer),
		probes: make(map[uint32]*pendingProbe),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	c.reassembler = multipart.NewReassembler(multipart.Options{
		TTL: opts.ReassemblyTTL,
		OnExpire: func(e multipart.Expired) {
			c.logger.WithFields(log.Fields{"post": e.Key, "received": e.Received, "total": e.Total}).Debug(e.Err)
		},
	})

	go c.reassembler.Run(ctx, c.reassembler.TTL()/2)
	go c.receiveLoop()
	return c
}

// NetworkID returns the id the host assigned to this session.
func (c *Connection) NetworkID() protocol.NetworkID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// ServerInfo returns the host description received in the welcome.
func (c *Connection) ServerInfo() protocol.HostDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return protocol.HostDescriptor{}
	}
	return c.info.Descriptor()
}

// Username returns this session's name as confirmed by the host.
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// IsAdmin reports whether the host granted admin rights.
func (c *Connection) IsAdmin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admin
}

// Peers returns the other participants ordered by network id.
func (c *Connection) Peers() []Peer {
	c.mu.RLock()
	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, *p)
	}
	c.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// RTT returns the latest round-trip sample from Probe, in milliseconds.
func (c *Connection) RTT() (float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtt, c.hasRTT
}

// GetBytesSent returns total datagram bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns total datagram bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Send writes one packet as its own datagram.
func (c *Connection) Send(p protocol.Packet) error {
	data, err := c.conn.Codec().Encode(p)
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendBundle sends packets in order, packed into as few datagrams as the
// budget allows.
func (c *Connection) SendBundle(packets ...protocol.Packet) error {
	codec := c.conn.Codec()
	units, err := codec.Pack(packets)
	if err != nil {
		return err
	}
	for _, unit := range units {
		data, err := codec.Encode(unit)
		if err != nil {
			return err
		}
		if err := c.write(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) write(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.conn.WriteBytes(data); err != nil {
		return err
	}
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// Login presents credentials. The host replies with Authorize when the
// password is the admin password and disconnects on a wrong one.
func (c *Connection) Login(username, password string) error {
	return c.Send(&protocol.Credentials{Username: username, Password: password})
}

// SetUsername asks the host to rename this session.
func (c *Connection) SetUsername(name string) error {
	return c.Send(&protocol.Username{NetworkID: c.NetworkID(), Name: name})
}

// Post sends text as a new post and returns its post time, which
// identifies it for Edit.
func (c *Connection) Post(text string) (uint64, error) {
	postTime := c.nextTimestamp(0)
	return postTime, c.sendPost(postTime, postTime, text)
}

// Edit replaces the text of a post sent earlier.
func (c *Connection) Edit(postTime uint64, text string) error {
	return c.sendPost(postTime, c.nextTimestamp(postTime), text)
}

func (c *Connection) sendPost(postTime, editTime uint64, text string) error {
	parts, err := c.splitter.Split(multipart.Post{
		NetworkID: c.NetworkID(),
		PostTime:  postTime,
		EditTime:  editTime,
	}, text)
	if err != nil {
		return err
	}
	packets := make([]protocol.Packet, len(parts))
	for i, part := range parts {
		packets[i] = part
	}
	return c.SendBundle(packets...)
}

// nextTimestamp returns the current unix millisecond time, moved forward
// when needed so it is after both after and every earlier timestamp.
func (c *Connection) nextTimestamp(after uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := uint64(time.Now().UnixMilli())
	ts = max(ts, c.lastTime+1, after+1)
	c.lastTime = ts
	return ts
}

// maxPendingProbes bounds the Loopbacks awaiting an echo; the oldest is
// dropped first.
const maxPendingProbes = 16

type pendingProbe struct {
	sentAt uint64
	done   chan float32 // Receives the RTT once
}

// Probe sends a Loopback; the echo updates RTT.
func (c *Connection) Probe() error {
	_, _, err := c.startProbe()
	return err
}

// Ping sends a Loopback and waits for its echo, returning the round-trip
// time in milliseconds.
func (c *Connection) Ping(ctx context.Context) (float32, error) {
	seq, probe, err := c.startProbe()
	if err != nil {
		return 0, err
	}
	select {
	case rtt := <-probe.done:
		return rtt, nil
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		c.mu.Lock()
		if c.probes[seq] == probe {
			delete(c.probes, seq)
		}
		c.mu.Unlock()
		return 0, ctx.Err()
	}
}

func (c *Connection) startProbe() (uint32, *pendingProbe, error) {
	seq := c.probeSeq.Add(1)
	probe := &pendingProbe{sentAt: uint64(time.Now().UnixMilli()), done: make(chan float32, 1)}
	c.mu.Lock()
	if len(c.probes) >= maxPendingProbes {
		oldest := seq
		for s := range c.probes {
			oldest = min(oldest, s)
		}
		delete(c.probes, oldest)
	}
	c.probes[seq] = probe
	c.mu.Unlock()
	return seq, probe, c.Send(&protocol.Loopback{Sequence: seq, SentAt: probe.sentAt})
}

// Admin sends an administration command. Only admin sessions are obeyed.
func (c *Connection) Admin(op protocol.AdminOperation, target protocol.NetworkID, text string) error {
	return c.Send(&protocol.Administration{Operation: op, Target: target, Text: text})
}

// Close disconnects from the host.
func (c *Connection) Close() error {
	c.finish(ErrClosed)
	return nil
}

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended. A kick or shutdown notice is
// reported as soon as it arrives, ahead of the disconnect.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// finish records err (unless an earlier reason is known) and tears down.
func (c *Connection) finish(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		close(c.done)
	})
}

// receiveLoop reads datagrams until the connection fails
func (c *Connection) receiveLoop() {
	for {
		data, err := c.conn.ReadDatagram()
		if err != nil {
			c.logger.WithError(err).Debug("Receive loop ended")
			c.finish(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		p, err := c.conn.Decode(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropped malformed datagram")
			continue
		}
		c.dispatch(p)
	}
}

func (c *Connection) dispatch(p protocol.Packet) {
	if b, ok := p.(*protocol.Bundle); ok {
		for _, inner := range b.Packets {
			c.dispatch(inner)
		}
		return
	}

	switch pk := p.(type) {
	case *protocol.Handshake:
		c.handleHandshake(pk)
		c.checkReady()
	case *protocol.ServerInfo:
		c.mu.Lock()
		c.info = pk
		c.mu.Unlock()
		c.checkReady()
	case *protocol.Username:
		c.mu.Lock()
		if pk.NetworkID == c.id {
			c.username = pk.Name
		} else if peer, ok := c.peers[pk.NetworkID]; ok {
			peer.Username = pk.Name
		}
		c.mu.Unlock()
	case *protocol.Loopback:
		c.handleLoopback(pk)
	case *protocol.Ping:
		c.mu.Lock()
		for id, rtt := range pk.RTT {
			if peer, ok := c.peers[id]; ok {
				peer.RTT, peer.HasRTT = rtt, true
			}
		}
		c.mu.Unlock()
	case *protocol.Administration:
		c.handleAdministration(pk)
	case *protocol.MultiPartMessage:
		res, err := c.reassembler.Add(pk)
		if err != nil {
			c.logger.WithError(err).Debug("Dropped multi-part message")
		} else if res.Status == multipart.StatusComplete && c.opts.OnPost != nil {
			c.opts.OnPost(*res.Message)
		}
	}

	if c.opts.Handler != nil {
		c.opts.Handler(p)
	}
}

// checkReady releases Dial once both the id and the host description arrived.
func (c *Connection) checkReady() {
	c.mu.RLock()
	ready := c.id != 0 && c.info != nil
	c.mu.RUnlock()
	if ready {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

func (c *Connection) handleHandshake(h *protocol.Handshake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch h.Operation {
	case protocol.HandshakeAssignSelf:
		c.id = h.NetworkID
	case protocol.HandshakeCreateOther:
		if _, ok := c.peers[h.NetworkID]; !ok {
			c.peers[h.NetworkID] = &Peer{ID: h.NetworkID}
		}
	case protocol.HandshakeDestroyOther:
		delete(c.peers, h.NetworkID)
		c.reassembler.Forget(h.NetworkID)
	}
}

func (c *Connection) handleLoopback(lb *protocol.Loopback) {
	c.mu.Lock()
	probe := c.probes[lb.Sequence]
	// Host probes reuse small sequence numbers, so SentAt must match too.
	ours := probe != nil && probe.sentAt == lb.SentAt
	if ours {
		delete(c.probes, lb.Sequence)
		rtt := max(float32(time.Now().UnixMilli()-int64(lb.SentAt)), 0)
		c.rtt, c.hasRTT = rtt, true
		probe.done <- rtt
	}
	c.mu.Unlock()

	if !ours {
		// Host probe: echo unchanged.
		if err := c.Send(lb); err != nil {
			c.logger.WithError(err).Debug("Loopback echo failed")
		}
	}
}

func (c *Connection) handleAdministration(a *protocol.Administration) {
	switch a.Operation {
	case protocol.AdminAuthorize, protocol.AdminPromote:
		c.mu.Lock()
		c.admin = true
		c.mu.Unlock()
	case protocol.AdminDemote:
		c.mu.Lock()
		c.admin = false
		c.mu.Unlock()
	case protocol.AdminKick:
		c.recordErr(fmt.Errorf("%w: %s", ErrKicked, a.Text))
	case protocol.AdminShutdown:
		c.recordErr(fmt.Errorf("%w: %s", ErrHostShutdown, a.Text))
	case protocol.AdminAlert:
		c.logger.WithField("from", a.Target).Info(a.Text)
	}
}

// recordErr keeps the host's reason for the disconnect that follows.
func (c *Connection) recordErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}
