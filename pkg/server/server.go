package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/sessionwire/pkg/database"
	"github.com/aeolun/sessionwire/pkg/logs"
	"github.com/aeolun/sessionwire/pkg/multipart"
	"github.com/aeolun/sessionwire/pkg/protocol"
	"github.com/aeolun/sessionwire/pkg/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var logger = logs.NewLogger("server")

// ErrServerStopped is returned by Serve after Stop.
var ErrServerStopped = errors.New("server stopped")

// Server is a session host: it accepts clients over TCP and WebSocket,
// assigns network ids and relays packets between them.
type Server struct {
	db          *database.DB
	sessions    *SessionManager
	config      ServerConfig
	codec       *protocol.Codec
	splitter    multipart.Splitter
	reassembler *multipart.Reassembler
	metrics     *Metrics
	startTime   time.Time // Server start time for uptime calculation

	passwordHash []byte // nil when the host is open
	adminHash    []byte // nil when no admin password is configured

	mu          sync.Mutex // Protects listeners and httpServers
	listeners   []transport.Listener
	httpServers []*http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	startOnce    sync.Once
	stopOnce     sync.Once
	shutdownOnce sync.Once
	shutdownReq  chan struct{}
	wg           sync.WaitGroup

	probeSeq atomic.Uint32
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort     int // 0 = disabled
	HTTPPort    int // WebSocket endpoint at /ws, 0 = disabled
	MetricsPort int // Internal /metrics and /health, 0 = disabled
	BindAddress string
	LogLevel    string

	// Host descriptor
	Name          string
	Description   string
	Tags          []string
	MaxPlayers    int
	Password      string // Plain text or bcrypt hash, empty = open host
	AdminPassword string // Plain text or bcrypt hash, empty = no admins

	MaxDatagramBytes  int
	ByteAccurateSplit bool

	MaxDecodeErrors int // Consecutive failures before disconnect, 0 = never
	PingInterval    time.Duration
	ReassemblyTTL   time.Duration
	WriteTimeout    time.Duration
	PostRetention   time.Duration // 0 = keep posts forever
	BanDuration     time.Duration // 0 = permanent
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          7777,
		HTTPPort:         7778,
		MetricsPort:      9090,
		LogLevel:         "info",
		Name:             "Sessionwire Host",
		MaxPlayers:       32,
		MaxDatagramBytes: protocol.DefaultMaxDatagramBytes,
		MaxDecodeErrors:  8,
		PingInterval:     5 * time.Second,
		ReassemblyTTL:    multipart.DefaultTTL,
		WriteTimeout:     transport.DefaultWriteTimeout,
		PostRetention:    7 * 24 * time.Hour,
	}
}

// NewServer creates a new server instance
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	if err := logs.SetLevel(logger, config.LogLevel); err != nil {
		return nil, err
	}

	codec, err := protocol.NewCodec(protocol.DefaultRegistry, config.MaxDatagramBytes)
	if err != nil {
		return nil, err
	}
	if config.MaxDatagramBytes > transport.MaxStreamDatagramBytes {
		return nil, fmt.Errorf("%w: %d exceeds the stream limit", protocol.ErrInvalidDatagramSize, config.MaxDatagramBytes)
	}
	if config.MaxPlayers < 1 {
		config.MaxPlayers = 1
	}

	// Every joining session gets the ServerInfo as a single datagram.
	welcome := protocol.ServerInfoFromDescriptor(protocol.HostDescriptor{
		MaxPlayers:  config.MaxPlayers,
		Name:        config.Name,
		Tags:        config.Tags,
		Description: config.Description,
		PasswordSet: config.Password != "",
	})
	if _, err := codec.Encode(welcome); err != nil {
		return nil, fmt.Errorf("host description does not fit the datagram budget: %w", err)
	}

	passwordHash, err := hashSecret(config.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	adminHash, err := hashSecret(config.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin password: %w", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	nextID, err := db.NextNetworkID()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load network id counter: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.MaxPlayers)
	sessions.SetMetrics(metrics)
	sessions.SetIDStore(db, protocol.NetworkID(nextID))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		db:           db,
		sessions:     sessions,
		config:       config,
		codec:        codec,
		splitter:     multipart.Splitter{MaxDatagramBytes: codec.MaxDatagramBytes, ByteAccurate: config.ByteAccurateSplit},
		metrics:      metrics,
		startTime:    time.Now(),
		passwordHash: passwordHash,
		adminHash:    adminHash,
		ctx:          ctx,
		cancel:       cancel,
		shutdownReq:  make(chan struct{}),
	}
	s.reassembler = multipart.NewReassembler(multipart.Options{
		TTL:      config.ReassemblyTTL,
		OnExpire: s.onReassemblyExpired,
	})
	return s, nil
}

// hashSecret returns the bcrypt hash of secret. A value that already is a
// bcrypt hash is used as is; an empty secret yields nil.
func hashSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(secret)); err == nil {
		return []byte(secret), nil
	}
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// EnableDebugLogging switches the server logger to debug level
func (s *Server) EnableDebugLogging() {
	logger.SetLevel(log.DebugLevel)
	logger.Debug("Debug logging enabled")
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Database returns the post and ban store.
func (s *Server) Database() *database.DB {
	return s.db
}

// Descriptor returns the public description of this host.
func (s *Server) Descriptor() protocol.HostDescriptor {
	return protocol.HostDescriptor{
		MaxPlayers:  s.config.MaxPlayers,
		Name:        s.config.Name,
		Tags:        s.config.Tags,
		Description: s.config.Description,
		PasswordSet: s.passwordHash != nil,
	}
}

func (s *Server) transportOptions() transport.Options {
	return transport.Options{
		MaxDatagramBytes: s.codec.MaxDatagramBytes,
		WriteTimeout:     s.config.WriteTimeout,
	}
}

func (s *Server) listenAddr(port int) string {
	return net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))
}

// Start opens the configured TCP, WebSocket and metrics listeners
func (s *Server) Start() error {
	if s.config.TCPPort > 0 {
		addr := s.listenAddr(s.config.TCPPort)
		ln, err := transport.ListenTCP(s.ctx, addr, s.transportOptions())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		if err := s.Serve(ln, "tcp"); err != nil {
			ln.Close()
			return err
		}
		logger.WithField("addr", ln.Addr().String()).Info("TCP listener started")
	}

	if s.config.HTTPPort > 0 {
		wsl, err := transport.NewWSListener("/ws", s.transportOptions())
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/ws", wsl)
		mux.HandleFunc("/health", s.HealthHandler)
		if err := s.startHTTP(s.listenAddr(s.config.HTTPPort), mux, "Public HTTP server (/ws, /health)"); err != nil {
			return err
		}
		if err := s.Serve(wsl, "websocket"); err != nil {
			return err
		}
	}

	// Internal only, never expose publicly
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		if err := s.startHTTP(s.listenAddr(s.config.MetricsPort), mux, "Metrics server (/metrics, /health)"); err != nil {
			return err
		}
	}

	s.startBackground()
	return nil
}

func (s *Server) startHTTP(addr string, handler http.Handler, name string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpServers = append(s.httpServers, srv)
	s.mu.Unlock()

	logger.WithField("addr", ln.Addr().String()).Infof("%s listening", name)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Errorf("%s error", name)
		}
	}()
	return nil
}

// Serve accepts sessions from ln in the background until Stop. connType
// labels the sessions ("tcp", "websocket").
func (s *Server) Serve(ln transport.Listener, connType string) error {
	if s.ctx.Err() != nil {
		return ErrServerStopped
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.startBackground()

	s.wg.Add(1)
	go s.acceptLoop(ln, connType)
	return nil
}

// startBackground starts the periodic loops once.
func (s *Server) startBackground() {
	s.startOnce.Do(func() {
		if s.config.PingInterval > 0 {
			s.wg.Add(1)
			go s.pingLoop()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reassembler.Run(s.ctx, s.reassembler.TTL()/2)
		}()

		if s.config.PostRetention > 0 {
			s.wg.Add(1)
			go s.retentionLoop()
		}
	})
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ln transport.Listener, connType string) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("Accept error")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(connType, conn)
		}()
	}
}

// Done is closed when an admin requests a shutdown. The owner of the
// server is expected to call Stop.
func (s *Server) Done() <-chan struct{} {
	return s.shutdownReq
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownReq) })
}

// Stop gracefully stops the server. It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		logger.Info("Graceful shutdown initiated...")
		s.cancel()

		s.mu.Lock()
		listeners, servers := s.listeners, s.httpServers
		s.listeners, s.httpServers = nil, nil
		s.mu.Unlock()

		for _, ln := range listeners {
			ln.Close()
		}
		for _, srv := range servers {
			srv.Close()
		}

		s.notifyClientsOfShutdown()
		s.sessions.CloseAll()

		logger.Debug("Waiting for background goroutines to finish...")
		s.wg.Wait()

		if err = s.db.Close(); err != nil {
			logger.WithError(err).Error("Error during database close")
			return
		}
		logger.Info("Graceful shutdown complete")
	})
	return err
}

// notifyClientsOfShutdown sends Administration{Shutdown} to every session
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		return
	}

	data, err := s.codec.Encode(&protocol.Administration{Operation: protocol.AdminShutdown, Text: "host shutting down"})
	if err != nil {
		logger.WithError(err).Error("Failed to encode shutdown notice")
		return
	}
	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.WriteBytes(data); err == nil {
			sent++
			s.metrics.RecordDatagramSent(len(data))
		}
	}
	logger.Infof("Shutdown notification sent to %d/%d sessions", sent, len(sessions))
}

// pingLoop probes every session and distributes the ping table
func (s *Server) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pingAll(time.Now())
		}
	}
}

func (s *Server) pingAll(now time.Time) {
	pings := pingPackets(s.sessions.PingTable(), s.codec.MaxDatagramBytes)
	for _, sess := range s.sessions.GetAllSessions() {
		if !sess.Authenticated() {
			continue
		}
		packets := append([]protocol.Packet{sess.startProbe(s.probeSeq.Add(1), now)}, pings...)
		if err := sess.Conn.SendAll(packets); err != nil {
			logger.WithFields(log.Fields{"network_id": sess.ID, "error": err}).Debug("Ping send failed")
		}
	}
}

// retentionLoop periodically deletes posts older than the retention window
func (s *Server) retentionLoop() {
	defer s.wg.Done()

	interval := time.Hour
	if s.config.PostRetention < interval {
		interval = s.config.PostRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanupExpiredPosts()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredPosts()
		}
	}
}

func (s *Server) cleanupExpiredPosts() {
	count, err := s.db.CleanupPostsBefore(time.Now().Add(-s.config.PostRetention))
	if err != nil {
		logger.WithError(err).Error("Error cleaning up expired posts")
		return
	}
	if count > 0 {
		logger.Infof("Cleaned up %d expired posts", count)
	}
}

func (s *Server) onReassemblyExpired(e multipart.Expired) {
	s.metrics.RecordReassemblyTimeout()
	logger.WithFields(log.Fields{
		"network_id": e.NetworkID,
		"post_time":  e.PostTime,
		"received":   e.Received,
		"total":      e.Total,
	}).Warn(e.Err)
}

// HealthHandler reports liveness and a few counters as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"name":           s.config.Name,
		"sessions":       s.sessions.Count(),
		"max_players":    s.config.MaxPlayers,
		"pending_posts":  s.reassembler.Pending(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"password":       s.passwordHash != nil,
		"transport":      strings.Join(s.transportNames(), ","),
	})
}

func (s *Server) transportNames() []string {
	var names []string
	if s.config.TCPPort > 0 {
		names = append(names, "tcp")
	}
	if s.config.HTTPPort > 0 {
		names = append(names, "websocket")
	}
	return names
}
