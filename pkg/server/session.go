package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/sessionwire/pkg/protocol"
	"github.com/aeolun/sessionwire/pkg/transport"
)

var (
	// ErrServerFull is returned by CreateSession when max players are connected.
	ErrServerFull = errors.New("server full")
	// ErrSessionsClosed is returned by CreateSession after CloseAll.
	ErrSessionsClosed = errors.New("session manager closed")
)

// IDStore persists the network id counter so ids are not handed out twice
// across host restarts.
type IDStore interface {
	ReserveNetworkID(next uint32) error
}

// Session represents an active client connection
type Session struct {
	ID          protocol.NetworkID
	Conn        *transport.SafeConn // Connection with automatic write synchronization
	RemoteAddr  string
	Transport   string // "tcp" or "websocket"
	ConnectedAt time.Time

	mu            sync.RWMutex // Protects the fields below
	username      string
	authenticated bool
	admin         bool
	rttMillis     float32
	hasRTT        bool
	probeSeq      uint32
	probeSentAt   uint64
	probePending  bool

	// Consecutive decode failures; owned by the session's message loop.
	decodeErrors int
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) SetUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// DisplayName is the username, or the network id for unnamed sessions.
func (s *Session) DisplayName() string {
	if name := s.Username(); name != "" {
		return name
	}
	return fmt.Sprintf("#%d", s.ID)
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) SetAuthenticated(ok bool) {
	s.mu.Lock()
	s.authenticated = ok
	s.mu.Unlock()
}

func (s *Session) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin
}

func (s *Session) SetAdmin(admin bool) {
	s.mu.Lock()
	s.admin = admin
	s.mu.Unlock()
}

// RTT returns the latest round-trip sample in milliseconds.
func (s *Session) RTT() (float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rttMillis, s.hasRTT
}

// startProbe records an outgoing host probe and returns it.
func (s *Session) startProbe(seq uint32, now time.Time) *protocol.Loopback {
	sentAt := uint64(now.UnixMilli())
	s.mu.Lock()
	s.probeSeq, s.probeSentAt, s.probePending = seq, sentAt, true
	s.mu.Unlock()
	return &protocol.Loopback{Sequence: seq, SentAt: sentAt}
}

// completeProbe consumes lb if it echoes the outstanding host probe, storing
// the RTT sample. It returns false for any other loopback.
func (s *Session) completeProbe(lb *protocol.Loopback, now time.Time) (float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.probePending || lb.Sequence != s.probeSeq || lb.SentAt != s.probeSentAt {
		return 0, false
	}
	rtt := float32(now.UnixMilli() - int64(lb.SentAt))
	if rtt < 0 {
		rtt = 0
	}
	s.probePending = false
	s.rttMillis, s.hasRTT = rtt, true
	return rtt, true
}

// SessionManager manages all active sessions and hands out network ids
type SessionManager struct {
	sessions   map[protocol.NetworkID]*Session
	nextID     protocol.NetworkID
	maxPlayers int
	closed     bool
	ids        IDStore
	mu         sync.RWMutex
	metrics    *Metrics
}

// NewSessionManager creates a new session manager admitting at most
// maxPlayers sessions
func NewSessionManager(maxPlayers int) *SessionManager {
	return &SessionManager{
		sessions:   make(map[protocol.NetworkID]*Session),
		nextID:     1,
		maxPlayers: maxPlayers,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// SetIDStore makes the manager continue from next and record every id it
// assigns in store before handing it out.
func (sm *SessionManager) SetIDStore(store IDStore, next protocol.NetworkID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ids = store
	if next > sm.nextID {
		sm.nextID = next
	}
}

// CreateSession registers conn under a fresh network id. authenticated is
// the initial credential state (true when the host has no password).
func (sm *SessionManager) CreateSession(connType string, conn *transport.SafeConn, authenticated bool) (*Session, error) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrSessionsClosed
	}
	if len(sm.sessions) >= sm.maxPlayers {
		sm.mu.Unlock()
		return nil, ErrServerFull
	}

	id := sm.nextID
	for {
		if _, taken := sm.sessions[id]; !taken && id != 0 {
			break
		}
		id++
	}
	if sm.ids != nil {
		if err := sm.ids.ReserveNetworkID(uint32(id) + 1); err != nil {
			sm.mu.Unlock()
			return nil, fmt.Errorf("reserve network id %d: %w", id, err)
		}
	}
	sm.nextID = id + 1

	sess := &Session{
		ID:            id,
		Conn:          conn,
		RemoteAddr:    conn.RemoteAddr().String(),
		Transport:     connType,
		ConnectedAt:   time.Now(),
		authenticated: authenticated,
	}
	sm.sessions[id] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	// Update metrics outside lock
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}
	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id protocol.NetworkID) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetAllSessions returns all active sessions ordered by network id
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// Count returns the number of active sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// RemoveSession removes a session and closes its connection. ok is false if
// the session was already gone.
func (sm *SessionManager) RemoveSession(id protocol.NetworkID) (sess *Session, ok bool) {
	sm.mu.Lock()
	sess, ok = sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return nil, false
	}
	sess.Conn.Close()
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
	}
	return sess, true
}

// CloseAll closes every session. Later CreateSession calls fail with
// ErrSessionsClosed.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closed = true
	sessions := sm.sessions
	sm.sessions = make(map[protocol.NetworkID]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(0)
	}
}

// PingTable returns the latest RTT sample of every session that has one
func (sm *SessionManager) PingTable() map[protocol.NetworkID]float32 {
	table := make(map[protocol.NetworkID]float32)
	for _, sess := range sm.GetAllSessions() {
		if rtt, ok := sess.RTT(); ok {
			table[sess.ID] = rtt
		}
	}
	return table
}
