package server

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/aeolun/sessionwire/pkg/database"
	"github.com/aeolun/sessionwire/pkg/multipart"
	"github.com/aeolun/sessionwire/pkg/protocol"
	"github.com/aeolun/sessionwire/pkg/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// errDisconnect ends a session's message loop after a handler removed it.
var errDisconnect = errors.New("session disconnected by host")

// historyPosts is how many stored posts a newly authenticated session is sent.
const historyPosts = 20

// handleConnection admits conn as a session and runs its message loop
func (s *Server) handleConnection(connType string, conn transport.Conn) {
	sc := transport.NewSafeConn(conn, s.codec)
	host := hostOf(conn.RemoteAddr())

	ban, err := s.db.GetActiveBan(host)
	if err != nil {
		logger.WithError(err).Error("Ban lookup failed")
	} else if ban != nil {
		s.reject(sc, "banned", "banned: "+ban.Reason)
		return
	}

	sess, err := s.sessions.CreateSession(connType, sc, s.passwordHash == nil)
	if err != nil {
		if errors.Is(err, ErrServerFull) {
			s.reject(sc, "full", "server full")
			return
		}
		if errors.Is(err, ErrSessionsClosed) {
			s.reject(sc, "shutdown", "server shutting down")
			return
		}
		logger.WithError(err).Error("Failed to create session")
		sc.Close()
		return
	}

	logger.WithFields(log.Fields{
		"network_id": sess.ID,
		"remote":     sess.RemoteAddr,
		"transport":  connType,
	}).Info("Session connected")

	if err := s.sendWelcome(sess); err != nil {
		logger.WithFields(log.Fields{"network_id": sess.ID, "error": err}).Debug("Welcome failed")
		s.disconnect(sess)
		return
	}
	s.broadcast(&protocol.Handshake{NetworkID: sess.ID, Operation: protocol.HandshakeCreateOther}, sess.ID)
	if sess.Authenticated() {
		s.sendHistory(sess)
	}

	s.messageLoop(sess)
}

// reject tells an unadmitted connection why and closes it
func (s *Server) reject(sc *transport.SafeConn, reason, text string) {
	s.metrics.RecordRejected(reason)
	logger.WithFields(log.Fields{"remote": sc.RemoteAddr().String(), "reason": reason}).Info("Connection rejected")
	sc.Send(&protocol.Administration{Operation: protocol.AdminKick, Text: text})
	sc.Close()
}

// sendWelcome sends the joining session its id, the host descriptor and
// every existing peer, packed into as few datagrams as the budget allows
func (s *Server) sendWelcome(sess *Session) error {
	packets := []protocol.Packet{
		&protocol.Handshake{NetworkID: sess.ID, Operation: protocol.HandshakeAssignSelf},
		protocol.ServerInfoFromDescriptor(s.Descriptor()),
	}
	for _, peer := range s.sessions.GetAllSessions() {
		if peer.ID == sess.ID {
			continue
		}
		packets = append(packets, &protocol.Handshake{NetworkID: peer.ID, Operation: protocol.HandshakeCreateOther})
		if name := peer.Username(); name != "" {
			packets = append(packets, &protocol.Username{NetworkID: peer.ID, Name: name})
		}
	}
	return sess.Conn.SendAll(packets)
}

// sendHistory replays the most recent stored posts, oldest first
func (s *Server) sendHistory(sess *Session) {
	posts, err := s.db.ListRecentPosts(historyPosts)
	if err != nil {
		logger.WithError(err).Error("Failed to load post history")
		return
	}

	var packets []protocol.Packet
	for i := len(posts) - 1; i >= 0; i-- {
		p := posts[i]
		parts, err := s.splitter.Split(multipart.Post{
			NetworkID: protocol.NetworkID(p.NetworkID),
			PostTime:  p.PostTime,
			EditTime:  p.EditTime,
		}, p.Text)
		if err != nil {
			logger.WithError(err).Warn("Skipping stored post")
			continue
		}
		for _, part := range parts {
			packets = append(packets, part)
		}
	}
	if len(packets) == 0 {
		return
	}
	if err := sess.Conn.SendAll(packets); err != nil {
		logger.WithFields(log.Fields{"network_id": sess.ID, "error": err}).Debug("History send failed")
	}
}

// messageLoop reads datagrams until the connection fails or a handler
// disconnects the session
func (s *Server) messageLoop(sess *Session) {
	defer s.disconnect(sess)

	for {
		data, err := sess.Conn.ReadDatagram()
		if err != nil {
			logger.WithFields(log.Fields{"network_id": sess.ID, "error": err}).Debug("Read ended")
			return
		}
		s.metrics.RecordDatagramReceived(len(data))

		p, err := sess.Conn.Decode(data)
		if err != nil {
			s.metrics.RecordDecodeError(err)
			sess.decodeErrors++
			logger.WithFields(log.Fields{
				"network_id": sess.ID,
				"error":      err,
				"strikes":    sess.decodeErrors,
			}).Debug("Dropped malformed datagram")

			if s.config.MaxDecodeErrors > 0 && sess.decodeErrors >= s.config.MaxDecodeErrors {
				s.kick(sess, "too many malformed datagrams")
				return
			}
			continue
		}
		sess.decodeErrors = 0

		if err := s.handlePacket(sess, p); err != nil {
			if errors.Is(err, errDisconnect) {
				return
			}
			logger.WithFields(log.Fields{"network_id": sess.ID, "type": p.Type(), "error": err}).Warn("Handle error")
		}
	}
}

// disconnect removes sess and announces its departure. Safe to call twice.
func (s *Server) disconnect(sess *Session) {
	if _, ok := s.sessions.RemoveSession(sess.ID); !ok {
		return
	}
	s.reassembler.Forget(sess.ID)
	s.broadcast(&protocol.Handshake{NetworkID: sess.ID, Operation: protocol.HandshakeDestroyOther}, sess.ID)
	logger.WithFields(log.Fields{
		"network_id": sess.ID,
		"remote":     sess.RemoteAddr,
		"duration":   time.Since(sess.ConnectedAt).Round(time.Millisecond),
	}).Info("Session disconnected")
}

// kick notifies sess and disconnects it
func (s *Server) kick(sess *Session, reason string) {
	s.send(sess, &protocol.Administration{Operation: protocol.AdminKick, Target: sess.ID, Text: reason})
	s.disconnect(sess)
}

// handlePacket dispatches one decoded packet. Bundles are unpacked in order.
func (s *Server) handlePacket(sess *Session, p protocol.Packet) error {
	if b, ok := p.(*protocol.Bundle); ok {
		for _, inner := range b.Packets {
			if err := s.handlePacket(sess, inner); err != nil {
				return err
			}
		}
		return nil
	}

	s.metrics.RecordPacketReceived(p.Type())
	logger.WithFields(log.Fields{"network_id": sess.ID, "type": p.Type()}).Trace("Packet received")

	if !sess.Authenticated() {
		switch p.(type) {
		case *protocol.Credentials, *protocol.Loopback:
		default:
			s.metrics.RecordRejected("unauthenticated")
			return nil
		}
	}

	switch pk := p.(type) {
	case *protocol.Credentials:
		return s.handleCredentials(sess, pk)
	case *protocol.Username:
		return s.handleUsername(sess, pk)
	case *protocol.Loopback:
		return s.handleLoopback(sess, pk)
	case *protocol.MultiPartMessage:
		return s.handleMultiPart(sess, pk)
	case *protocol.Administration:
		return s.handleAdministration(sess, pk)
	default:
		// Handshake, ServerInfo and Ping only flow host to client.
		logger.WithFields(log.Fields{"network_id": sess.ID, "type": p.Type()}).Debug("Ignoring packet")
		return nil
	}
}

func (s *Server) handleCredentials(sess *Session, c *protocol.Credentials) error {
	wasAuthenticated := sess.Authenticated()

	switch {
	case s.adminHash != nil && bcrypt.CompareHashAndPassword(s.adminHash, []byte(c.Password)) == nil:
		sess.SetAuthenticated(true)
		sess.SetAdmin(true)
		s.send(sess, &protocol.Administration{Operation: protocol.AdminAuthorize, Target: sess.ID})
		s.logAdminAction(sess, protocol.AdminAuthorize, sess.ID, "")
	case s.passwordHash == nil || bcrypt.CompareHashAndPassword(s.passwordHash, []byte(c.Password)) == nil:
		sess.SetAuthenticated(true)
	default:
		s.metrics.RecordRejected("bad_password")
		logger.WithFields(log.Fields{"network_id": sess.ID, "remote": sess.RemoteAddr}).Warn("Invalid credentials")
		s.kick(sess, "invalid credentials")
		return errDisconnect
	}

	if c.Username != "" {
		s.rename(sess, c.Username)
	}
	if !wasAuthenticated {
		s.sendHistory(sess)
	}
	return nil
}

func (s *Server) handleUsername(sess *Session, u *protocol.Username) error {
	// A session may only name itself; admins use Administration{Rename}.
	s.rename(sess, u.Name)
	return nil
}

// rename sets the session name and broadcasts it to everyone
func (s *Server) rename(sess *Session, name string) {
	name = protocol.ClampSafeString(strings.TrimSpace(name), protocol.MaxUsernameChars)
	if name == sess.Username() {
		return
	}
	sess.SetUsername(name)
	s.broadcast(&protocol.Username{NetworkID: sess.ID, Name: name}, 0)
}

func (s *Server) handleLoopback(sess *Session, lb *protocol.Loopback) error {
	if rtt, ok := sess.completeProbe(lb, time.Now()); ok {
		s.metrics.ObserveRTT(float64(rtt))
		return nil
	}
	// Someone else's probe: echo unchanged.
	return sess.Conn.Send(lb)
}

func (s *Server) handleMultiPart(sess *Session, part *protocol.MultiPartMessage) error {
	// Parts always carry the sender's id.
	part.NetworkID = sess.ID
	if err := part.Validate(); err != nil {
		s.metrics.RecordDecodeError(err)
		return err
	}

	res, err := s.reassembler.Add(part)
	if err != nil {
		s.metrics.RecordDecodeError(err)
		return err
	}
	switch res.Status {
	case multipart.StatusStale, multipart.StatusDuplicate:
		logger.WithFields(log.Fields{"network_id": sess.ID, "post_time": part.PostTime, "status": res.Status}).Debug("Part not relayed")
		return nil
	case multipart.StatusPending:
		s.relay(part, sess.ID)
		return nil
	}
	s.relay(part, sess.ID)

	msg := res.Message
	stored, err := s.db.SavePost(database.Post{
		NetworkID: uint32(msg.NetworkID),
		PostTime:  msg.PostTime,
		EditTime:  msg.EditTime,
		Author:    sess.Username(),
		Text:      msg.Text,
	})
	if err != nil {
		return fmt.Errorf("save post %s: %w", msg.Key, err)
	}
	s.metrics.RecordPostCompleted(msg.Supersedes)
	logger.WithFields(log.Fields{
		"network_id": msg.NetworkID,
		"post_time":  msg.PostTime,
		"edit":       msg.Supersedes,
		"stored":     stored,
	}).Debug("Post completed")
	return nil
}

func (s *Server) handleAdministration(sess *Session, a *protocol.Administration) error {
	if !sess.IsAdmin() {
		s.metrics.RecordRejected("not_admin")
		logger.WithFields(log.Fields{"network_id": sess.ID, "operation": a.Operation}).Warn("Administration from non-admin")
		return nil
	}

	switch a.Operation {
	case protocol.AdminAuthorize:
		return nil

	case protocol.AdminShutdown:
		s.logAdminAction(sess, a.Operation, 0, a.Text)
		logger.WithField("admin", sess.DisplayName()).Warn("Shutdown requested")
		s.requestShutdown()
		return nil

	case protocol.AdminAlert:
		s.logAdminAction(sess, a.Operation, 0, a.Text)
		s.relay(&protocol.Administration{Operation: protocol.AdminAlert, Target: sess.ID, Text: a.Text}, 0)
		return nil
	}

	target, ok := s.sessions.GetSession(a.Target)
	if !ok {
		logger.WithFields(log.Fields{"network_id": sess.ID, "target": a.Target}).Debug("Administration target not found")
		return nil
	}

	switch a.Operation {
	case protocol.AdminRename:
		s.logAdminAction(sess, a.Operation, target.ID, a.Text)
		s.rename(target, a.Text)

	case protocol.AdminPromote, protocol.AdminDemote:
		s.logAdminAction(sess, a.Operation, target.ID, "")
		target.SetAdmin(a.Operation == protocol.AdminPromote)
		s.send(target, &protocol.Administration{Operation: a.Operation, Target: target.ID})

	case protocol.AdminKick:
		s.logAdminAction(sess, a.Operation, target.ID, a.Text)
		s.kick(target, a.Text)
		if target.ID == sess.ID {
			return errDisconnect
		}

	case protocol.AdminBan:
		host := hostOf(target.Conn.RemoteAddr())
		if _, err := s.db.CreateBan(host, target.Username(), a.Text, sess.DisplayName(), s.config.BanDuration); err != nil {
			return fmt.Errorf("create ban: %w", err)
		}
		logger.WithFields(log.Fields{"admin": sess.DisplayName(), "target": target.ID, "address": host}).Info("Session banned")
		s.kick(target, a.Text)
		if target.ID == sess.ID {
			return errDisconnect
		}
	}
	return nil
}

func (s *Server) logAdminAction(sess *Session, op protocol.AdminOperation, target protocol.NetworkID, details string) {
	targetStr := ""
	if target != 0 {
		targetStr = fmt.Sprintf("%d", target)
	}
	if err := s.db.LogAdminAction(sess.DisplayName(), op.String(), targetStr, details); err != nil {
		logger.WithError(err).Error("Failed to log admin action")
	}
}

// send writes p to a single session, logging failures
func (s *Server) send(sess *Session, p protocol.Packet) {
	data, err := s.codec.Encode(p)
	if err != nil {
		logger.WithFields(log.Fields{"type": p.Type(), "error": err}).Error("Encode failed")
		return
	}
	if err := sess.Conn.WriteBytes(data); err != nil {
		logger.WithFields(log.Fields{"network_id": sess.ID, "error": err}).Debug("Send failed")
		return
	}
	s.metrics.RecordDatagramSent(len(data))
}

// broadcast encodes p once and writes it to every session except the one
// with id except (0 excludes nobody)
func (s *Server) broadcast(p protocol.Packet, except protocol.NetworkID) {
	s.fanOut(p, except, false)
}

// relay is broadcast restricted to authenticated sessions
func (s *Server) relay(p protocol.Packet, except protocol.NetworkID) {
	s.fanOut(p, except, true)
}

func (s *Server) fanOut(p protocol.Packet, except protocol.NetworkID, authenticatedOnly bool) {
	data, err := s.codec.Encode(p)
	if err != nil {
		logger.WithFields(log.Fields{"type": p.Type(), "error": err}).Error("Encode failed")
		return
	}
	for _, sess := range s.sessions.GetAllSessions() {
		if sess.ID == except || (authenticatedOnly && !sess.Authenticated()) {
			continue
		}
		if err := sess.Conn.WriteBytes(data); err != nil {
			logger.WithFields(log.Fields{"network_id": sess.ID, "error": err}).Debug("Broadcast send failed")
			continue
		}
		s.metrics.RecordDatagramSent(len(data))
	}
}

// pingPackets splits the RTT table into Ping packets that each fit one
// datagram, ordered by network id
func pingPackets(table map[protocol.NetworkID]float32, maxDatagramBytes int) []protocol.Packet {
	if len(table) == 0 {
		return nil
	}
	ids := make([]protocol.NetworkID, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	perPacket := (maxDatagramBytes - protocol.TypeIDSize - 2) / 8
	var packets []protocol.Packet
	for len(ids) > 0 {
		n := min(perPacket, len(ids))
		chunk := make(map[protocol.NetworkID]float32, n)
		for _, id := range ids[:n] {
			chunk[id] = table[id]
		}
		packets = append(packets, &protocol.Ping{RTT: chunk})
		ids = ids[n:]
	}
	return packets
}

// hostOf returns the address without its port
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
