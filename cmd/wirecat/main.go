// Command wirecat connects to a session host, posts every line read from
// stdin and prints what the other participants post.
//
// Lines starting with a slash are commands:
//
//	/nick NAME            rename this session
//	/edit [@POSTTIME] TEXT replace a post (default: the last one)
//	/posts                list recent own posts
//	/who                  list participants with host-measured RTT
//	/ping                 measure round-trip time to the host
//	/admin OP ID [TEXT]   send an administration command
//	/quit                 disconnect
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/sessionwire/pkg/client"
	"github.com/aeolun/sessionwire/pkg/logs"
	"github.com/aeolun/sessionwire/pkg/multipart"
	"github.com/aeolun/sessionwire/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

const defaultServer = "localhost:7777"

type session struct {
	conn   *client.Connection
	state  *client.State
	server string
	out    io.Writer
	logger *log.Logger

	mu       sync.Mutex
	lastPost uint64
	names    map[protocol.NetworkID]string // Last known name of each peer
}

func main() {
	home, _ := os.UserHomeDir()
	serverAddr := flag.String("server", "", "Host address (host:port or ws:// URL); defaults to the last one used")
	name := flag.String("name", "", "Username; defaults to the last one used")
	password := flag.String("password", "", "Host or admin password")
	budget := flag.Int("max-datagram", protocol.DefaultMaxDatagramBytes, "Datagram size budget, must match the host")
	byteAccurate := flag.Bool("byte-accurate", false, "Split posts on encoded size instead of character count")
	statePath := flag.String("state", filepath.Join(home, ".sessionwire", "wirecat.db"), "Path to the client state database")
	timeout := flag.Duration("timeout", 10*time.Second, "Connect timeout")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := logs.NewLogger("wirecat")
	logger.SetOutput(os.Stderr)
	logger.SetLevel(log.WarnLevel)
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	state, err := client.OpenState(*statePath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open state")
	}
	defer state.Close()

	addr := *serverAddr
	if addr == "" {
		addr = state.GetLastServer()
	}
	if addr == "" {
		addr = defaultServer
	}
	username := *name
	if username == "" {
		username = state.GetLastUsername()
	}

	s := &session{
		state:  state,
		server: addr,
		out:    os.Stdout,
		logger: logger,
		names:  make(map[protocol.NetworkID]string),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := client.Dial(ctx, addr, client.Options{
		MaxDatagramBytes: *budget,
		ByteAccurate:     *byteAccurate,
		Handler:          s.handlePacket,
		OnPost:           s.handlePost,
		Logger:           logger,
	})
	cancel()
	if err != nil {
		logger.WithError(err).Fatalf("Failed to connect to %s", addr)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	if err := state.SetLastServer(addr); err != nil {
		logger.WithError(err).Warn("Failed to save server address")
	}

	info := conn.ServerInfo()
	fmt.Fprintf(s.out, "* connected to %q as #%d (%d/%d players)\n", info.Name, conn.NetworkID(), len(conn.Peers())+1, info.MaxPlayers)
	if info.Description != "" {
		fmt.Fprintf(s.out, "* %s\n", info.Description)
	}

	if *password != "" || info.PasswordSet {
		err = conn.Login(username, *password)
	} else if username != "" {
		err = conn.SetUsername(username)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to log in")
	}
	if username != "" {
		if err := state.SetLastUsername(username); err != nil {
			logger.WithError(err).Warn("Failed to save username")
		}
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines, logger)

	for {
		select {
		case <-conn.Done():
			fmt.Fprintf(s.out, "* disconnected: %v\n", conn.Err())
			if errors.Is(conn.Err(), client.ErrClosed) {
				return
			}
			os.Exit(1)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := s.handleLine(line); done {
				return
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string, logger *log.Logger) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Warn("Failed to read input")
	}
}

// handleLine runs one input line and reports whether to quit.
func (s *session) handleLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.post(line)
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	var err error
	switch cmd {
	case "quit", "q":
		return true
	case "nick":
		err = s.conn.SetUsername(rest)
		if err == nil {
			err = s.state.SetLastUsername(rest)
		}
	case "edit":
		err = s.edit(rest)
	case "posts":
		err = s.listPosts()
	case "who":
		s.listPeers()
	case "ping":
		go s.reportRTT()
	case "admin":
		err = s.admin(rest)
	default:
		err = fmt.Errorf("unknown command /%s", cmd)
	}
	if err != nil {
		fmt.Fprintf(s.out, "! %v\n", err)
	}
	return false
}

func (s *session) post(text string) {
	postTime, err := s.conn.Post(text)
	if err != nil {
		fmt.Fprintf(s.out, "! post failed: %v\n", err)
		return
	}
	s.mu.Lock()
	s.lastPost = postTime
	s.mu.Unlock()
	if err := s.state.RecordPost(s.server, postTime, text); err != nil {
		s.logger.WithError(err).Warn("Failed to save post")
	}
}

func (s *session) edit(args string) error {
	s.mu.Lock()
	postTime := s.lastPost
	s.mu.Unlock()

	target, text, err := parseEdit(args)
	if err != nil {
		return err
	}
	if target != 0 {
		postTime = target
	}
	if postTime == 0 {
		posts, err := s.state.RecentPosts(s.server, 1)
		if err != nil {
			return err
		}
		if len(posts) == 0 {
			return errors.New("nothing to edit")
		}
		postTime = posts[0].PostTime
	}
	if err := s.conn.Edit(postTime, text); err != nil {
		return err
	}
	return s.state.RecordPost(s.server, postTime, text)
}

// parseEdit splits /edit arguments into an optional @POSTTIME (0 when
// absent) and the replacement text. Text that merely starts with a number
// is kept whole.
func parseEdit(args string) (uint64, string, error) {
	var postTime uint64
	text := args
	if target, ok := strings.CutPrefix(args, "@"); ok {
		first, rest, _ := strings.Cut(target, " ")
		n, err := strconv.ParseUint(first, 10, 64)
		if err != nil || n == 0 {
			return 0, "", fmt.Errorf("bad post time %q", first)
		}
		postTime, text = n, strings.TrimSpace(rest)
	}
	if text == "" {
		return 0, "", errors.New("usage: /edit [@POSTTIME] TEXT")
	}
	return postTime, text, nil
}

func (s *session) listPosts() error {
	posts, err := s.state.RecentPosts(s.server, 10)
	if err != nil {
		return err
	}
	for _, p := range posts {
		fmt.Fprintf(s.out, "  %d  %s\n", p.PostTime, p.Text)
	}
	return nil
}

func (s *session) listPeers() {
	fmt.Fprintf(s.out, "  #%d %s (you)\n", s.conn.NetworkID(), s.conn.Username())
	for _, p := range s.conn.Peers() {
		rtt := "-"
		if p.HasRTT {
			rtt = fmt.Sprintf("%.0fms", p.RTT)
		}
		fmt.Fprintf(s.out, "  #%d %s %s\n", p.ID, p.Username, rtt)
	}
}

func (s *session) reportRTT() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rtt, err := s.conn.Ping(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "! no loopback reply: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "* rtt %.0fms\n", rtt)
}

func (s *session) admin(args string) error {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) < 2 {
		return errors.New("usage: /admin OP ID [TEXT]")
	}
	op, ok := protocol.ParseAdminOperation(fields[0])
	if !ok {
		return fmt.Errorf("unknown admin operation %q", fields[0])
	}
	target, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "#"), 10, 32)
	if err != nil {
		return fmt.Errorf("bad target id: %w", err)
	}
	text := ""
	if len(fields) == 3 {
		text = fields[2]
	}
	return s.conn.Admin(op, protocol.NetworkID(target), text)
}

// connected returns the connection once Dial has returned. Callbacks can
// run before that.
func (s *session) connected() *client.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// nameOf returns the display name of a participant.
func (s *session) nameOf(id protocol.NetworkID) string {
	if conn := s.connected(); conn != nil && id == conn.NetworkID() {
		if name := conn.Username(); name != "" {
			return name
		}
	}
	s.mu.Lock()
	name := s.names[id]
	s.mu.Unlock()
	if name == "" {
		return fmt.Sprintf("#%d", id)
	}
	return name
}

func (s *session) handlePost(m multipart.Message) {
	when := time.UnixMilli(int64(m.PostTime)).Format("15:04:05")
	edited := ""
	if m.Supersedes {
		edited = " (edited)"
	}
	fmt.Fprintf(s.out, "[%s] <%s>%s %s\n", when, s.nameOf(m.NetworkID), edited, m.Text)
}

func (s *session) handlePacket(p protocol.Packet) {
	switch pk := p.(type) {
	case *protocol.Handshake:
		switch pk.Operation {
		case protocol.HandshakeCreateOther:
			// Peers listed in the welcome are not announced.
			if s.connected() != nil {
				fmt.Fprintf(s.out, "* #%d joined\n", pk.NetworkID)
			}
		case protocol.HandshakeDestroyOther:
			fmt.Fprintf(s.out, "* %s left\n", s.nameOf(pk.NetworkID))
			s.mu.Lock()
			delete(s.names, pk.NetworkID)
			s.mu.Unlock()
		}
	case *protocol.Username:
		s.mu.Lock()
		old := s.names[pk.NetworkID]
		s.names[pk.NetworkID] = pk.Name
		s.mu.Unlock()
		if old != "" && old != pk.Name {
			fmt.Fprintf(s.out, "* %s is now %s\n", old, pk.Name)
		}
	case *protocol.Administration:
		switch pk.Operation {
		case protocol.AdminAlert:
			fmt.Fprintf(s.out, "! alert from %s: %s\n", s.nameOf(pk.Target), pk.Text)
		case protocol.AdminAuthorize, protocol.AdminPromote:
			fmt.Fprintln(s.out, "* you are an admin")
		case protocol.AdminDemote:
			fmt.Fprintln(s.out, "* you are no longer an admin")
		}
	}
}
