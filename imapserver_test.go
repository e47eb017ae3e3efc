package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeIMAPServer is a scripted IMAP4rev1 server for session tests. It speaks
// just enough of the protocol for a full login, EXAMINE, IDLE, UID FETCH and
// LOGOUT exchange, and can push EXISTS to idling sessions on demand.
type fakeIMAPServer struct {
	t  *testing.T
	ln net.Listener

	mu          sync.Mutex
	sessions    []*fakeIMAPSession
	failLogin   bool
	dropOnIdle  bool
	exists      uint32
	uidNext     uint32
	uidValidity uint32
	fetchLines  []string
	idles       int
}

type fakeIMAPSession struct {
	conn net.Conn

	mu      sync.Mutex
	idling  bool
	idleTag string
}

func newFakeIMAPServer(t *testing.T) *fakeIMAPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	s := &fakeIMAPServer{t: t, ln: ln, uidValidity: 1, uidNext: 1}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	t.Cleanup(s.close)
	return s
}

func (s *fakeIMAPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// close tears down the listener and every accepted connection, as if the
// server host went away.
func (s *fakeIMAPServer) close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

func (s *fakeIMAPServer) setFailLogin(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogin = v
}

// setDropOnIdle makes the server close the connection as soon as the client
// enters IDLE, mimicking a server that accepts a full login and then drops.
func (s *fakeIMAPServer) setDropOnIdle(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOnIdle = v
}

// sessionCount reports how many connections the server has accepted.
func (s *fakeIMAPServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// setMailbox sets the folder counters reported by the next EXAMINE.
func (s *fakeIMAPServer) setMailbox(exists, uidNext, uidValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = exists
	s.uidNext = uidNext
	s.uidValidity = uidValidity
}

// setFetch sets the canned response lines for the next UID FETCH.
func (s *fakeIMAPServer) setFetch(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchLines = lines
}

// idleCount reports how many IDLE commands the server has accepted so far.
// Tests use it to know a session is actually listening before a push.
func (s *fakeIMAPServer) idleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idles
}

// pushExists sends an unsolicited EXISTS to every idling session.
func (s *fakeIMAPServer) pushExists() {
	s.mu.Lock()
	exists := s.exists
	sessions := append([]*fakeIMAPSession(nil), s.sessions...)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.mu.Lock()
		idling := sess.idling
		sess.mu.Unlock()
		if idling {
			sess.writeLine(fmt.Sprintf("* %d EXISTS", exists))
		}
	}
}

func (s *fakeIMAPServer) handle(conn net.Conn) {
	sess := &fakeIMAPSession{conn: conn}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	defer conn.Close()

	sess.writeLine("* OK [CAPABILITY IMAP4rev1 IDLE] fake server ready")

	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")

		sess.mu.Lock()
		idling, idleTag := sess.idling, sess.idleTag
		sess.mu.Unlock()
		if idling {
			if strings.EqualFold(strings.TrimSpace(line), "DONE") {
				sess.mu.Lock()
				sess.idling = false
				sess.mu.Unlock()
				sess.writeLine(idleTag + " OK IDLE terminated")
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])

		switch cmd {
		case "CAPABILITY":
			sess.writeLine("* CAPABILITY IMAP4rev1 IDLE")
			sess.writeLine(tag + " OK CAPABILITY completed")

		case "LOGIN":
			s.mu.Lock()
			fail := s.failLogin
			s.mu.Unlock()
			if fail {
				sess.writeLine(tag + " NO LOGIN failed")
			} else {
				sess.writeLine(tag + " OK [CAPABILITY IMAP4rev1 IDLE] LOGIN completed")
			}

		case "SELECT", "EXAMINE":
			s.mu.Lock()
			exists, uidNext, uidValidity := s.exists, s.uidNext, s.uidValidity
			s.mu.Unlock()
			sess.writeLine(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
			sess.writeLine(fmt.Sprintf("* %d EXISTS", exists))
			sess.writeLine("* 0 RECENT")
			sess.writeLine(fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", uidValidity))
			sess.writeLine(fmt.Sprintf("* OK [UIDNEXT %d] predicted next UID", uidNext))
			sess.writeLine(tag + " OK [READ-ONLY] " + cmd + " completed")

		case "IDLE":
			s.mu.Lock()
			drop := s.dropOnIdle
			s.mu.Unlock()
			if drop {
				return
			}
			sess.mu.Lock()
			sess.idling = true
			sess.idleTag = tag
			sess.mu.Unlock()
			s.mu.Lock()
			s.idles++
			s.mu.Unlock()
			sess.writeLine("+ idling")

		case "UID":
			s.mu.Lock()
			lines := append([]string(nil), s.fetchLines...)
			s.mu.Unlock()
			for _, l := range lines {
				sess.writeLine(l)
			}
			sess.writeLine(tag + " OK UID FETCH completed")

		case "NOOP":
			sess.writeLine(tag + " OK NOOP completed")

		case "LOGOUT":
			sess.writeLine("* BYE terminating connection")
			sess.writeLine(tag + " OK LOGOUT completed")
			return

		default:
			sess.writeLine(tag + " BAD unsupported command")
		}
	}
}

func (sess *fakeIMAPSession) writeLine(line string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, _ = sess.conn.Write([]byte(line + "\r\n"))
}

// fetchLine renders one canned UID FETCH response.
func fetchLine(seq, uid uint32, recent bool, subject string) string {
	flags := ""
	if recent {
		flags = `\Recent`
	}
	return fmt.Sprintf(`* %d FETCH (UID %d FLAGS (%s) ENVELOPE (`+
		`"Mon, 07 Feb 2022 21:52:25 -0800" "%s" `+
		`(("Alice" NIL "alice" "example.org")) `+
		`(("Alice" NIL "alice" "example.org")) `+
		`NIL `+
		`(("Bob" NIL "bob" "example.org")) `+
		`NIL NIL NIL "<msg-%d@example.org>"))`,
		seq, uid, flags, subject, uid)
}
