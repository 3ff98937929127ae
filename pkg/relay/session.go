package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrSessionClosed is returned by Deliver once the session has torn down.
var ErrSessionClosed = errors.New("relay: session closed")

// Conn is the duplex text channel a session owns, produced by the transport
// layer after the handshake. ReadText blocks until a frame arrives or the
// transport fails; control frames are the transport's business.
type Conn interface {
	ReadText() (string, error)
	WriteText(s string) error
	Ping() error
	Close() error
}

type SessionConfig struct {
	// HeartbeatInterval is how often a liveness probe is sent to the client.
	HeartbeatInterval time.Duration
	// ClientTimeout is how long the client may stay silent before the
	// session is terminated.
	ClientTimeout time.Duration
	// Platform tags the device kind reported when this session declares
	// an identity.
	Platform string
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 120 * time.Second
	}
	if c.Platform == "" {
		c.Platform = "web"
	}
	return c
}

// Session is one client connection's endpoint: it registers with the
// directory, supervises the client's heartbeat, speaks the slash-command
// protocol, and writes payloads forwarded by its delivery worker back to
// the client.
type Session struct {
	dir  *Directory
	conn Conn
	cfg  SessionConfig

	// id is set once during Run; identity is touched only by the read loop
	id       uint64
	identity string

	seenMu   sync.Mutex
	lastSeen time.Time

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(dir *Directory, conn Conn, cfg SessionConfig) *Session {
	return &Session{
		dir:  dir,
		conn: conn,
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
}

// Run drives the session to completion: registration, read loop, heartbeat
// supervision, and teardown. It returns when the connection is gone and the
// directory has been told.
func (s *Session) Run(ctx context.Context) {
	id, err := s.dir.Connect(ctx, s)
	if err != nil {
		slog.Warn("session registration failed", "error", err)
		s.conn.Close()
		return
	}
	s.id = id
	s.MarkAlive()

	go s.heartbeat()

	s.readLoop(ctx)
	s.shutdown()

	// the run context may already be dead when the transport dropped;
	// teardown must still reach the directory
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.dir.Disconnect(dctx, id); err != nil {
		slog.Warn("disconnect failed", "session", id, "error", err)
	}
}

// Deliver implements Deliverable: it writes a worker's payload to the
// client. The write is synchronous so a delivered batch really reached the
// transport before the worker prunes it.
func (s *Session) Deliver(payload string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteText(payload)
}

// MarkAlive records client liveness. The transport calls it on ping/pong
// traffic; the read loop calls it on every frame.
func (s *Session) MarkAlive() {
	s.seenMu.Lock()
	s.lastSeen = time.Now()
	s.seenMu.Unlock()
}

func (s *Session) seen() time.Time {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return s.lastSeen
}

// shutdown closes the connection exactly once; the read loop unblocks with
// an error and Run finishes the teardown. Heartbeat timeout and transport
// failure both funnel through here.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		text, err := s.conn.ReadText()
		if err != nil {
			return
		}
		s.MarkAlive()
		s.handleText(ctx, strings.TrimSpace(text))
	}
}

func (s *Session) heartbeat() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(s.seen()) > s.cfg.ClientTimeout {
				slog.Info("client heartbeat timed out, disconnecting", "session", s.id)
				s.shutdown()
				return
			}
			s.writeMu.Lock()
			err := s.conn.Ping()
			s.writeMu.Unlock()
			if err != nil {
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) handleText(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		s.write(fmt.Sprintf("!!! unknown command: %q", text))
		return
	}

	cmd, arg, _ := strings.Cut(text, " ")
	switch cmd {
	case "/list":
		// deliberately synchronous: no further input is processed until
		// the snapshot is written, so the answer reflects one point in time
		names, err := s.dir.ListNames(ctx)
		if err != nil {
			s.write("!!! list failed")
			return
		}
		for _, name := range names {
			s.write(name)
		}
	case "/name":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			s.write("!!! name is required")
			return
		}
		if err := s.dir.Online(ctx, s.id, arg, s.cfg.Platform, s); err != nil {
			s.write("!!! name failed")
			return
		}
		s.identity = arg
	case "/patient":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			s.write("!!! patient request is required")
			return
		}
		req, event, err := decodePatient(arg)
		if err != nil {
			s.write("!!! bad patient request: " + err.Error())
			return
		}
		req.Requester = s.identity
		if _, err := s.dir.Inject(ctx, req.Requester, event, req.Receivers); err != nil {
			s.write("!!! patient request failed")
		}
	default:
		s.write(fmt.Sprintf("!!! unknown command: %q", text))
	}
}

// decodePatient validates a /patient argument. Failures surface as a client
// notice, never as a session fault.
func decodePatient(arg string) (InjectRequest, Event, error) {
	var req InjectRequest
	if err := json.Unmarshal([]byte(arg), &req); err != nil {
		return req, Event{}, err
	}
	var event Event
	if err := json.Unmarshal([]byte(req.Message), &event); err != nil {
		return req, Event{}, err
	}
	return req, event, nil
}

func (s *Session) write(text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteText(text); err != nil {
		slog.Debug("write failed", "session", s.id, "error", err)
	}
}
