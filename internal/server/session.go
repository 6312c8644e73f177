// Package server manages individual chat sessions, handling read/write pumps,
// the join state machine, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/room"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnected State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session serves one peer connection. A reader goroutine decodes records and
// dispatches them to the broker; a writer goroutine drains the bounded send
// queue onto the wire. Session implements room.Member.
type Session struct {
	id     string
	conn   Conn
	addr   string
	broker *room.Broker
	log    logger.Logger

	idleTimeout  time.Duration
	writeTimeout time.Duration
	limiter      *rateLimiter

	state    atomic.Int32
	username atomic.Pointer[string]
	stopping atomic.Bool

	sendMu     sync.Mutex
	send       chan protocol.Envelope
	sendClosed bool

	writerDone chan struct{}
	closeOnce  sync.Once
}

// SessionOptions configures a Session.
type SessionOptions struct {
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
	RateLimit     RateLimitConfig
	Logger        logger.Logger
}

// NewSession wraps conn. Call Run to start serving it.
func NewSession(conn Conn, broker *room.Broker, opts SessionOptions) *Session {
	def := defaultConfig()
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = def.SendQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	id := uuid.NewString()
	addr := conn.RemoteAddr()
	return &Session{
		id:           id,
		conn:         conn,
		addr:         addr,
		broker:       broker,
		log:          opts.Logger.With("session " + addr),
		idleTimeout:  opts.IdleTimeout,
		writeTimeout: opts.WriteTimeout,
		limiter:      newRateLimiter(opts.RateLimit, nil),
		send:         make(chan protocol.Envelope, opts.SendQueueSize),
		writerDone:   make(chan struct{}),
	}
}

// ID is the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.addr }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Username returns the name the session joined under, if any.
func (s *Session) Username() string {
	if p := s.username.Load(); p != nil {
		return *p
	}
	return ""
}

// Deliver queues env for the writer without blocking. It returns false when
// the queue is full or already closed.
func (s *Session) Deliver(env protocol.Envelope) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendClosed {
		return false
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Evict drops the connection without flushing the queue.
func (s *Session) Evict(reason string) {
	s.log.Warnf("evicting: %s", reason)
	s.closeSend()
	s.closeConn()
}

// Shutdown asks the session to stop reading. Queued envelopes are still
// flushed before the connection closes.
func (s *Session) Shutdown() {
	s.stopping.Store(true)
	if err := s.conn.SetReadDeadline(time.Now()); err != nil && !isExpectedCloseError(err) {
		s.log.Debugf("error interrupting read: %v", err)
	}
}

// Run serves the connection until the peer quits, the connection fails or
// Shutdown is called. It returns once both goroutines have finished.
func (s *Session) Run(ctx context.Context) {
	s.log.Infof("connected (id %s)", s.id)
	go s.writePump()

	reason := s.readPump(ctx)

	if name, ok := s.broker.Leave(ctx, s); ok {
		s.log.Infof("%s left the room", name)
	}
	s.state.Store(int32(StateClosed))
	s.closeSend()
	<-s.writerDone
	s.closeConn()
	s.log.Infof("disconnected: %s", reason)
}

func (s *Session) readPump(ctx context.Context) string {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return s.readFailure(err)
		}
		// Checked after arming the deadline so a concurrent Shutdown cannot
		// have its immediate deadline overwritten.
		if s.stopping.Load() {
			return "server shutting down"
		}
		record, err := s.conn.ReadRecord()
		if err != nil {
			return s.readFailure(err)
		}

		env, ok, err := protocol.Decode(record)
		if err != nil {
			s.log.Warnf("malformed record: %v", err)
			return "malformed record"
		}
		if !ok {
			continue
		}
		if !s.dispatch(ctx, env) {
			return "quit"
		}
	}
}

// readFailure classifies a read error for logging and returns the
// disconnect reason.
func (s *Session) readFailure(err error) string {
	switch {
	case s.stopping.Load():
		return "server shutting down"
	case isTimeout(err):
		s.log.Infof("idle for %s", s.idleTimeout)
		return "idle timeout"
	case errors.Is(err, protocol.ErrRecordTooLarge), protocol.IsFramingError(err):
		s.log.Warnf("malformed record: %v", err)
		return "malformed record"
	case isExpectedCloseError(err):
		return "connection closed"
	default:
		s.log.Warnf("read error: %v", err)
		return "read error"
	}
}

// dispatch applies one inbound envelope and reports whether the session
// should keep reading.
func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) bool {
	switch env.Kind {
	case protocol.KindReportRequest:
		report := s.broker.Report(ctx)
		s.reply(protocol.ReportResponse(report.Count, report.Text()))

	case protocol.KindJoinRequest:
		if s.State() == StateJoined {
			s.reply(protocol.JoinReject(room.ReasonAlreadyJoined.Message()))
			return true
		}
		result := s.broker.Join(ctx, env.Username, s)
		if !result.Accepted {
			s.log.Infof("join as %q rejected: %s", env.Username, result.Reason)
			s.reply(protocol.JoinReject(result.Reason.Message()))
			return true
		}
		name := result.Username
		s.username.Store(&name)
		s.state.Store(int32(StateJoined))

	case protocol.KindChatText:
		if s.State() != StateJoined {
			s.log.Debugf("ignoring chat text before join")
			return true
		}
		if strings.TrimSpace(env.Text) == "" {
			return true
		}
		if !s.limiter.allow() {
			s.log.Warnf("rate limit exceeded; discarding chat text")
			return true
		}
		if result := s.broker.Post(ctx, s, env.Text); !result.Accepted {
			s.log.Debugf("chat text refused: %s", result.Reason)
		}

	case protocol.KindQuitRequest:
		return false

	default:
		if !env.Kind.FromClient() {
			s.log.Debugf("ignoring %s: clients may not send it", env.Kind)
		}
	}
	return true
}

// reply queues a direct response. A session that cannot take its own reply
// is too far behind to keep.
func (s *Session) reply(env protocol.Envelope) {
	if !s.Deliver(env) {
		s.Evict("send queue full")
	}
}

func (s *Session) writePump() {
	defer close(s.writerDone)

	for env := range s.send {
		record, err := protocol.Encode(env)
		if err != nil {
			s.log.Errorf("dropping unencodable %s: %v", env.Kind, err)
			continue
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			s.writeFailed(err)
			return
		}
		if err := s.conn.WriteRecord(record); err != nil {
			s.writeFailed(err)
			return
		}
	}
}

func (s *Session) writeFailed(err error) {
	if !isExpectedCloseError(err) {
		s.log.Warnf("write error: %v", err)
	}
	s.closeSend()
	s.closeConn()
}

func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Debugf("error closing connection: %v", err)
		}
	})
}
