// Package server manages individual relay sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/grouprelay/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Delivery failures reported by enqueue.
var (
	ErrSlowConsumer  = errors.New("session send buffer full")
	ErrSessionClosed = errors.New("session closed")
)

// TopicKey derives the registry key of a group.
func TopicKey(group string) string {
	return "chat_" + group
}

// Session represents one client connection bound to a single group topic.
// It owns the connection, the outbound queue and the context that scopes
// the work started on behalf of the connection.
type Session struct {
	id    string
	group string
	key   string
	addr  string

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rateLimiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*Session)

	log zerolog.Logger
}

// newSession creates a Session for group. conn may be nil in tests, in which
// case outbound frames stay queued on the send channel.
func newSession(parent context.Context, conn *websocket.Conn, group, addr string, cfg *Config, log zerolog.Logger) *Session {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	return &Session{
		id:      id,
		group:   group,
		key:     TopicKey(group),
		addr:    addr,
		conn:    conn,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: newRateLimiter(cfg.RateLimit),
		ctx:     ctx,
		cancel:  cancel,
		log: log.With().
			Str("session", id).
			Str("topic", group).
			Str("remote_addr", addr).
			Logger(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Group returns the group slug the session is bound to.
func (s *Session) Group() string { return s.group }

// Key returns the derived topic key the session is registered under.
func (s *Session) Key() string { return s.key }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outbound returns the session's queue of outgoing frames.
// This channel is read-only from the caller's perspective.
func (s *Session) Outbound() <-chan []byte { return s.send }

// enqueue queues payload without blocking.
func (s *Session) enqueue(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSlowConsumer
	}
}

// deliver sends a frame to this session only.
func (s *Session) deliver(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal outbound frame")
		return
	}
	if err := s.enqueue(payload); err != nil {
		s.log.Warn().Err(err).Msg("direct delivery failed")
	}
}

func (s *Session) sendError(code, message string) {
	s.deliver(ErrorFrame{Action: ActionError, Code: code, Error: message})
}

// Close cancels in-flight work, stops the pumps and deregisters the session.
// It is safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn().Err(err).Msg("set initial read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs why the read loop is ending at a level matching how
// expected the cause is.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn().Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		s.log.Debug().Err(err).Msg("websocket read ended")
	}
}

// readPump processes inbound frames one at a time, in arrival order, until
// the connection fails or the session is closed.
func (s *Session) readPump(handle func(*Session, []byte)) {
	defer s.Close()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if !s.limiter.allow() {
			s.log.Warn().Msg("rate limit exceeded; discarding event")
			metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			s.sendError(CodeRateLimited, "rate limit exceeded; event discarded")
			continue
		}

		handle(s, raw)
	}
}

// writePump drains the outbound queue onto the connection and keeps it
// alive with pings. It owns closing the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
		s.closeConnection()
	}()

	for {
		select {
		case payload := <-s.send:
			if !s.writeFrames(payload) {
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				return
			}
		case <-s.ctx.Done():
			// Closed, or the relay is shutting down.
			s.writeClose()
			return
		}
	}
}

// writeFrames writes payload followed by whatever is already queued, one
// websocket text message per frame.
func (s *Session) writeFrames(payload []byte) bool {
	for {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			s.log.Warn().Err(err).Msg("set write deadline")
			return false
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			if !isExpectedCloseError(err) {
				s.log.Warn().Err(err).Msg("write message")
			}
			return false
		}

		select {
		case payload = <-s.send:
		default:
			return true
		}
	}
}

func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn().Err(err).Msg("set write deadline for ping")
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Debug().Err(err).Msg("write ping")
		return false
	}
	return true
}

func (s *Session) writeClose() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("write close message")
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("close connection")
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
