// Package server wires sessions, the topic registry, the dispatcher and the
// persistence gateway together through the Relay type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/grouprelay/internal/metrics"
	"github.com/Tyrowin/grouprelay/internal/store"
)

// Relay accepts websocket sessions for group topics, applies their events
// against the persistence gateway and fans the results out.
type Relay struct {
	cfg        *Config
	gateway    store.Gateway
	registry   *Registry
	dispatcher Dispatcher
	pool       *Pool
	origins    *originPolicy
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add in Open against Shutdown setting closed.
	mu     sync.Mutex
	closed bool
}

// ErrRelayClosed is returned by Open once Shutdown has begun.
var ErrRelayClosed = errors.New("relay is shut down")

// NewRelay creates a Relay that delivers in-process. Use UseDispatcher to
// fan out through a shared bus instead.
func NewRelay(cfg *Config, gateway store.Gateway, log zerolog.Logger) *Relay {
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := cfg.sanitize()

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry(log.With().Str("component", "registry").Logger())
	origins := newOriginPolicy(sanitized.AllowedOrigins, log)

	return &Relay{
		cfg:        &sanitized,
		gateway:    gateway,
		registry:   registry,
		dispatcher: NewLocalDispatcher(registry),
		pool:       NewPool(sanitized.StoreWorkers, sanitized.StoreTimeout),
		origins:    origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		log:    log,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Registry returns the relay's topic registry.
func (r *Relay) Registry() *Registry { return r.registry }

// UseDispatcher replaces the dispatcher. It must be called before the relay
// serves any session.
func (r *Relay) UseDispatcher(d Dispatcher) {
	if d != nil {
		r.dispatcher = d
	}
}

// HandleFrame applies one inbound frame from s. A panic while handling is
// logged and contained to the frame.
func (r *Relay) HandleFrame(s *Session, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic while handling event")
		}
	}()

	evt, err := DecodeEvent(raw)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		s.log.Warn().Err(err).Msg("dropping invalid event")
		s.sendError(CodeInvalidEvent, err.Error())
		return
	}

	switch e := evt.(type) {
	case *LikeEvent:
		r.handleLike(s, e)
	case *SendEvent:
		r.handleSend(s, e)
	}
}

func (r *Relay) handleSend(s *Session, e *SendEvent) {
	at := r.now().UTC().Truncate(time.Second)

	var msg store.Message
	err := r.pool.Do(s.ctx, "create_message", func(ctx context.Context) error {
		var err error
		msg, err = r.gateway.CreateMessage(ctx, e.Username, e.Group, *e.Message, at)
		return err
	})
	if err != nil {
		r.handleStoreError(s, "create_message", err)
		return
	}

	metrics.MessagesPersisted.Inc()
	s.log.Debug().Int64("message_id", msg.ID).Str("username", msg.Username).Msg("message persisted")

	r.publish(s, s.Key(), newChatFrame(msg.Content, msg.Username, msg.CreatedAt))
}

func (r *Relay) handleLike(s *Session, e *LikeEvent) {
	id := int64(*e.MessageID)

	var likes store.Likes
	err := r.pool.Do(s.ctx, "increment_likes", func(ctx context.Context) error {
		var err error
		likes, err = r.gateway.IncrementLikes(ctx, id)
		return err
	})
	if err != nil {
		r.handleStoreError(s, "increment_likes", err)
		return
	}

	metrics.LikesApplied.Inc()
	frame := LikeFrame{Action: ActionLike, MessageID: id, Likes: likes.Count}

	if r.cfg.LikeScope == LikeScopeSender {
		s.deliver(frame)
		return
	}

	// The new count goes to the group the message was posted in. A liker
	// connected to another topic still gets its own answer.
	key := TopicKey(likes.GroupSlug)
	r.publish(s, key, frame)
	if key != s.Key() {
		s.deliver(frame)
	}
}

// handleStoreError classifies a failed gateway call. Missing rows are dropped
// silently, everything else is reported to the sender as a storage failure.
func (r *Relay) handleStoreError(s *Session, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.EventsDropped.WithLabelValues("not_found").Inc()
		s.log.Info().Err(err).Str("op", op).Msg("event references unknown record; dropped")
	case s.ctx.Err() != nil && errors.Is(err, context.Canceled):
		s.log.Debug().Str("op", op).Msg("session closed before store call started")
	default:
		metrics.EventsDropped.WithLabelValues("storage").Inc()
		metrics.StoreFailures.WithLabelValues(op).Inc()
		s.log.Error().Err(err).Str("op", op).Msg("storage failure")
		s.sendError(CodeStorageFailed, "event could not be stored")
	}
}

func (r *Relay) publish(s *Session, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal broadcast frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), r.cfg.StoreTimeout)
	defer cancel()

	if err := r.dispatcher.Publish(ctx, key, payload); err != nil {
		metrics.DeliveryFailures.WithLabelValues("publish").Inc()
		s.log.Error().Err(err).Str("topic", key).Msg("publish failed")
	}
}

// replayHistory queues the most recent messages of the session's group,
// oldest first. At most half the send buffer is used so broadcasts arriving
// right after the join still fit.
func (r *Relay) replayHistory(s *Session) {
	limit := min(r.cfg.HistoryReplay, r.cfg.SendBuffer/2)
	if limit <= 0 {
		return
	}

	var history []store.Message
	err := r.pool.Do(s.ctx, "recent_messages", func(ctx context.Context) error {
		var err error
		history, err = r.gateway.RecentMessages(ctx, s.Group(), limit)
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("history replay failed")
		return
	}

	for _, m := range history {
		s.deliver(newChatFrame(m.Content, m.Username, m.CreatedAt))
	}
}

// newSession creates a session whose Close takes it out of its topic.
func (r *Relay) newSession(parent context.Context, conn *websocket.Conn, group, addr string) *Session {
	s := newSession(parent, conn, group, addr, r.cfg, r.log)
	s.onClose = r.leave
	return s
}

// join replays history to s and then subscribes it to its topic.
func (r *Relay) join(s *Session) {
	r.replayHistory(s)
	r.registry.Add(s.Key(), s)

	// s may have been closed before it was added, in which case leave found
	// nothing to remove.
	if s.ctx.Err() != nil {
		r.registry.Remove(s.Key(), s)
	}
}

func (r *Relay) leave(s *Session) {
	r.registry.Remove(s.Key(), s)
}

// track reserves the relay wait group for the two pumps of a session. It
// fails once Shutdown has begun.
func (r *Relay) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.wg.Add(2)
	return true
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Open upgrades the request to a websocket session on group. The write pump
// runs before history is replayed, and frames are read only once the session
// has joined its topic.
func (r *Relay) Open(w http.ResponseWriter, req *http.Request, group string) (*Session, error) {
	if r.isClosed() {
		http.Error(w, "Relay is shutting down.", http.StatusServiceUnavailable)
		return nil, ErrRelayClosed
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, err
	}

	if !r.track() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return nil, ErrRelayClosed
	}

	s := r.newSession(r.ctx, conn, group, req.RemoteAddr)
	go func() {
		defer r.wg.Done()
		s.writePump()
	}()

	r.join(s)

	go func() {
		defer r.wg.Done()
		s.readPump(r.HandleFrame)
	}()
	return s, nil
}

// Shutdown closes every session and waits for their goroutines to finish,
// up to timeout.
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.log.Info().Msg("initiating relay shutdown")

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	// Sessions opened but not yet registered see their context cancelled.
	r.cancel()

	sessions := r.registry.Sessions()
	for _, s := range sessions {
		s.Close()
	}
	r.log.Info().Int("sessions", len(sessions)).Msg("closed sessions")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info().Msg("relay shutdown completed")
		return nil
	case <-time.After(timeout):
		r.log.Warn().Msg("relay shutdown timed out; some sessions may still be running")
		return context.DeadlineExceeded
	}
}
