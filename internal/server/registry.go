// Package server keeps the topic registry: which sessions are subscribed to
// which topic key, and fan-out of payloads to them.
package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/grouprelay/internal/metrics"
)

// Registry maps topic keys to the sessions subscribed to them.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[*Session]struct{}
	log    zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		topics: make(map[string]map[*Session]struct{}),
		log:    log,
	}
}

// Add subscribes s to key. It reports whether s was newly added; adding a
// session that is already present is a no-op.
func (r *Registry) Add(key string, s *Session) bool {
	if s == nil {
		return false
	}

	r.mu.Lock()
	set, ok := r.topics[key]
	if !ok {
		set = make(map[*Session]struct{})
		r.topics[key] = set
		metrics.TopicsActive.Inc()
	}
	if _, exists := set[s]; exists {
		r.mu.Unlock()
		return false
	}
	set[s] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	r.log.Info().Str("topic", key).Str("session", s.ID()).Int("sessions", count).Msg("session joined topic")
	return true
}

// Remove unsubscribes s from key and drops the topic once it is empty.
// It reports whether s was present.
func (r *Registry) Remove(key string, s *Session) bool {
	r.mu.Lock()
	set, ok := r.topics[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, exists := set[s]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(set, s)
	count := len(set)
	if count == 0 {
		delete(r.topics, key)
		metrics.TopicsActive.Dec()
	}
	r.mu.Unlock()

	metrics.SessionsActive.Dec()
	r.log.Info().Str("topic", key).Str("session", s.ID()).Int("sessions", count).Msg("session left topic")
	return true
}

// snapshot returns the sessions of key at this instant.
func (r *Registry) snapshot(key string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.topics[key])
}

// Broadcast enqueues payload on every session subscribed to key and returns
// how many accepted it. The registry lock is not held while enqueueing.
// Sessions that cannot accept the payload are evicted and closed.
func (r *Registry) Broadcast(key string, payload []byte) int {
	sessions := r.snapshot(key)
	if len(sessions) == 0 {
		return 0
	}

	metrics.Broadcasts.Inc()

	delivered := 0
	var failed []*Session
	for _, s := range sessions {
		if err := s.enqueue(payload); err != nil {
			r.recordFailure(key, s, err)
			failed = append(failed, s)
			continue
		}
		delivered++
	}

	r.removeFailed(key, failed)
	return delivered
}

func (r *Registry) recordFailure(key string, s *Session, err error) {
	reason := "closed"
	if errors.Is(err, ErrSlowConsumer) {
		reason = "slow_consumer"
	}
	metrics.DeliveryFailures.WithLabelValues(reason).Inc()
	r.log.Warn().Err(err).Str("topic", key).Str("session", s.ID()).Msg("delivery failed")
}

// removeFailed evicts sessions that failed to receive a broadcast.
func (r *Registry) removeFailed(key string, failed []*Session) {
	for _, s := range failed {
		r.Remove(key, s)
		s.Close()
	}
}

// Count returns the number of sessions subscribed to key.
func (r *Registry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[key])
}

// Topics returns the keys that have at least one session, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	keys := lo.Keys(r.topics)
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Sessions returns every registered session across all topics.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Session
	for _, set := range r.topics {
		all = append(all, lo.Keys(set)...)
	}
	return all
}
