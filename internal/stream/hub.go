// Package stream fans job status updates out to live subscribers. Each key
// (one job) has an ordered list of sessions; updates are delivered in the
// exact order they were published, and a slow subscriber never blocks the
// publisher.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/metrics"
)

const defaultQueueSize = 32

// Config controls per-subscriber buffering.
type Config struct {
	// QueueSize bounds each session's delivery queue (default 32).
	QueueSize int
	// Logger is optional; nil means no logging.
	Logger *zap.Logger
}

// Hub is the per-key broadcast fan-out. Publish for a given key must come
// from a single goroutine at a time (the registry publishes under its
// per-key lock), which is what makes the overflow policy lossless for
// terminal events.
type Hub struct {
	mu       sync.Mutex
	sessions map[string][]*Session
	queue    int
	logger   *zap.Logger
}

// Session is one subscriber's live feed for a single key. Read from C until
// it closes; the channel always delivers the terminal snapshot last.
type Session struct {
	key string
	ch  chan job.Record
	hub *Hub

	// mu serializes delivery against shutdown so a detaching client can
	// never race a publisher into a send on the closed channel.
	mu     sync.Mutex
	closed bool
}

// NewHub constructs a Hub.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string][]*Session),
		queue:    cfg.QueueSize,
		logger:   logger,
	}
}

// Subscribe attaches a new session for key and queues the snapshot as the
// session's first event, so late joiners reconstruct state before any live
// update. If the snapshot is already terminal the session is closed right
// after the replay and never registered.
func (h *Hub) Subscribe(key string, snapshot job.Record) *Session {
	s := &Session{
		key: key,
		ch:  make(chan job.Record, h.queue),
		hub: h,
	}
	s.ch <- snapshot
	if snapshot.Terminal() {
		s.shutdown()
		return s
	}

	h.mu.Lock()
	h.sessions[key] = append(h.sessions[key], s)
	h.mu.Unlock()
	metrics.StreamSessionOpened()
	return s
}

// Publish delivers rec to every session subscribed to key, preserving the
// order of Publish calls. When rec is terminal all sessions for the key are
// closed after delivery and the key is dropped.
func (h *Hub) Publish(key string, rec job.Record) {
	h.mu.Lock()
	subs := h.sessions[key]
	if rec.Terminal() {
		delete(h.sessions, key)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(rec)
		if rec.Terminal() && s.shutdown() {
			metrics.StreamSessionClosed()
		}
	}
}

// deliver enqueues rec without blocking. On overflow the oldest queued event
// is dropped in favor of the newest ("coalesce to latest"). A terminal event
// can never be the dropped one: once published it is the last event for the
// key, and the freed slot guarantees the enqueue below succeeds.
func (s *Session) deliver(rec job.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// The client detached between the publisher's snapshot of the
		// subscriber list and this delivery.
		return
	}
	select {
	case s.ch <- rec:
		return
	default:
	}
	select {
	case <-s.ch:
		metrics.StreamEventCoalesced()
	default:
	}
	select {
	case s.ch <- rec:
	default:
		s.hub.logger.Warn("stream session dropped event", zap.String("key", s.key))
	}
}

// shutdown closes the delivery channel exactly once and reports whether this
// call was the one that did it.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// C returns the session's delivery channel.
func (s *Session) C() <-chan job.Record {
	return s.ch
}

// Close detaches the session from the hub. It is safe to call after the hub
// has already closed the session on a terminal event, and safe to call
// concurrently with Publish.
func (s *Session) Close() {
	h := s.hub
	h.mu.Lock()
	subs := h.sessions[s.key]
	for i, candidate := range subs {
		if candidate == s {
			h.sessions[s.key] = append(subs[:i], subs[i+1:]...)
			if len(h.sessions[s.key]) == 0 {
				delete(h.sessions, s.key)
			}
			break
		}
	}
	h.mu.Unlock()
	if s.shutdown() {
		metrics.StreamSessionClosed()
	}
}

// SubscriberCount reports the number of live sessions for key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[key])
}
