// Package progress fans orchestrator events out to at most one live
// subscriber per user. Delivery is best-effort: events published while no
// subscriber is attached, or while the subscriber's buffer is full, are
// dropped and counted.
package progress

import (
	"sync"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
)

const defaultBuffer = 64

// Notifier is the publishing side the orchestrator depends on.
type Notifier interface {
	Publish(userID string, ev domain.ProgressEvent)
}

type NotifierFunc func(userID string, ev domain.ProgressEvent)

func (f NotifierFunc) Publish(userID string, ev domain.ProgressEvent) {
	f(userID, ev)
}

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(string, domain.ProgressEvent) {})

type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	seq    uint64
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]*Subscription),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type Subscription struct {
	UserID string

	hub    *Hub
	id     uint64
	ch     chan domain.ProgressEvent
	closed bool
}

// Events is closed when the subscription ends, either through Close or
// because a newer subscription for the same user replaced it.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Subscribe attaches a new subscriber for userID, superseding any existing one.
func (h *Hub) Subscribe(userID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	sub := &Subscription{
		UserID: userID,
		hub:    h,
		id:     h.seq,
		ch:     make(chan domain.ProgressEvent, h.buffer),
	}

	if old, ok := h.subs[userID]; ok {
		old.closed = true
		close(old.ch)
		metrics.ActiveSubscriptions.Dec()
	}
	h.subs[userID] = sub
	metrics.ActiveSubscriptions.Inc()
	return sub
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if cur, ok := h.subs[s.UserID]; ok && cur.id == s.id {
		delete(h.subs, s.UserID)
	}
	metrics.ActiveSubscriptions.Dec()
}

// Publish never blocks.
func (h *Hub) Publish(userID string, ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[userID]
	if !ok {
		metrics.RecordProgressDropped("no_subscriber")
		return
	}

	select {
	case sub.ch <- ev:
	default:
		metrics.RecordProgressDropped("slow_subscriber")
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
