package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/rs/zerolog/log"
)

// DefaultHubCapacity is how many messages a subscriber may fall behind before
// the oldest ones are dropped.
const DefaultHubCapacity = 20

var (
	ErrClosed = errors.New("subscription closed")
	ErrLagged = errors.New("subscription lagged")
)

// LaggedError reports how many messages a slow subscription missed.
// It matches ErrLagged with errors.Is.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscription lagged: %d messages skipped", e.Skipped)
}

func (e *LaggedError) Is(target error) bool { return target == ErrLagged }

// Hub fans every published message out to all current subscriptions.
// Publishing happens under one lock, so all subscribers observe the same order.
type Hub struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Subscription]struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultHubCapacity
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish queues msg for every subscription and returns how many received it.
// It never waits on a subscriber; with no subscribers it does nothing.
func (h *Hub) Publish(msg *domain.Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(msg)
	}
	return len(h.subs)
}

// Subscribe returns a cursor over every message published after this call.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:    h,
		buf:    make([]*domain.Message, h.capacity),
		notify: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	log.Debug().Str("module", "app.hub").Int("subscribers", n).Msg("subscribed")
	return s
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	log.Debug().Str("module", "app.hub").Int("subscribers", n).Msg("unsubscribed")
}

// Subscription is one subscriber's bounded ring of pending messages.
type Subscription struct {
	hub    *Hub
	notify chan struct{}

	mu      sync.Mutex
	buf     []*domain.Message
	head    int
	size    int
	skipped uint64
	closed  bool
}

// push is called with the hub lock held.
func (s *Subscription) push(msg *domain.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.size == len(s.buf) {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.skipped++
	}
	s.buf[(s.head+s.size)%len(s.buf)] = msg
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until the next message is available, ctx is done, or the
// subscription is closed. After falling behind it returns a *LaggedError once,
// then continues with the oldest message still buffered.
func (s *Subscription) Recv(ctx context.Context) (*domain.Message, error) {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return nil, ErrClosed
		case s.skipped > 0:
			n := s.skipped
			s.skipped = 0
			s.mu.Unlock()
			return nil, &LaggedError{Skipped: n}
		case s.size > 0:
			msg := s.buf[s.head]
			s.buf[s.head] = nil
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close detaches the subscription from the hub. It is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.unsubscribe(s)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
