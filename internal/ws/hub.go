// Package ws fans deployment log events out to live subscribers and adapts
// them onto websocket and SSE transports.
package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/splax/deployflow/internal/domain"
)

// DefaultBuffer is the per-subscriber queue capacity used when none is given.
const DefaultBuffer = 256

// ErrSubscriptionClosed is returned by Next once the subscription has been closed.
var ErrSubscriptionClosed = errors.New("ws: subscription closed")

// Hub keeps one topic per deployment. Publishing to one deployment never
// contends with another, and a slow subscriber only loses its own events.
type Hub struct {
	topics sync.Map // deploymentID -> *topic
	buffer int
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates a Hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer}
}

// Subscribe attaches a new subscription to deploymentID. Events published
// after Subscribe returns are delivered to it.
func (h *Hub) Subscribe(deploymentID string) *Subscription {
	sub := &Subscription{
		hub:          h,
		deploymentID: deploymentID,
		queue:        make([]domain.LogEvent, h.buffer),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for {
		v, _ := h.topics.LoadOrStore(deploymentID, &topic{subs: make(map[*Subscription]struct{})})
		t := v.(*topic)
		t.mu.Lock()
		if t.closed {
			// lost the race with the last unsubscribe; the topic is being removed
			t.mu.Unlock()
			continue
		}
		t.subs[sub] = struct{}{}
		t.mu.Unlock()
		return sub
	}
}

// Publish delivers event to every current subscriber of its deployment. It
// never blocks on a subscriber.
func (h *Hub) Publish(event domain.LogEvent) {
	v, ok := h.topics.Load(event.DeploymentID)
	if !ok {
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		sub.push(event)
	}
}

// Subscribers reports the number of live subscriptions for deploymentID.
func (h *Hub) Subscribers(deploymentID string) int {
	v, ok := h.topics.Load(deploymentID)
	if !ok {
		return 0
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	v, ok := h.topics.Load(sub.deploymentID)
	if !ok {
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	delete(t.subs, sub)
	if len(t.subs) == 0 && !t.closed {
		t.closed = true
		h.topics.CompareAndDelete(sub.deploymentID, t)
	}
	t.mu.Unlock()
}

// Subscription is one consumer's bounded view of a deployment's live events.
// When the queue is full the oldest event is dropped.
type Subscription struct {
	hub          *Hub
	deploymentID string

	mu    sync.Mutex
	queue []domain.LogEvent
	head  int
	size  int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// DeploymentID returns the deployment this subscription follows.
func (s *Subscription) DeploymentID() string { return s.deploymentID }

// Dropped reports how many events were discarded because the consumer fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) push(event domain.LogEvent) {
	s.mu.Lock()
	capacity := len(s.queue)
	if s.size == capacity {
		s.head = (s.head + 1) % capacity
		s.size--
		s.dropped.Add(1)
	}
	s.queue[(s.head+s.size)%capacity] = event
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (domain.LogEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return domain.LogEvent{}, false
	}
	event := s.queue[s.head]
	s.queue[s.head] = domain.LogEvent{}
	s.head = (s.head + 1) % len(s.queue)
	s.size--
	return event, true
}

// Next blocks until an event is available, the context ends, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (domain.LogEvent, error) {
	for {
		if event, ok := s.pop(); ok {
			return event, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return domain.LogEvent{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return domain.LogEvent{}, ctx.Err()
		}
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.unsubscribe(s)
		close(s.done)
	})
}
