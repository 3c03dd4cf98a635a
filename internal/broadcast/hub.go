// Package broadcast fans status events out to live subscribers. Delivery is
// best effort: each subscriber has a bounded queue that drops its oldest
// event on overflow, and nothing is replayed after a reconnect.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/syncd/internal/types"
)

// DefaultQueueSize is the per-subscriber queue length used when none is set.
const DefaultQueueSize = 256

// ErrClosed is returned by Next once the subscription has been closed or
// replaced by a newer subscription with the same id.
var ErrClosed = errors.New("subscription closed")

// Stats reports hub activity for health checks.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Hub routes published events to matching subscriptions.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	seq       map[string]uint64
	queueSize int
	now       func() time.Time

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub whose subscribers buffer up to queueSize events.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      make(map[string]*Subscription),
		seq:       make(map[string]uint64),
		queueSize: queueSize,
		now:       time.Now,
	}
}

// Subscribe registers interest in operationIDs; an empty list means every
// operation. An existing subscription with the same id is closed and
// replaced, which is how reconnecting clients re-send their interest set.
func (h *Hub) Subscribe(subscriberID string, operationIDs []string) *Subscription {
	sub := h.Attach(subscriberID)
	if len(operationIDs) == 0 {
		sub.Watch("")
		return sub
	}
	for _, id := range operationIDs {
		sub.Watch(id)
	}
	return sub
}

// Attach registers a subscription with no interests yet.
func (h *Hub) Attach(subscriberID string) *Subscription {
	sub := &Subscription{
		id:     subscriberID,
		hub:    h,
		ids:    make(map[string]bool),
		queue:  make([]types.StatusEvent, h.queueSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	old := h.subs[subscriberID]
	h.subs[subscriberID] = sub
	h.mu.Unlock()

	if old != nil {
		old.shutdown()
		slog.Debug("subscription replaced",
			"component", "broadcast",
			"subscriber_id", subscriberID,
		)
	}
	return sub
}

// Unsubscribe removes a subscriber. It reports whether one was registered.
func (h *Hub) Unsubscribe(subscriberID string) bool {
	h.mu.Lock()
	sub, ok := h.subs[subscriberID]
	delete(h.subs, subscriberID)
	h.mu.Unlock()

	if ok {
		sub.shutdown()
	}
	return ok
}

// Publish assigns the next per-operation sequence number, stamps the event
// if needed and enqueues it on every matching subscription without
// blocking. Events without an operation id go to every subscriber.
func (h *Hub) Publish(evt types.StatusEvent) types.StatusEvent {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq[evt.OperationID]++
	evt.Sequence = h.seq[evt.OperationID]
	h.published.Add(1)

	for _, sub := range h.subs {
		if sub.interested(evt.OperationID) {
			sub.enqueue(evt)
		}
	}
	return evt
}

// Forget drops the sequence counter of a deleted operation.
func (h *Hub) Forget(operationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seq, operationID)
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.subs)
	h.mu.Unlock()
	return Stats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if h.subs[sub.id] == sub {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()
}

// Subscription is one subscriber's registration and event queue.
type Subscription struct {
	id  string
	hub *Hub

	mu      sync.Mutex
	all     bool
	ids     map[string]bool
	queue   []types.StatusEvent // ring buffer
	head    int
	count   int
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// Watch adds an operation to the interest set. An empty id means all
// operations.
func (s *Subscription) Watch(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if operationID == "" {
		s.all = true
		return
	}
	s.ids[operationID] = true
}

// Unwatch removes an operation from the interest set. An empty id clears
// the whole set, including a previous watch on all operations.
func (s *Subscription) Unwatch(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if operationID == "" {
		s.all = false
		s.ids = make(map[string]bool)
		return
	}
	delete(s.ids, operationID)
}

// Interests returns whether the subscription watches everything and the
// sorted explicit ids.
func (s *Subscription) Interests() (all bool, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return s.all, ids
}

// Dropped returns how many events this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Next blocks until an event is available, the subscription is closed or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (types.StatusEvent, error) {
	for {
		s.mu.Lock()
		if s.count > 0 {
			evt := s.queue[s.head]
			s.queue[s.head] = types.StatusEvent{}
			s.head = (s.head + 1) % len(s.queue)
			s.count--
			s.mu.Unlock()
			return evt, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return types.StatusEvent{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return types.StatusEvent{}, ctx.Err()
		}
	}
}

// Close unregisters the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.count = 0
	close(s.done)
}

func (s *Subscription) interested(operationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return operationID == "" || s.all || s.ids[operationID]
}

func (s *Subscription) enqueue(evt types.StatusEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.count == len(s.queue) {
		s.head = (s.head + 1) % len(s.queue)
		s.count--
		s.dropped++
		s.hub.dropped.Add(1)
	}
	s.queue[(s.head+s.count)%len(s.queue)] = evt
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
