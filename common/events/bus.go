package events

import (
	"sync"
	"time"
)

// DefaultBatchWindow is how long the bus buffers events for a
// subscriber before flushing a batch.
const DefaultBatchWindow = 50 * time.Millisecond

const subscriberBuffer = 64

// Bus is the in-process event hub. Subscribers join a room keyed by
// execution ID and receive batched events. Delivery is best-effort: a
// subscriber that cannot keep up loses batches instead of stalling the
// engine.
type Bus struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	window time.Duration
	closed bool
}

// Subscription receives event batches for one execution.
type Subscription struct {
	C chan []Event

	bus         *Bus
	executionID string

	mu      sync.Mutex
	pending []Event
	timer   *time.Timer
	done    bool
}

// NewBus creates an event bus with the given batch window. Zero means
// DefaultBatchWindow.
func NewBus(window time.Duration) *Bus {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &Bus{
		rooms:  make(map[string]map[*Subscription]struct{}),
		window: window,
	}
}

// Subscribe joins the room for an execution.
func (b *Bus) Subscribe(executionID string) *Subscription {
	sub := &Subscription{
		C:           make(chan []Event, subscriberBuffer),
		bus:         b,
		executionID: executionID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.C)
		sub.done = true
		return sub
	}

	room, ok := b.rooms[executionID]
	if !ok {
		room = make(map[*Subscription]struct{})
		b.rooms[executionID] = room
	}
	room[sub] = struct{}{}

	return sub
}

// Unsubscribe leaves the room and closes the subscription channel.
func (s *Subscription) Unsubscribe() {
	b := s.bus

	b.mu.Lock()
	if room, ok := b.rooms[s.executionID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(b.rooms, s.executionID)
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.C)
}

// Publish buffers the event for every subscriber of its execution and
// arms the batch flush timer.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	room := b.rooms[event.ExecutionID]
	subs := make([]*Subscription, 0, len(room))
	for sub := range room {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(event, b.window)
	}
}

// Close flushes nothing and closes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	rooms := b.rooms
	b.rooms = make(map[string]map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, room := range rooms {
		for sub := range room {
			sub.mu.Lock()
			if !sub.done {
				sub.done = true
				if sub.timer != nil {
					sub.timer.Stop()
				}
				close(sub.C)
			}
			sub.mu.Unlock()
		}
	}
}

func (s *Subscription) enqueue(event Event, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}

	s.pending = append(s.pending, event)
	if s.timer == nil {
		s.timer = time.AfterFunc(window, s.flush)
	}
}

func (s *Subscription) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.timer = nil
	done := s.done
	s.mu.Unlock()

	if done || len(batch) == 0 {
		return
	}

	// Best-effort: drop the batch when the subscriber is backed up.
	select {
	case s.C <- batch:
	default:
	}
}
