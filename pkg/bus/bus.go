package bus

import (
	"sync"

	"github.com/yysun/agent-world/pkg/logger"
)

// maxQueuedDroppable bounds how many shed-eligible frames may sit in a
// subscriber's queue before new chunk frames are dropped. Non-droppable
// events are always queued.
const maxQueuedDroppable = 256

// Subscription is one subscriber's handle on a topic. Events arrive on C in
// publish order. Cancel is idempotent; after Cancel no further events are
// delivered and C is closed.
type Subscription struct {
	C chan Event

	topic Topic
	bus   *Bus
	id    int

	mu     sync.Mutex
	queue  []Event
	queued int // droppable events currently queued
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscription(b *Bus, topic Topic, id int) *Subscription {
	return &Subscription{
		C:     make(chan Event),
		topic: topic,
		bus:   b,
		id:    id,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Cancel removes the subscription from its bus.
func (s *Subscription) Cancel() {
	if s.bus != nil {
		s.bus.unsubscribe(s.topic, s.id)
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

// enqueue appends an event without blocking the publisher. Droppable events
// are shed when the queue is saturated.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.droppable() {
		if s.queued >= maxQueuedDroppable {
			s.mu.Unlock()
			return
		}
		s.queued++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver drains the queue into C in FIFO order until cancelled.
func (s *Subscription) deliver() {
	defer close(s.C)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.queued = 0
		s.mu.Unlock()

		for _, ev := range pending {
			select {
			case s.C <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// Bus is one world's event bus: three multi-subscriber broadcast topics with
// no retention.
type Bus struct {
	worldID string

	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]*Subscription
	closed bool
}

// New creates a bus for one world.
func New(worldID string) *Bus {
	return &Bus{
		worldID: worldID,
		subs:    make(map[Topic]map[int]*Subscription),
	}
}

// WorldID returns the owning world's id.
func (b *Bus) WorldID() string { return b.worldID }

// Subscribe registers a new subscriber on a topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription(b, topic, b.nextID)
	b.nextID++

	if b.closed {
		// Destroyed bus: hand back an already-cancelled subscription.
		sub.closed = true
		close(sub.done)
		close(sub.C)
		return sub
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	go sub.deliver()
	return sub
}

// Publish delivers an event to every subscriber registered on the topic at
// publish time. It never blocks on slow subscribers.
func (b *Bus) Publish(topic Topic, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		sub.enqueue(ev)
	}
}

func (b *Bus) unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subs[topic]; subs != nil {
		delete(subs, id)
	}
}

// Destroy cancels every subscription and marks the bus dead. Further
// publishes are no-ops.
func (b *Bus) Destroy() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[Topic]map[int]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.done)
			}
			sub.mu.Unlock()
		}
	}
}

// Registry tracks one bus per world, created lazily and destroyed on world
// delete. It encapsulates the process-wide worldID -> bus map.
type Registry struct {
	mu    sync.Mutex
	buses map[string]*Bus
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{buses: make(map[string]*Bus)}
}

// Get returns the world's bus, creating it on first use.
func (r *Registry) Get(worldID string) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buses[worldID]
	if !ok {
		b = New(worldID)
		r.buses[worldID] = b
		logger.DebugCF("bus", "bus created", map[string]interface{}{"world": worldID})
	}
	return b
}

// Destroy tears down the world's bus, cancelling all subscriptions.
func (r *Registry) Destroy(worldID string) {
	r.mu.Lock()
	b, ok := r.buses[worldID]
	delete(r.buses, worldID)
	r.mu.Unlock()
	if ok {
		b.Destroy()
		logger.DebugCF("bus", "bus destroyed", map[string]interface{}{"world": worldID})
	}
}
