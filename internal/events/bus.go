package events

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultHighWater is the per-subscriber queue depth that triggers a
	// slow-subscriber warning.
	DefaultHighWater = 1000

	// EventTypeWorkflow identifies decoded workflow protocol events.
	EventTypeWorkflow = "WorkflowEvent"
	// EventTypeProcessSpawn identifies subprocess start lifecycle events.
	EventTypeProcessSpawn = "ProcessSpawn"
	// EventTypeProcessExit identifies subprocess exit lifecycle events.
	EventTypeProcessExit = "ProcessExit"
	// EventTypeStderrLine identifies forwarded subprocess diagnostic lines.
	EventTypeStderrLine = "StderrLine"
	// EventTypeSessionReset identifies session state being cleared.
	EventTypeSessionReset = "SessionReset"
	// EventTypeSystemAlert identifies high-severity supervisor alerts.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	WorkflowID string
	TraceID    string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures slow-subscriber warnings.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithHighWater configures the queue depth at which a slow-subscriber
// warning is logged.
func WithHighWater(depth int) Option {
	return func(bus *InMemoryBus) {
		if depth > 0 {
			bus.highWater = depth
		}
	}
}

// WithLogger configures the log sink used for slow-subscriber warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus. Each subscriber owns
// an unbounded FIFO queue drained by its own goroutine, so every published
// event reaches every matching subscriber exactly once and in publish order.
type InMemoryBus struct {
	mu             sync.RWMutex
	pubMu          sync.Mutex
	highWater      int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
}

type subscriber struct {
	id     uint64
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscriberState(id uint64) *subscriber {
	sub := &subscriber{id: id}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (s *subscriber) push(event Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
	return len(s.queue)
}

func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	event := s.queue[0]
	s.queue = s.queue[1:]
	return event, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		highWater:    DefaultHighWater,
		logger:       log.Default(),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}
	sub := b.newSubscriber()
	if sub == nil {
		return
	}

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	sub := b.newSubscriber()
	if sub == nil {
		return
	}

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
// Concurrent publishes are serialized so every subscriber observes the same
// event order.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

// Close stops delivery and releases subscriber goroutines. Queued events are
// still handed to handlers before each consumer exits; events published after
// Close are discarded.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.wildcardSubs))
	subs = append(subs, b.wildcardSubs...)
	for _, typed := range b.typedSubs {
		subs = append(subs, typed...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, nil
	}

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	depth := sub.push(event)
	if depth == b.highWater {
		b.logger.Printf(
			"events: subscriber=%d queue reached %d pending type=%s workflow_id=%s",
			sub.id,
			depth,
			event.Type,
			event.WorkflowID,
		)
	}
}

func (b *InMemoryBus) newSubscriber() *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.nextSubscriber++
	return newSubscriberState(b.nextSubscriber)
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for {
		event, ok := sub.next()
		if !ok {
			return
		}
		handler(event)
	}
}
