// Package events implements the gateway's single-process EventBus: a
// typed publish/subscribe mechanism used for config-change propagation
// and service-lifecycle signals between otherwise-decoupled components.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Kind is one of the closed enumeration of event kinds the bus carries.
// Payload shape is fixed per kind; see the Payload types below.
type Kind string

// Recognized event kinds (spec.md §4.1).
const (
	KindServiceConnected        Kind = "service:connected"
	KindServiceDisconnected     Kind = "service:disconnected"
	KindServiceConnectionFailed Kind = "service:connection:failed"
	KindConfigUpdated           Kind = "config:updated"
	KindRestartRequested        Kind = "restart:requested"
	KindRestartStarted          Kind = "restart:started"
	KindRestartCompleted        Kind = "restart:completed"
	KindRestartFailed           Kind = "restart:failed"
	KindEndpointStatusChanged   Kind = "endpoint:status:changed"
	KindHealthChanged           Kind = "health:changed"
)

// ConfigScope is the payload discriminant for KindConfigUpdated.
type ConfigScope string

// Recognized config-update scopes.
const (
	ScopeFull        ConfigScope = "full"
	ScopeCustomMCP   ConfigScope = "customMCP"
	ScopeServerTools ConfigScope = "serverTools"
)

// Event is one item on the bus: a kind plus its fixed-shape payload. ID
// is a unique correlation id assigned at Publish time, present so a
// panicking handler (or any other log line touching this event) can be
// traced back to the exact publish that produced it.
type Event struct {
	ID      string
	Kind    Kind
	Payload any
}

// Handler receives events for the kind it subscribed to.
type Handler func(Event)

// Handle identifies a subscription for later Unsubscribe.
type Handle struct {
	id   uint64
	kind Kind
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a single process-wide EventBus instance. Dispatch is
// asynchronous and ordered: Publish enqueues the event and returns
// immediately; a single background goroutine drains the queue in FIFO
// order and, for each event, invokes that kind's subscribers in
// subscription order. A handler that panics is recovered and logged;
// it never aborts sibling handlers or the dispatch loop.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[Kind][]subscription
	nextID uint64

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// New constructs a Bus and starts its dispatch loop. queueSize bounds how
// far Publish can run ahead of dispatch before it starts to block
// (0 or negative uses a sensible default).
func New(logger *slog.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	b := &Bus{
		logger: logger.With("component", "eventbus"),
		subs:   make(map[Kind][]subscription),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Subscribe registers handler for events of kind, in subscription order.
// Returns a Handle usable with Unsubscribe.
func (b *Bus) Subscribe(kind Kind, handler Handler) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	return Handle{id: id, kind: kind}
}

// Unsubscribe removes a previously registered handler. Unsubscribing an
// unknown or already-removed handle is a no-op.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[h.kind]
	for i, s := range subs {
		if s.id == h.id {
			b.subs[h.kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues payload under kind for asynchronous delivery. It
// never blocks on subscriber handlers; it only blocks if the internal
// queue is saturated (a backstop against runaway producers, not the
// common case).
func (b *Bus) Publish(kind Kind, payload any) {
	select {
	case <-b.done:
		b.logger.Warn("publish after destroy ignored", "kind", kind)
		return
	default:
	}
	select {
	case b.queue <- Event{ID: uuid.NewString(), Kind: kind, Payload: payload}:
	case <-b.done:
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[ev.Kind]))
	copy(subs, b.subs[ev.Kind])
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s, ev)
	}
}

func (b *Bus) invoke(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "eventID", ev.ID, "kind", ev.Kind, "recovered", r)
		}
	}()
	s.handler(ev)
}

// Destroy deterministically tears down the dispatch loop and all
// subscribers. Safe to call more than once; subsequent Publish calls are
// dropped with a warning rather than panicking.
func (b *Bus) Destroy(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	doneWaiting := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(doneWaiting)
	}()
	select {
	case <-doneWaiting:
	case <-ctx.Done():
	}
}
