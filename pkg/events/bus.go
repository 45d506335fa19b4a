package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/models"
)

// Publisher is the minimal surface components need to emit events.
// A nil Publisher is valid; use Publish to guard.
type Publisher interface {
	Publish(event models.Event)
}

// Publish emits event on bus if bus is non-nil.
func Publish(bus Publisher, event models.Event) {
	if bus != nil {
		bus.Publish(event)
	}
}

// Subscriber handles one event. Subscribers that need to do slow work should
// hand off to their own goroutine; delivery is sequential.
type Subscriber func(event models.Event)

// Bus is a typed in-process publish/subscribe bus. Publishing invokes
// subscribers for the event's kind sequentially, in subscription order.
// Subscriber panics are recovered and logged; they never interrupt delivery.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[models.EventKind][]Subscriber
	logger      *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[models.EventKind][]Subscriber),
		logger:      logger.Named("events"),
	}
}

var _ Publisher = (*Bus)(nil)

// Subscribe registers fn for events of the given kind.
func (b *Bus) Subscribe(kind models.EventKind, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], fn)
}

// SubscribeAsync registers fn to run on its own goroutine per event. Use for
// slow subscribers that must not delay the rest of the chain.
func (b *Bus) SubscribeAsync(kind models.EventKind, fn Subscriber) {
	b.Subscribe(kind, func(event models.Event) {
		go fn(event)
	})
}

// Publish delivers event to every subscriber of its kind, in subscription
// order.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Kind()]
	b.mu.RUnlock()

	for _, fn := range subs {
		b.invoke(fn, event)
	}
}

func (b *Bus) invoke(fn Subscriber, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.String("kind", string(event.Kind())),
				zap.Any("panic", r))
		}
	}()
	fn(event)
}

// SubscriberCount returns the number of subscribers for a kind.
func (b *Bus) SubscriberCount(kind models.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[kind])
}
