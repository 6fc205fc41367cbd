package events

import (
	"sync"

	"github.com/aluengo/zagal/pkg/models"
)

const defaultSubscriberBuffer = 256

// Subscription is one consumer's view of a task's event channel. C is
// closed when the task's stream ends or the subscription is cancelled.
type Subscription struct {
	C      <-chan models.AgentEvent
	ch     chan models.AgentEvent
	taskID string
	bus    *Bus
	once   sync.Once
}

// Cancel detaches the subscription: no further events are delivered.
// Safe to call twice and safe to call after the stream has been closed.
// The channel itself is only ever closed by the publishing side (Close),
// so an in-flight Publish can never hit a closed channel.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
}

// Bus delivers events to all current subscribers of a task's channel.
// Delivery is at-most-once per subscriber and best-effort: a slow or
// absent subscriber never blocks the publishing task executor.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a consumer for taskID's events. buffer <= 0 uses the
// default. Events published while the buffer is full are dropped for that
// subscriber only.
func (b *Bus) Subscribe(taskID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan models.AgentEvent, buffer)
	sub := &Subscription{C: ch, ch: ch, taskID: taskID, bus: b}

	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], sub)
	b.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[sub.taskID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.taskID]) == 0 {
		delete(b.subs, sub.taskID)
	}
	b.mu.Unlock()
}

// Publish delivers the event to all current subscribers of taskID.
func (b *Bus) Publish(taskID string, ev models.AgentEvent) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[taskID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close ends taskID's stream: all current subscriber channels are closed
// after any buffered events are drained by their consumers.
func (b *Bus) Close(taskID string) {
	b.mu.Lock()
	subs := b.subs[taskID]
	delete(b.subs, taskID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// SubscriberCount returns the number of active subscribers for taskID.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}
