// Package events carries per-session status and checklist notifications from
// the broker to live event-stream consumers.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Event types published by the broker.
const (
	TypeStatusUpdate    = "status.update"
	TypeChecklistUpdate = "checklist.update"
)

// Event is one session notification.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Bus is a per-session publish/subscribe channel. Publish must only be
// called after the corresponding state change is durable, so a subscriber
// observing an event can rely on the state it describes.
type Bus interface {
	Publish(sessionID uuid.UUID, ev Event) error
	// Subscribe returns a receive channel for the session plus an
	// unsubscribe func. The channel is closed on unsubscribe.
	Subscribe(sessionID uuid.UUID) (<-chan Event, func())
	Close()
}

// subscriberBuffer bounds each subscriber channel; slow consumers drop
// events rather than stalling the broker.
const subscriberBuffer = 16

// eventChan is a subscriber channel whose close is serialized against
// concurrent sends. Senders may run on dispatch goroutines the bus does
// not control, so an unguarded close would race a send in flight.
type eventChan struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEventChan() *eventChan {
	return &eventChan{ch: make(chan Event, subscriberBuffer)}
}

// send delivers ev unless the channel is closed; a full buffer drops.
func (e *eventChan) send(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}

func (e *eventChan) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}

// MemoryBus is an in-process Bus for single-instance deployments and tests.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID][]chan Event
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uuid.UUID][]chan Event)}
}

func (b *MemoryBus) Publish(sessionID uuid.UUID, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(sessionID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[sessionID]
			for i, c := range chans {
				if c == ch {
					b.subs[sessionID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, id)
	}
}
