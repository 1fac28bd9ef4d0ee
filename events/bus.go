// Package events carries domain events between components through an
// in-process bus. Subscribers observe grants, revocations, and subscription
// lifecycle changes without coupling to the producers.
package events

import (
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeVIPGranted          = "VIP_GRANTED"
	TypeVIPExtended         = "VIP_EXTENDED"
	TypeVIPGrantFailed      = "VIP_GRANT_FAILED"
	TypeVIPRemoved          = "VIP_REMOVED"
	TypeVIPRemoveFailed     = "VIP_REMOVE_FAILED"
	TypeSubscriptionCreated = "SUBSCRIPTION_CREATED"
	TypeSubscriptionFailed  = "SUBSCRIPTION_FAILED"
	TypeSubscriptionRevoked = "SUBSCRIPTION_REVOKED"
	TypeSubscriptionStopped = "SUBSCRIPTION_STOPPED"
	TypeCredentialsInvalid  = "CREDENTIALS_INVALID"
)

// Event is one domain occurrence. Data carries event-specific context and is
// shallow-copied per subscriber so one handler cannot mutate another's view.
type Event struct {
	Type      string         `json:"type"`
	ChannelID string         `json:"channel_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a synchronous in-process publish/subscribe fan-out. Publish invokes
// subscribers inline in subscription order, so a single publisher observes
// events in FIFO order. Handlers must be fast; anything slow should hand off
// to its own goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn for every subsequent event and returns an
// unsubscribe function. Unsubscribe is idempotent.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers the event to every current subscriber. A panicking
// subscriber is logged and skipped; it does not take down the publisher or
// the remaining subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs))
	// Map iteration order is random; deliver in subscription order.
	for i := 0; i < b.next; i++ {
		if fn, ok := b.subs[i]; ok {
			handlers = append(handlers, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		ev := e
		if e.Data != nil {
			ev.Data = maps.Clone(e.Data)
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked",
						slog.Any("panic", r),
						slog.String("event_type", e.Type),
						slog.String("channel_id", e.ChannelID),
						slog.String("component", "events"))
				}
			}()
			fn(ev)
		}()
	}
}
