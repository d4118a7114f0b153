// Package eventbus provides an in-process typed publish/subscribe bus used to
// decouple the orchestrator, session registry, file store and cleanup scheduler.
// Subscriber bookkeeping follows the same mutex-protected-slice-per-key shape as
// the old queue notifier, generalized from a fixed QueueType to event reflect.Type.
package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/coderun/dispatcher/internal/logging"
)

// Event is the marker interface implemented by every published event type.
type Event interface {
	EventName() string
}

// Handler reacts to one event. A returned error is logged and isolated; it
// never aborts delivery to sibling handlers.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]subscription
	nextID   uint64
	closed   bool
}

func New() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]subscription)}
}

// Subscribe registers a handler for the concrete type of sample. Registration
// order is preserved but dispatch order (for Publish) is not guaranteed since
// handlers run concurrently. The returned func removes the handler; calling it
// more than once is a no-op.
func (b *Bus) Subscribe(sample Event, h Handler) (unsubscribe func()) {
	t := reflect.TypeOf(sample)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[t]
			for i, s := range subs {
				if s.id == id {
					b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish invokes every handler registered for event's concrete type
// concurrently. A handler that returns an error or panics is logged and
// isolated; it never prevents delivery to its peers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	subs := b.subscribersFor(event)
	if len(subs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := b.invoke(ctx, h, event); err != nil {
				logging.Op().Error("event handler failed", "event", event.EventName(), "error", err)
			}
		}(s.handler)
	}
	wg.Wait()
}

// PublishAndWait runs handlers sequentially in registration order and returns
// the collected errors, one per failing handler.
func (b *Bus) PublishAndWait(ctx context.Context, event Event) []error {
	subs := b.subscribersFor(event)
	var errs []error
	for _, s := range subs {
		if err := b.invoke(ctx, s.handler, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Clear removes every handler registered for sample's concrete type. If
// sample is nil, every handler for every type is removed.
func (b *Bus) Clear(sample Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sample == nil {
		b.handlers = make(map[reflect.Type][]subscription)
		return
	}
	delete(b.handlers, reflect.TypeOf(sample))
}

func (b *Bus) subscribersFor(event Event) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.handlers[reflect.TypeOf(event)]
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

func (b *Bus) invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, event)
}
