// Package eventbus implements the in-process typed pub/sub described in
// spec §4.4: per-event-type dispatch (concurrent or serialized),
// plus a suggestion barrier used by the Suggestion Arbiter (spec §4.10).
//
// Grounded on the subscribe-then-range-over-channel usage of
// host.EventBus().Subscribe in pkg/p2pnet/peermanager.go, adapted into
// a standalone bus (a generic Subscribe over a table keyed by
// reflect.Type) since corenode has no libp2p host to
// delegate to.
package eventbus

import (
	"reflect"
	"sync"
)

// Mode controls ordering guarantees for a given event type (spec §4.4).
type Mode int

const (
	// Concurrent handlers may run overlapped; no ordering is promised
	// across handlers.
	Concurrent Mode = iota
	// Serialized dispatch awaits completion of all subscribers for
	// event E_n before dispatching E_{n+1} of the same type.
	Serialized
)

// Handler receives a published event value.
type Handler func(event any)

type subscription struct {
	mode     Mode
	handlers []Handler
	mu       sync.Mutex // serializes Serialized dispatch for this type
}

// Bus is a typed, in-process publish/subscribe dispatcher.
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type]*subscription

	barriers map[string]*suggestionBarrier
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:     make(map[reflect.Type]*subscription),
		barriers: make(map[string]*suggestionBarrier),
	}
}

// Subscribe registers h to receive every event of type T. mode
// controls ordering for that type; the mode of the first
// Subscribe call for a type wins (later calls reuse it).
func Subscribe[T any](b *Bus, mode Mode, h func(T)) {
	var zero T
	t := reflect.TypeOf(zero)

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[t]
	if !ok {
		sub = &subscription{mode: mode}
		b.subs[t] = sub
	}
	sub.handlers = append(sub.handlers, func(event any) {
		h(event.(T))
	})
}

// Publish dispatches event to all subscribers of its concrete type. For
// a Serialized type, every handler finishes one event before the next
// Publish of that type dispatches. For a Concurrent type, each handler
// runs in its own goroutine per event, so publication order is not
// preserved.
func (b *Bus) Publish(event any) {
	t := reflect.TypeOf(event)

	b.mu.RLock()
	sub, ok := b.subs[t]
	b.mu.RUnlock()
	if !ok {
		return
	}

	switch sub.mode {
	case Serialized:
		sub.mu.Lock()
		defer sub.mu.Unlock()
		var wg sync.WaitGroup
		for _, h := range sub.handlers {
			wg.Add(1)
			go func(h Handler) {
				defer wg.Done()
				h(event)
			}(h)
		}
		wg.Wait()
	default: // Concurrent
		for _, h := range sub.handlers {
			go h(event)
		}
	}
}
