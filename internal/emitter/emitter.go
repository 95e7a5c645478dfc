// Package emitter holds the subscriber bookkeeping shared by the channel
// implementations.
package emitter

import (
	"sync"

	"github.com/stealthrocket/peerwasm"
)

// Emitter dispatches channel events to subscribers. Handlers are invoked
// without holding the internal lock, so they may subscribe, unsubscribe or
// close the channel.
//
// Once a close event was emitted, the emitter drops every later event.
type Emitter struct {
	mutex    sync.Mutex
	handlers map[uint64]peerwasm.Handler
	order    []uint64
	next     uint64
	closed   bool
}

// Subscribe registers h and returns a function removing it.
func (e *Emitter) Subscribe(h peerwasm.Handler) func() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[uint64]peerwasm.Handler)
	}
	id := e.next
	e.next++
	e.handlers[id] = h
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mutex.Lock()
			defer e.mutex.Unlock()
			delete(e.handlers, id)
			for i, x := range e.order {
				if x == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to the subscribers in subscription order. It returns false
// if the event was dropped because the close event was already emitted.
func (e *Emitter) Emit(ev peerwasm.Event) bool {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return false
	}
	if ev.Type == peerwasm.EventClose {
		e.closed = true
	}
	handlers := make([]peerwasm.Handler, 0, len(e.order))
	for _, id := range e.order {
		handlers = append(handlers, e.handlers[id])
	}
	e.mutex.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return true
}

// Closed reports whether the close event was emitted.
func (e *Emitter) Closed() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}
