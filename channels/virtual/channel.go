// Package virtual implements an in-process duplex channel.
//
// Virtual channels stand in for peer connections inside the execution host:
// what the module sends or closes is forwarded to hooks, and the owner of the
// channel feeds it the traffic coming from the remote side.
package virtual

import (
	"sync"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/internal/emitter"
)

// Hooks receive the operations performed on the local end of a channel.
type Hooks struct {
	// Send is called with every frame sent on the channel.
	Send func(peerwasm.Message)
	// Close is called once, when the channel is closed locally.
	Close func()
}

// Channel is a peerwasm.Channel whose outbound side is a set of hooks.
type Channel struct {
	label   string
	hooks   Hooks
	emitter emitter.Emitter
	close   sync.Once
}

// New creates a channel named label.
func New(label string, hooks Hooks) *Channel {
	return &Channel{label: label, hooks: hooks}
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) Send(data []byte) error {
	return c.send(peerwasm.Message{Data: data})
}

func (c *Channel) SendText(text string) error {
	return c.send(peerwasm.Message{Data: []byte(text), IsText: true})
}

func (c *Channel) send(msg peerwasm.Message) error {
	if c.emitter.Closed() {
		return peerwasm.ErrClosed
	}
	if c.hooks.Send != nil {
		c.hooks.Send(msg)
	}
	return nil
}

// Close invokes the close hook and emits the close event. Only the first call
// has an effect.
func (c *Channel) Close() error {
	c.close.Do(func() {
		if c.emitter.Closed() {
			return
		}
		if c.hooks.Close != nil {
			c.hooks.Close()
		}
		c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventClose})
	})
	return nil
}

func (c *Channel) Subscribe(h peerwasm.Handler) func() {
	return c.emitter.Subscribe(h)
}

// Open emits the open event.
func (c *Channel) Open() {
	c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventOpen})
}

// Deliver emits a message received from the remote side.
func (c *Channel) Deliver(msg peerwasm.Message) {
	c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventMessage, Message: msg})
}

// Hangup emits the close event on behalf of the remote side. The close hook
// is not invoked.
func (c *Channel) Hangup() {
	c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventClose})
}

var _ peerwasm.Channel = (*Channel)(nil)
