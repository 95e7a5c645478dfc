// Package mailbox implements unbounded single consumer queues used to pass
// messages between the goroutines of the runtime.
package mailbox

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is an unbounded FIFO of values of type T.
//
// Posting never waits for the consumer: values are buffered until they are
// received from Out. A goroutine moves values from the buffer to the output
// channel for as long as the mailbox is open.
type Mailbox[T any] struct {
	in   chan T
	out  chan T
	done chan struct{}
	once sync.Once
}

// New creates a mailbox and starts its pump goroutine.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		in:   make(chan T),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

// Post enqueues v. It returns false if the mailbox was closed.
func (m *Mailbox[T]) Post(v T) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.in <- v:
		return true
	case <-m.done:
		return false
	}
}

// Out returns the channel that values are delivered on. The channel is
// closed after Close is called; values still buffered are dropped.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

// Close stops the mailbox. It is safe to call multiple times.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)
	buffer := queue.New()

	for {
		var out chan T
		var next T

		if buffer.Length() > 0 {
			out = m.out
			next, _ = buffer.Peek().(T)
		}

		select {
		case v := <-m.in:
			buffer.Add(v)
		case out <- next:
			buffer.Remove()
		case <-m.done:
			return
		}
	}
}
