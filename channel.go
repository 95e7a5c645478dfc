package peerwasm

import "fmt"

// EventType is the kind of event emitted by a Channel.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Message is a single frame received on a channel.
type Message struct {
	Data   []byte
	IsText bool
}

// Event is emitted by a channel to its subscribers.
type Event struct {
	Type    EventType
	Message Message
}

// Handler receives the events of a channel.
type Handler func(Event)

// Channel is a message-oriented duplex channel.
//
// Two implementations exist: one backed by a WebRTC data channel, and an
// in-process shim whose sends and closes are forwarded to hooks. Code that
// consumes channels does not know which one it holds.
//
// A channel emits at most one EventClose. Closing a channel locally emits it
// as well, so subscribers observe the same sequence regardless of which side
// initiated the close.
type Channel interface {
	// Label returns the name the channel was created with.
	Label() string

	// Send transmits a binary frame. The slice is handed over without being
	// copied; callers must not modify it afterwards.
	Send(data []byte) error

	// SendText transmits a text frame.
	SendText(text string) error

	// Close closes the channel. Closing an already closed channel is a no-op.
	Close() error

	// Subscribe registers h to receive the channel's events and returns a
	// function that removes the subscription.
	Subscribe(h Handler) (unsubscribe func())
}
