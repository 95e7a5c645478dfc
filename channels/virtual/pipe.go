package virtual

import "github.com/stealthrocket/peerwasm"

// Pipe returns the two ends of a connected pair of channels. Frames sent on
// one end are delivered on the other, and closing one end hangs up the other.
// Both ends are open when Pipe returns; open events are not emitted.
func Pipe(label string) (a, b *Channel) {
	a = New(label, Hooks{})
	b = New(label, Hooks{})
	a.hooks = Hooks{
		Send:  func(msg peerwasm.Message) { b.Deliver(msg) },
		Close: b.Hangup,
	}
	b.hooks = Hooks{
		Send:  func(msg peerwasm.Message) { a.Deliver(msg) },
		Close: a.Hangup,
	}
	return a, b
}
