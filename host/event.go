package host

import (
	"fmt"

	"github.com/stealthrocket/peerwasm"
)

// Event is a notification emitted by the host on the channel returned by
// Events.
type Event interface {
	event()
}

// ReadyEvent reports that the module of a load attempt is resident.
type ReadyEvent struct {
	Attempt string
	Hash    string
	Size    int
}

// LoadFailedEvent reports that a load attempt failed and the host went back
// to being empty. Err is a *LoadError.
type LoadFailedEvent struct {
	Attempt string
	Err     error
}

// LoadIgnoredEvent reports that a load attempt arrived while another module
// was loading or resident.
type LoadIgnoredEvent struct {
	Attempt string
}

// SendEvent carries a message the module sent to a session.
type SendEvent struct {
	ID   peerwasm.ConnID
	Data []byte
}

// CloseEvent reports that the module closed a session.
type CloseEvent struct {
	ID peerwasm.ConnID
}

func (ReadyEvent) event()       {}
func (LoadFailedEvent) event()  {}
func (LoadIgnoredEvent) event() {}
func (SendEvent) event()        {}
func (CloseEvent) event()       {}

// LoadError is the error of a failed load attempt.
type LoadError struct {
	Attempt string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load attempt %s: %v", e.Attempt, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
