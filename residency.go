package peerwasm

import "fmt"

// Residency is the state of the module slot of an execution host.
//
// The only transitions are Empty to Loading, Loading to Ready on success,
// and Loading back to Empty on failure. Ready is terminal.
type Residency int32

const (
	Empty Residency = iota
	Loading
	Ready
)

func (r Residency) String() string {
	switch r {
	case Empty:
		return "empty"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("Residency(%d)", int32(r))
	}
}
