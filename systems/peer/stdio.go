package peer

import (
	"io"

	"github.com/stealthrocket/peerwasm"
)

// stdio backs descriptors 0 to 2. Reads always report end of file and writes
// go to w. Stdio has no readiness gate.
type stdio struct {
	w io.Writer
}

func (s stdio) read([]peerwasm.IOVec) (int, peerwasm.Errno) {
	return 0, peerwasm.ESUCCESS
}

func (s stdio) write(iovecs []peerwasm.IOVec) (int, peerwasm.Errno) {
	if s.w == nil {
		return peerwasm.SizeOf(iovecs), peerwasm.ESUCCESS
	}
	n, err := s.w.Write(peerwasm.Gather(iovecs))
	if err != nil {
		return n, peerwasm.EIO
	}
	return n, peerwasm.ESUCCESS
}

func (s stdio) close() error { return nil }

func (s stdio) pollable() bool { return false }

func (s stdio) ready() bool { return false }
