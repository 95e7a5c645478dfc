package peer

import (
	"context"
	"slices"

	"github.com/stealthrocket/peerwasm"
)

type pendingPoll struct {
	fds    []peerwasm.FD
	resume func(peerwasm.FD)
}

func (s *System) PollFDs(ctx context.Context, fds []peerwasm.FD, resume func(peerwasm.FD)) peerwasm.Errno {
	s.init()
	if len(fds) == 0 {
		return peerwasm.EINVAL
	}
	if s.poll != nil {
		return peerwasm.EALREADY
	}
	for _, fd := range fds {
		f, ok := s.files.Lookup(fd)
		if !ok {
			return peerwasm.EBADF
		}
		if !f.pollable() {
			return peerwasm.ENOTSUP
		}
	}
	s.poll = &pendingPoll{fds: slices.Clone(fds), resume: resume}
	s.checkPoll()
	return peerwasm.ESUCCESS
}

// Polling reports whether a poll is waiting for readiness.
func (s *System) Polling() bool {
	return s.poll != nil
}

// checkPoll completes the pending poll if one of its descriptors is ready.
// Descriptors are examined in the order the module listed them and the first
// ready one wins. A descriptor that was removed counts as ready so that the
// module gets to observe EBADF.
func (s *System) checkPoll() {
	p := s.poll
	if p == nil {
		return
	}
	for _, fd := range p.fds {
		f, ok := s.files.Lookup(fd)
		if ok && !f.ready() {
			continue
		}
		s.poll = nil
		s.Executor.Submit(func() { p.resume(fd) })
		return
	}
}
