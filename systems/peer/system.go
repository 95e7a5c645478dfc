// Package peer implements peerwasm.System on top of peer channels.
//
// Modules open listening sockets, and every session handed to the system by
// Accept becomes a connected descriptor that reads and writes whole channel
// messages. Readiness of descriptors is reported asynchronously through
// PollFDs, which schedules the module's continuation on an Executor.
package peer

import (
	"context"
	"crypto/rand"
	"io"
	"time"

	"github.com/eapache/queue"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/internal/descriptor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Executor runs functions sequentially on the goroutine that owns a System.
//
// Channel events, timer expirations and poll continuations are all submitted
// to the executor, so none of them ever runs while a call into the System is
// in progress.
type Executor interface {
	Submit(func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(func())

func (f ExecutorFunc) Submit(fn func()) { f(fn) }

// System is a peerwasm.System whose descriptors are backed by peer channels.
//
// An instance of System is not safe for concurrent use. Every method must be
// called from the goroutine driving the Executor.
type System struct {
	// Executor schedules channel events, timer ticks and poll
	// continuations. It is required.
	Executor Executor

	// Stdout and Stderr receive writes to descriptors 1 and 2. Writes are
	// discarded when they are nil.
	Stdout io.Writer
	Stderr io.Writer

	// Rand is the source for RandomGet, defaults to crypto/rand.
	Rand io.Reader

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	files descriptor.Table[peerwasm.FD, file]
	alloc *descriptor.Allocator[peerwasm.FD]

	// Listeners in the order they were opened. Sessions are queued on the
	// first one.
	listeners []peerwasm.FD
	// Sessions accepted while no listener was open.
	backlog *queue.Queue

	poll *pendingPoll
}

var _ peerwasm.System = (*System)(nil)

// file is the object a descriptor is bound to.
type file interface {
	read(iovecs []peerwasm.IOVec) (int, peerwasm.Errno)
	write(iovecs []peerwasm.IOVec) (int, peerwasm.Errno)
	close() error
	// pollable reports whether the file has a readiness gate.
	pollable() bool
	// ready reports whether the gate is open: a read would not return
	// EAGAIN.
	ready() bool
}

func (s *System) init() {
	if s.alloc != nil {
		return
	}
	s.alloc = descriptor.NewAllocator(peerwasm.FirstFD)
	s.backlog = queue.New()
	if s.Rand == nil {
		s.Rand = rand.Reader
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	s.files.Assign(peerwasm.Stdin, stdio{})
	s.files.Assign(peerwasm.Stdout, stdio{w: s.Stdout})
	s.files.Assign(peerwasm.Stderr, stdio{w: s.Stderr})
}

func (s *System) lookup(fd peerwasm.FD) (file, peerwasm.Errno) {
	s.init()
	f, ok := s.files.Lookup(fd)
	if !ok {
		return nil, peerwasm.EBADF
	}
	return f, peerwasm.ESUCCESS
}

func (s *System) FDRead(ctx context.Context, fd peerwasm.FD, iovecs []peerwasm.IOVec) (int, peerwasm.Errno) {
	f, errno := s.lookup(fd)
	if errno != peerwasm.ESUCCESS {
		return 0, errno
	}
	return f.read(iovecs)
}

func (s *System) FDWrite(ctx context.Context, fd peerwasm.FD, iovecs []peerwasm.IOVec) (int, peerwasm.Errno) {
	f, errno := s.lookup(fd)
	if errno != peerwasm.ESUCCESS {
		return 0, errno
	}
	return f.write(iovecs)
}

func (s *System) FDClose(ctx context.Context, fd peerwasm.FD) peerwasm.Errno {
	f, errno := s.lookup(fd)
	if errno != peerwasm.ESUCCESS {
		return peerwasm.ESUCCESS
	}
	s.remove(fd)
	if l, ok := f.(*listener); ok {
		s.closeListener(fd, l)
	}
	if err := f.close(); err != nil {
		s.Logger.Debug("closing descriptor", zap.Int32("fd", int32(fd)), zap.Error(err))
	}
	return peerwasm.ESUCCESS
}

// remove deletes fd from the table and wakes up a pending poll waiting on it,
// the next read of the module observes EBADF.
func (s *System) remove(fd peerwasm.FD) {
	s.files.Delete(fd)
	s.checkPoll()
}

func (s *System) RandomGet(ctx context.Context, b []byte) peerwasm.Errno {
	s.init()
	if _, err := io.ReadFull(s.Rand, b); err != nil {
		return peerwasm.EIO
	}
	return peerwasm.ESUCCESS
}

func (s *System) TimerCreate(ctx context.Context, interval time.Duration) (peerwasm.FD, peerwasm.Errno) {
	s.init()
	if interval <= 0 {
		return -1, peerwasm.EINVAL
	}
	fd, ok := s.alloc.Next()
	if !ok {
		return -1, peerwasm.EMFILE
	}
	t := newTimer(interval)
	s.files.Assign(fd, t)
	go t.run(func() {
		s.Executor.Submit(func() {
			if f, ok := s.files.Lookup(fd); ok && f == file(t) {
				t.expirations++
				s.checkPoll()
			}
		})
	})
	return fd, peerwasm.ESUCCESS
}

// Len returns the number of open descriptors, stdio included.
func (s *System) Len() int {
	s.init()
	return s.files.Len()
}

func (s *System) Close(ctx context.Context) error {
	s.init()
	var err error
	s.files.Range(func(fd peerwasm.FD, f file) bool {
		err = multierr.Append(err, f.close())
		return true
	})
	s.files.Reset()
	s.listeners = nil
	s.poll = nil
	for s.backlog.Length() > 0 {
		s.backlog.Remove()
	}
	return err
}
