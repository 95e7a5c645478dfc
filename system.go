package peerwasm

import (
	"context"
	"time"
)

// System is the set of system calls a hosted module can perform.
//
// Every descriptor is virtual: listeners hand out sessions accepted from peer
// channels, connected descriptors read and write whole channel messages, and
// timers count expirations. Implementations are driven from a single
// goroutine and do not need to be safe for concurrent use.
type System interface {
	// SockOpen opens a listening socket. Reading from the descriptor pops
	// the next accepted session descriptor, encoded as a 4 byte little endian
	// integer.
	SockOpen(ctx context.Context, family ProtocolFamily, socketType SocketType) (FD, Errno)

	// FDRead reads the oldest pending message of fd into iovecs.
	//
	// EAGAIN is returned when nothing is pending. A message that does not fit
	// in iovecs fails with EMSGSIZE and stays pending.
	FDRead(ctx context.Context, fd FD, iovecs []IOVec) (int, Errno)

	// FDWrite sends the concatenation of iovecs as a single message.
	FDWrite(ctx context.Context, fd FD, iovecs []IOVec) (int, Errno)

	// FDClose closes fd. Closing a descriptor that does not exist succeeds.
	FDClose(ctx context.Context, fd FD) Errno

	// PollFDs waits until one of fds becomes ready and then invokes resume
	// with that descriptor, exactly once.
	//
	// PollFDs never blocks. It returns an error immediately when one of the
	// descriptors does not exist or cannot signal readiness, or when another
	// wait is already pending. Otherwise resume is scheduled to run after the
	// call returned, even if a descriptor is ready already.
	PollFDs(ctx context.Context, fds []FD, resume func(FD)) Errno

	// RandomGet fills b with random bytes.
	RandomGet(ctx context.Context, b []byte) Errno

	// TimerCreate creates a periodic timer. Reading the descriptor returns
	// the number of expirations since the last read as a 8 byte little endian
	// integer.
	TimerCreate(ctx context.Context, interval time.Duration) (FD, Errno)

	// Close releases all the descriptors.
	Close(ctx context.Context) error
}
