package peerwasm

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Tracer wraps a System to log calls.
type Tracer struct {
	Writer io.Writer
	System
}

func (t *Tracer) SockOpen(ctx context.Context, family ProtocolFamily, socketType SocketType) (FD, Errno) {
	t.printf("SockOpen(%s, %s) => ", family, socketType)
	fd, errno := t.System.SockOpen(ctx, family, socketType)
	if errno == ESUCCESS {
		t.printf("%d", fd)
	} else {
		t.printErrno(errno)
	}
	t.printf("\n")
	return fd, errno
}

func (t *Tracer) FDRead(ctx context.Context, fd FD, iovecs []IOVec) (int, Errno) {
	t.printf("FDRead(%d, [%d]byte) => ", fd, SizeOf(iovecs))
	n, errno := t.System.FDRead(ctx, fd, iovecs)
	if errno == ESUCCESS {
		t.printIOVecs(iovecs, n)
	} else {
		t.printErrno(errno)
	}
	t.printf("\n")
	return n, errno
}

func (t *Tracer) FDWrite(ctx context.Context, fd FD, iovecs []IOVec) (int, Errno) {
	t.printf("FDWrite(%d, ", fd)
	t.printIOVecs(iovecs, -1)
	t.printf(") => ")
	n, errno := t.System.FDWrite(ctx, fd, iovecs)
	if errno == ESUCCESS {
		t.printf("%d", n)
	} else {
		t.printErrno(errno)
	}
	t.printf("\n")
	return n, errno
}

func (t *Tracer) FDClose(ctx context.Context, fd FD) Errno {
	t.printf("FDClose(%d) => ", fd)
	errno := t.System.FDClose(ctx, fd)
	t.printErrno(errno)
	t.printf("\n")
	return errno
}

func (t *Tracer) PollFDs(ctx context.Context, fds []FD, resume func(FD)) Errno {
	t.printf("PollFDs(%v) => ", fds)
	errno := t.System.PollFDs(ctx, fds, func(fd FD) {
		t.printf("PollFDs(%v) resumed => %d\n", fds, fd)
		resume(fd)
	})
	if errno == ESUCCESS {
		t.printf("pending")
	} else {
		t.printErrno(errno)
	}
	t.printf("\n")
	return errno
}

func (t *Tracer) RandomGet(ctx context.Context, b []byte) Errno {
	t.printf("RandomGet([%d]byte) => ", len(b))
	errno := t.System.RandomGet(ctx, b)
	t.printErrno(errno)
	t.printf("\n")
	return errno
}

func (t *Tracer) TimerCreate(ctx context.Context, interval time.Duration) (FD, Errno) {
	t.printf("TimerCreate(%s) => ", interval)
	fd, errno := t.System.TimerCreate(ctx, interval)
	if errno == ESUCCESS {
		t.printf("%d", fd)
	} else {
		t.printErrno(errno)
	}
	t.printf("\n")
	return fd, errno
}

func (t *Tracer) Close(ctx context.Context) error {
	t.printf("Close() => ")
	err := t.System.Close(ctx)
	if err != nil {
		t.printf("%s\n", err)
	} else {
		t.printf("ok\n")
	}
	return err
}

func (t *Tracer) printf(msg string, args ...interface{}) {
	fmt.Fprintf(t.Writer, msg, args...)
}

func (t *Tracer) printErrno(errno Errno) {
	t.printf("%s (%s)", errno.Name(), errno.Error())
}

// printIOVecs prints the first size bytes of iovecs, or all of them when size
// is negative.
func (t *Tracer) printIOVecs(iovecs []IOVec, size int) {
	b := make([]byte, 0, maxBytes)
	for _, iov := range iovecs {
		if size >= 0 && len(iov) > size {
			iov = iov[:size]
		}
		if size >= 0 {
			size -= len(iov)
		}
		b = append(b, iov...)
		if len(b) > maxBytes {
			break
		}
	}
	t.printBytes(b)
}

const maxBytes = 32

func (t *Tracer) printBytes(b []byte) {
	n := len(b)
	if n > maxBytes {
		b = b[:maxBytes]
	}
	t.printf("[%d]byte(%s", n, strconv.QuoteToASCII(string(b)))
	if n > maxBytes {
		t.printf("...")
	}
	t.printf(")")
}
