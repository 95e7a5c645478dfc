package peerwasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
)

// Errno are the error codes returned by the system calls exposed to modules.
//
// The numbering follows WASI preview 1 so that modules compiled against a
// WASI libc decode them correctly. Only the subset of codes produced by this
// runtime is declared.
type Errno uint16

const (
	// ESUCCESS indicates that no error occurred (system call completed
	// successfully).
	ESUCCESS Errno = 0

	EAFNOSUPPORT Errno = 5
	EAGAIN       Errno = 6
	EALREADY     Errno = 7
	EBADF        Errno = 8
	ECANCELED    Errno = 11
	ECONNRESET   Errno = 15
	EFAULT       Errno = 21
	EINVAL       Errno = 28
	EIO          Errno = 29
	EMFILE       Errno = 33
	EMSGSIZE     Errno = 35
	ENOENT       Errno = 44
	ENOSYS       Errno = 52
	ENOTCONN     Errno = 53
	ENOTSOCK     Errno = 57
	ENOTSUP      Errno = 58
	EPIPE        Errno = 64
	EPROTOTYPE   Errno = 67
	ETIMEDOUT    Errno = 73
	ENOTCAPABLE  Errno = 76
)

// Status returns the value reported to a module for e: zero on success and
// the negated error code otherwise.
func (e Errno) Status() int32 {
	return -int32(e)
}

func (e Errno) Error() string {
	if s, ok := errorStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", uint16(e))
}

func (e Errno) Name() string {
	if s, ok := errorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("Errno(%d)", uint16(e))
}

var errorStrings = map[Errno]string{
	ESUCCESS:     "OK",
	EAFNOSUPPORT: "Address family not supported by protocol family",
	EAGAIN:       "Try again",
	EALREADY:     "Operation already in progress",
	EBADF:        "Bad file number",
	ECANCELED:    "Operation canceled",
	ECONNRESET:   "Connection reset by peer",
	EFAULT:       "Bad address",
	EINVAL:       "Invalid argument",
	EIO:          "I/O error",
	EMFILE:       "Too many open files",
	EMSGSIZE:     "Message too long",
	ENOENT:       "No such file or directory",
	ENOSYS:       "Not implemented",
	ENOTCONN:     "Socket is not connected",
	ENOTSOCK:     "Socket operation on non-socket",
	ENOTSUP:      "Not supported",
	EPIPE:        "Broken pipe",
	EPROTOTYPE:   "Protocol wrong type for socket",
	ETIMEDOUT:    "Connection timed out",
	ENOTCAPABLE:  "Capabilities insufficient",
}

var errorNames = map[Errno]string{
	ESUCCESS:     "ESUCCESS",
	EAFNOSUPPORT: "EAFNOSUPPORT",
	EAGAIN:       "EAGAIN",
	EALREADY:     "EALREADY",
	EBADF:        "EBADF",
	ECANCELED:    "ECANCELED",
	ECONNRESET:   "ECONNRESET",
	EFAULT:       "EFAULT",
	EINVAL:       "EINVAL",
	EIO:          "EIO",
	EMFILE:       "EMFILE",
	EMSGSIZE:     "EMSGSIZE",
	ENOENT:       "ENOENT",
	ENOSYS:       "ENOSYS",
	ENOTCONN:     "ENOTCONN",
	ENOTSOCK:     "ENOTSOCK",
	ENOTSUP:      "ENOTSUP",
	EPIPE:        "EPIPE",
	EPROTOTYPE:   "EPROTOTYPE",
	ETIMEDOUT:    "ETIMEDOUT",
	ENOTCAPABLE:  "ENOTCAPABLE",
}

// ErrClosed is returned by channels that were already closed.
var ErrClosed = errors.New("channel closed")

// MakeErrno converts a Go error into an error code reported to modules.
// Errors that do not have a natural translation map to EIO.
func MakeErrno(err error) Errno {
	if err == nil {
		return ESUCCESS
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ECANCELED
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ETIMEDOUT
	case errors.Is(err, ErrClosed), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return EPIPE
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	}
	return EIO
}
