package peer

import (
	"context"
	"encoding/binary"

	"github.com/eapache/queue"
	"github.com/stealthrocket/peerwasm"
	"go.uber.org/zap"
)

// listener is a listening socket. Its queue holds the descriptors of the
// sessions that were accepted but not yet read by the module.
type listener struct {
	pending *queue.Queue
}

func (l *listener) read(iovecs []peerwasm.IOVec) (int, peerwasm.Errno) {
	if l.pending.Length() == 0 {
		return 0, peerwasm.EAGAIN
	}
	if peerwasm.SizeOf(iovecs) < 4 {
		return 0, peerwasm.EMSGSIZE
	}
	fd := l.pending.Remove().(peerwasm.FD)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(fd))
	return peerwasm.Scatter(iovecs, b[:]), peerwasm.ESUCCESS
}

func (l *listener) write([]peerwasm.IOVec) (int, peerwasm.Errno) {
	return 0, peerwasm.ENOTCONN
}

func (l *listener) close() error { return nil }

func (l *listener) pollable() bool { return true }

func (l *listener) ready() bool { return l.pending.Length() > 0 }

func (s *System) SockOpen(ctx context.Context, family peerwasm.ProtocolFamily, socketType peerwasm.SocketType) (peerwasm.FD, peerwasm.Errno) {
	s.init()
	switch family {
	case peerwasm.UnspecifiedFamily, peerwasm.InetFamily, peerwasm.Inet6Family:
	default:
		return -1, peerwasm.EAFNOSUPPORT
	}
	switch socketType {
	case peerwasm.AnySocket, peerwasm.DatagramSocket, peerwasm.StreamSocket:
	default:
		return -1, peerwasm.EPROTOTYPE
	}

	fd, ok := s.alloc.Next()
	if !ok {
		return -1, peerwasm.EMFILE
	}
	l := &listener{pending: queue.New()}
	if len(s.listeners) == 0 {
		for s.backlog.Length() > 0 {
			l.pending.Add(s.backlog.Remove())
		}
	}
	s.files.Assign(fd, l)
	s.listeners = append(s.listeners, fd)
	s.checkPoll()
	return fd, peerwasm.ESUCCESS
}

// enqueue hands an accepted session to the oldest open listener, or keeps it
// until a listener is opened.
func (s *System) enqueue(fd peerwasm.FD) {
	if len(s.listeners) == 0 {
		s.backlog.Add(fd)
		return
	}
	f, _ := s.files.Lookup(s.listeners[0])
	f.(*listener).pending.Add(fd)
	s.checkPoll()
}

// closeListener moves the sessions that the listener did not hand out to the
// next listener, or back to the backlog.
func (s *System) closeListener(fd peerwasm.FD, l *listener) {
	for i, x := range s.listeners {
		if x == fd {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	if n := l.pending.Length(); n > 0 {
		s.Logger.Debug("listener closed with pending sessions",
			zap.Int32("fd", int32(fd)),
			zap.Int("pending", n))
	}
	for l.pending.Length() > 0 {
		s.enqueue(l.pending.Remove().(peerwasm.FD))
	}
}

// withdraw drops a session that was not handed out yet from the listener
// queues and the backlog.
func (s *System) withdraw(fd peerwasm.FD) {
	for _, x := range s.listeners {
		if f, ok := s.files.Lookup(x); ok {
			discard(f.(*listener).pending, fd)
		}
	}
	discard(s.backlog, fd)
}

// discard removes fd from q, preserving the order of the other entries.
func discard(q *queue.Queue, fd peerwasm.FD) {
	for n := q.Length(); n > 0; n-- {
		if x := q.Remove(); x != fd {
			q.Add(x)
		}
	}
}
