package peer

import (
	"github.com/eapache/queue"
	"github.com/stealthrocket/peerwasm"
	"go.uber.org/zap"
)

// conn is a descriptor connected to a peer channel. Binary messages received
// on the channel are buffered until the module reads them; text frames are
// control traffic and never reach the module.
type conn struct {
	channel     peerwasm.Channel
	messages    *queue.Queue
	unsubscribe func()
}

func (c *conn) read(iovecs []peerwasm.IOVec) (int, peerwasm.Errno) {
	if c.messages.Length() == 0 {
		return 0, peerwasm.EAGAIN
	}
	msg := c.messages.Peek().([]byte)
	if len(msg) > peerwasm.SizeOf(iovecs) {
		return 0, peerwasm.EMSGSIZE
	}
	c.messages.Remove()
	return peerwasm.Scatter(iovecs, msg), peerwasm.ESUCCESS
}

func (c *conn) write(iovecs []peerwasm.IOVec) (int, peerwasm.Errno) {
	data := peerwasm.Gather(iovecs)
	if err := c.channel.Send(data); err != nil {
		return 0, peerwasm.MakeErrno(err)
	}
	return len(data), peerwasm.ESUCCESS
}

func (c *conn) close() error {
	c.unsubscribe()
	return c.channel.Close()
}

func (c *conn) pollable() bool { return true }

func (c *conn) ready() bool { return c.messages.Length() > 0 }

// Accept registers a session channel and queues its descriptor on the oldest
// open listener. The channel's events are processed on the executor. It
// fails with EMFILE when no descriptor is left.
func (s *System) Accept(channel peerwasm.Channel) (peerwasm.FD, peerwasm.Errno) {
	s.init()
	fd, ok := s.alloc.Next()
	if !ok {
		return -1, peerwasm.EMFILE
	}
	c := &conn{channel: channel, messages: queue.New()}
	s.files.Assign(fd, c)

	c.unsubscribe = channel.Subscribe(func(ev peerwasm.Event) {
		s.Executor.Submit(func() { s.handle(fd, c, ev) })
	})
	s.enqueue(fd)
	return fd, peerwasm.ESUCCESS
}

func (s *System) handle(fd peerwasm.FD, c *conn, ev peerwasm.Event) {
	if f, ok := s.files.Lookup(fd); !ok || f != file(c) {
		return
	}
	switch ev.Type {
	case peerwasm.EventMessage:
		if ev.Message.IsText {
			return
		}
		c.messages.Add(ev.Message.Data)
		s.checkPoll()
	case peerwasm.EventClose:
		s.Logger.Debug("session closed", zap.Int32("fd", int32(fd)))
		c.unsubscribe()
		s.withdraw(fd)
		s.remove(fd)
	}
}
