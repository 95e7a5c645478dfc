package peer

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/stealthrocket/peerwasm"
)

type timer struct {
	interval    time.Duration
	expirations uint64
	stop        chan struct{}
	once        sync.Once
}

func newTimer(interval time.Duration) *timer {
	return &timer{interval: interval, stop: make(chan struct{})}
}

// run calls tick on every expiration until the timer is closed.
func (t *timer) run(tick func()) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-t.stop:
			return
		}
	}
}

func (t *timer) read(iovecs []peerwasm.IOVec) (int, peerwasm.Errno) {
	if t.expirations == 0 {
		return 0, peerwasm.EAGAIN
	}
	if peerwasm.SizeOf(iovecs) < 8 {
		return 0, peerwasm.EMSGSIZE
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], t.expirations)
	t.expirations = 0
	return peerwasm.Scatter(iovecs, b[:]), peerwasm.ESUCCESS
}

func (t *timer) write([]peerwasm.IOVec) (int, peerwasm.Errno) {
	return 0, peerwasm.EINVAL
}

func (t *timer) close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}

func (t *timer) pollable() bool { return true }

func (t *timer) ready() bool { return t.expirations > 0 }
