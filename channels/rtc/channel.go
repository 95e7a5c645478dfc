// Package rtc adapts WebRTC data channels to peerwasm.Channel.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/internal/emitter"
)

// Channel wraps a *webrtc.DataChannel.
//
// Pion invokes the data channel callbacks on its own goroutines; subscribers
// are expected to hand the events over to their owner instead of doing work
// in the handler.
type Channel struct {
	dc      *webrtc.DataChannel
	emitter emitter.Emitter
	close   sync.Once
}

// New wraps dc. The adapter installs the open, message and close callbacks of
// dc, which must not be replaced afterwards.
func New(dc *webrtc.DataChannel) *Channel {
	c := &Channel{dc: dc}
	dc.OnOpen(func() {
		c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.emitter.Emit(peerwasm.Event{
			Type:    peerwasm.EventMessage,
			Message: peerwasm.Message{Data: msg.Data, IsText: msg.IsString},
		})
	})
	dc.OnClose(func() {
		c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventClose})
	})
	return c
}

func (c *Channel) Label() string { return c.dc.Label() }

// IsOpen reports whether the data channel is open.
func (c *Channel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// DataChannel returns the underlying data channel.
func (c *Channel) DataChannel() *webrtc.DataChannel { return c.dc }

func (c *Channel) Send(data []byte) error {
	if c.emitter.Closed() {
		return peerwasm.ErrClosed
	}
	return c.dc.Send(data)
}

func (c *Channel) SendText(text string) error {
	if c.emitter.Closed() {
		return peerwasm.ErrClosed
	}
	return c.dc.SendText(text)
}

// Close closes the data channel and emits the close event right away; pion
// does not always report locally initiated closes.
func (c *Channel) Close() (err error) {
	c.close.Do(func() {
		err = c.dc.Close()
		c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventClose})
	})
	return err
}

// Hangup emits the close event without closing the data channel. It is used
// when the owning peer connection failed.
func (c *Channel) Hangup() {
	c.emitter.Emit(peerwasm.Event{Type: peerwasm.EventClose})
}

func (c *Channel) Subscribe(h peerwasm.Handler) func() {
	return c.emitter.Subscribe(h)
}

var _ peerwasm.Channel = (*Channel)(nil)
