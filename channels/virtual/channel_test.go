package virtual_test

import (
	"errors"
	"testing"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/channels/virtual"
)

type recorder struct {
	events []peerwasm.Event
}

func (r *recorder) handle(ev peerwasm.Event) { r.events = append(r.events, ev) }

func (r *recorder) count(t peerwasm.EventType) (n int) {
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestChannelHooks(t *testing.T) {
	var sent []peerwasm.Message
	closed := 0

	ch := virtual.New("main", virtual.Hooks{
		Send:  func(msg peerwasm.Message) { sent = append(sent, msg) },
		Close: func() { closed++ },
	})
	rec := new(recorder)
	ch.Subscribe(rec.handle)

	if err := ch.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := ch.SendText("200"); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 2 || string(sent[0].Data) != "hello" || sent[0].IsText || !sent[1].IsText {
		t.Fatalf("wrong frames forwarded to the hook: %+v", sent)
	}

	ch.Close()
	ch.Close()
	if closed != 1 {
		t.Errorf("close hook called %d times", closed)
	}
	if n := rec.count(peerwasm.EventClose); n != 1 {
		t.Errorf("close event emitted %d times", n)
	}
	if err := ch.Send([]byte("late")); !errors.Is(err, peerwasm.ErrClosed) {
		t.Errorf("send on a closed channel: want=%v got=%v", peerwasm.ErrClosed, err)
	}
}

func TestChannelHangup(t *testing.T) {
	closed := 0
	ch := virtual.New("main", virtual.Hooks{Close: func() { closed++ }})
	rec := new(recorder)
	ch.Subscribe(rec.handle)

	ch.Deliver(peerwasm.Message{Data: []byte("x")})
	ch.Hangup()
	ch.Close()
	ch.Deliver(peerwasm.Message{Data: []byte("y")})

	if closed != 0 {
		t.Error("close hook invoked after the remote side hung up")
	}
	if n := rec.count(peerwasm.EventMessage); n != 1 {
		t.Errorf("wrong number of messages: want=1 got=%d", n)
	}
	if n := rec.count(peerwasm.EventClose); n != 1 {
		t.Errorf("wrong number of close events: want=1 got=%d", n)
	}
}

func TestPipe(t *testing.T) {
	a, b := virtual.Pipe("wasm")
	ra, rb := new(recorder), new(recorder)
	a.Subscribe(ra.handle)
	b.Subscribe(rb.handle)

	a.Send([]byte("ping"))
	b.SendText("pong")

	if len(rb.events) != 1 || string(rb.events[0].Message.Data) != "ping" {
		t.Fatalf("b did not receive ping: %+v", rb.events)
	}
	if len(ra.events) != 1 || !ra.events[0].Message.IsText {
		t.Fatalf("a did not receive pong: %+v", ra.events)
	}

	b.Close()
	if ra.count(peerwasm.EventClose) != 1 || rb.count(peerwasm.EventClose) != 1 {
		t.Errorf("closing one end must close both: a=%d b=%d",
			ra.count(peerwasm.EventClose), rb.count(peerwasm.EventClose))
	}
}
