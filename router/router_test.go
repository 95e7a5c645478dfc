package router_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/channels/virtual"
	"github.com/stealthrocket/peerwasm/host"
	"github.com/stealthrocket/peerwasm/internal/wasmtest"
	"github.com/stealthrocket/peerwasm/router"
	"github.com/stealthrocket/peerwasm/transfer"
	"go.uber.org/zap/zaptest"
)

func assertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("want=%v got=%v", want, got)
	}
}

type fixture struct {
	host   *host.Host
	router *router.Router
}

func start(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	h := host.New(host.Config{Logger: log})
	r := router.New(router.Config{Host: h, Logger: log, MaxModuleSize: 1 << 20})

	ctx, cancel := context.WithCancel(context.Background())
	hostDone := make(chan error, 1)
	routerDone := make(chan error, 1)
	go func() { hostDone <- h.Run(ctx) }()
	go func() { routerDone <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-routerDone; err != nil {
			t.Error(err)
		}
		if err := <-hostDone; err != nil {
			t.Error(err)
		}
	})
	return &fixture{host: h, router: r}
}

// peer is the remote end of a channel accepted by the router.
type peer struct {
	t       *testing.T
	channel *virtual.Channel
	events  chan peerwasm.Event
}

func newPeer(t *testing.T, label string) (*peer, *virtual.Channel) {
	local, remote := virtual.Pipe(label)
	p := &peer{t: t, channel: local, events: make(chan peerwasm.Event, 64)}
	local.Subscribe(func(ev peerwasm.Event) { p.events <- ev })
	return p, remote
}

func (f *fixture) connect(t *testing.T) (*peer, peerwasm.ConnID) {
	p, remote := newPeer(t, "main")
	id := f.router.Accept(remote)
	remote.Open()
	return p, id
}

func (f *fixture) upload(t *testing.T, module []byte) *peer {
	p, remote := newPeer(t, "wasm")
	f.router.Upload(remote)
	if err := transfer.Send(p.channel, module, 0); err != nil {
		t.Fatal(err)
	}
	return p
}

func (p *peer) next() peerwasm.Event {
	p.t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(5 * time.Second):
		p.t.Fatal("timeout waiting for channel event")
		return peerwasm.Event{}
	}
}

func (p *peer) expectText(text string) {
	p.t.Helper()
	ev := p.next()
	assertEqual(p.t, ev.Type, peerwasm.EventMessage)
	assertEqual(p.t, ev.Message.IsText, true)
	assertEqual(p.t, string(ev.Message.Data), text)
}

func (p *peer) expectBinary(data string) {
	p.t.Helper()
	ev := p.next()
	assertEqual(p.t, ev.Type, peerwasm.EventMessage)
	assertEqual(p.t, ev.Message.IsText, false)
	assertEqual(p.t, string(ev.Message.Data), data)
}

func (p *peer) expectClose() {
	p.t.Helper()
	assertEqual(p.t, p.next().Type, peerwasm.EventClose)
}

func (p *peer) send(data string) {
	p.t.Helper()
	if err := p.channel.Send([]byte(data)); err != nil {
		p.t.Fatal(err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestParkedUntilReady(t *testing.T) {
	f := start(t)

	a, id := f.connect(t)
	assertEqual(t, id, peerwasm.FirstConnID)
	a.expectText("404")

	// Binary frames of parked channels do not reach anything.
	a.send("dropped")

	up := f.upload(t, wasmtest.CallbackEcho())
	up.expectClose()

	a.expectText("200")
	a.expectBinary(wasmtest.Greeting)

	a.send("ping")
	a.expectBinary("ping")
	assertEqual(t, f.host.Residency(), peerwasm.Ready)
}

// lateOpener is a channel that becomes open while the router subscribes to
// it, after the router registered it, without emitting an open event.
type lateOpener struct {
	*virtual.Channel
	router *router.Router
	open   atomic.Bool
}

func (c *lateOpener) Subscribe(h peerwasm.Handler) func() {
	for c.router.Connections() == 0 {
		time.Sleep(time.Millisecond)
	}
	c.open.Store(true)
	return c.Channel.Subscribe(h)
}

func (c *lateOpener) IsOpen() bool { return c.open.Load() }

func TestOpenedWhileSubscribing(t *testing.T) {
	f := start(t)

	p, remote := newPeer(t, "main")
	f.router.Accept(&lateOpener{Channel: remote, router: f.router})
	p.expectText("404")
}

func TestAcceptWhenReady(t *testing.T) {
	f := start(t)
	f.upload(t, wasmtest.CallbackEcho()).expectClose()
	eventually(t, func() bool { return f.host.Residency() == peerwasm.Ready })

	a, first := f.connect(t)
	a.expectText("200")
	a.expectBinary(wasmtest.Greeting)

	b, second := f.connect(t)
	b.expectText("200")
	b.expectBinary(wasmtest.Greeting)
	assertEqual(t, second, first+1)

	// Text frames on primary channels are ignored.
	if err := b.channel.SendText("hello"); err != nil {
		t.Fatal(err)
	}
	b.send("world")
	b.expectBinary("world")

	a.send("again")
	a.expectBinary("again")
	assertEqual(t, f.router.Connections(), 2)
}

func TestUploadNotNeeded(t *testing.T) {
	f := start(t)
	f.upload(t, wasmtest.CallbackEcho()).expectClose()

	up := f.upload(t, wasmtest.SocketEcho())
	up.expectText("204")
	up.expectClose()

	// The resident module is still the first one.
	a, _ := f.connect(t)
	a.expectText("200")
	a.expectBinary(wasmtest.Greeting)
}

func TestFailedUploadKeepsHostEmpty(t *testing.T) {
	f := start(t)

	a, _ := f.connect(t)
	a.expectText("404")

	f.upload(t, []byte("not a module")).expectClose()
	assertEqual(t, f.host.Residency(), peerwasm.Empty)

	f.upload(t, wasmtest.CallbackEcho()).expectClose()
	a.expectText("200")
	a.expectBinary(wasmtest.Greeting)
}

func TestRejectedUpload(t *testing.T) {
	f := start(t)

	p, remote := newPeer(t, "wasm")
	f.router.Upload(remote)
	p.send("binary before announcement")
	p.expectClose()
	assertEqual(t, f.host.Residency(), peerwasm.Empty)
}

func TestModuleClosesConnection(t *testing.T) {
	f := start(t)
	f.upload(t, wasmtest.SocketEcho()).expectClose()

	a, _ := f.connect(t)
	a.expectText("200")
	a.send("echo")
	a.expectBinary("echo")

	a.send(string([]byte{wasmtest.CloseByte}))
	a.expectClose()
	eventually(t, func() bool { return f.router.Connections() == 0 })
	eventually(t, func() bool { return f.host.Sessions() == 0 })
}

func TestRemoteClose(t *testing.T) {
	f := start(t)
	f.upload(t, wasmtest.SocketEcho()).expectClose()

	a, _ := f.connect(t)
	a.expectText("200")
	b, _ := f.connect(t)
	b.expectText("200")
	eventually(t, func() bool { return f.host.Sessions() == 2 })

	if err := a.channel.Close(); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return f.router.Connections() == 1 })
	eventually(t, func() bool { return f.host.Sessions() == 1 })

	b.send("still here")
	b.expectBinary("still here")
}

func TestStatusHandler(t *testing.T) {
	f := start(t)
	module := wasmtest.CallbackEcho()
	f.upload(t, module).expectClose()

	a, _ := f.connect(t)
	a.expectText("200")

	server := httptest.NewServer(f.router.StatusHandler())
	defer server.Close()

	res, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	assertEqual(t, res.StatusCode, http.StatusOK)

	var status router.Status
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, status.Residency, "ready")
	assertEqual(t, status.Hash, transfer.Hash(module))
	assertEqual(t, status.Size, len(module))
	assertEqual(t, status.Connections, 1)

	res, err = http.Post(server.URL, "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	assertEqual(t, res.StatusCode, http.StatusMethodNotAllowed)
}
