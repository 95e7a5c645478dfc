package host_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/host"
	"github.com/stealthrocket/peerwasm/internal/wasmtest"
	"github.com/stealthrocket/peerwasm/transfer"
	"go.uber.org/zap/zaptest"
)

func assertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("want=%v got=%v", want, got)
	}
}

func module(b []byte) transfer.Module {
	return transfer.Module{Bytes: b, Hash: transfer.Hash(b)}
}

func start(t *testing.T, config host.Config) *host.Host {
	t.Helper()
	config.Logger = zaptest.NewLogger(t)
	h := host.New(config)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Error(err)
		}
	})
	return h
}

func next(t *testing.T, h *host.Host) host.Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for host event")
		return nil
	}
}

// flush waits until the host processed every request posted before.
func flush(t *testing.T, h *host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Do(ctx, func() {}); err != nil {
		t.Fatal(err)
	}
}

func assertNoEvent(t *testing.T, h *host.Host) {
	t.Helper()
	flush(t, h)
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func load(t *testing.T, h *host.Host, attempt string, b []byte) host.ReadyEvent {
	t.Helper()
	h.Load(attempt, module(b))
	ev, ok := next(t, h).(host.ReadyEvent)
	if !ok {
		t.Fatalf("module not ready: %#v", ev)
	}
	return ev
}

func assertSend(t *testing.T, h *host.Host, id peerwasm.ConnID, data string) {
	t.Helper()
	ev, ok := next(t, h).(host.SendEvent)
	if !ok {
		t.Fatalf("not a send event: %#v", ev)
	}
	assertEqual(t, ev.ID, id)
	assertEqual(t, string(ev.Data), data)
}

func assertClose(t *testing.T, h *host.Host, id peerwasm.ConnID) {
	t.Helper()
	ev, ok := next(t, h).(host.CloseEvent)
	if !ok {
		t.Fatalf("not a close event: %#v", ev)
	}
	assertEqual(t, ev.ID, id)
}

func TestLoadReady(t *testing.T) {
	h := start(t, host.Config{})
	assertEqual(t, h.Residency(), peerwasm.Empty)

	b := wasmtest.CallbackEcho()
	ev := load(t, h, "first", b)
	assertEqual(t, ev.Attempt, "first")
	assertEqual(t, ev.Hash, transfer.Hash(b))
	assertEqual(t, ev.Size, len(b))
	assertEqual(t, h.Residency(), peerwasm.Ready)

	info, ok := h.Module()
	assertEqual(t, ok, true)
	assertEqual(t, info.Hash, ev.Hash)
}

func TestSecondLoadIgnored(t *testing.T) {
	h := start(t, host.Config{})
	first := load(t, h, "first", wasmtest.CallbackEcho())

	h.Load("second", module(wasmtest.SocketEcho()))
	ev, ok := next(t, h).(host.LoadIgnoredEvent)
	assertEqual(t, ok, true)
	assertEqual(t, ev.Attempt, "second")

	info, _ := h.Module()
	assertEqual(t, info.Hash, first.Hash)
	assertEqual(t, h.Residency(), peerwasm.Ready)
}

func TestLoadFailure(t *testing.T) {
	h := start(t, host.Config{})

	h.Load("broken", module([]byte("\x00asm garbage")))
	ev, ok := next(t, h).(host.LoadFailedEvent)
	if !ok {
		t.Fatalf("load did not fail: %#v", ev)
	}
	assertEqual(t, ev.Attempt, "broken")

	var loadError *host.LoadError
	assertEqual(t, errors.As(ev.Err, &loadError), true)
	assertEqual(t, loadError.Attempt, "broken")
	assertEqual(t, h.Residency(), peerwasm.Empty)

	_, ok = h.Module()
	assertEqual(t, ok, false)

	// The host modules of the failed attempt were released, a new attempt
	// can link against fresh ones.
	load(t, h, "retry", wasmtest.SocketEcho())
}

func TestOpenWithoutModule(t *testing.T) {
	h := start(t, host.Config{})
	h.Open(3)
	assertClose(t, h, 3)
}

func TestCallbackSessions(t *testing.T) {
	h := start(t, host.Config{})
	load(t, h, "callbacks", wasmtest.CallbackEcho())

	h.Open(7)
	assertSend(t, h, 7, wasmtest.Greeting)

	h.Message(7, []byte("ping"))
	assertSend(t, h, 7, "ping")

	h.Open(8)
	assertSend(t, h, 8, wasmtest.Greeting)
	h.Message(8, []byte("pong"))
	assertSend(t, h, 8, "pong")
	flush(t, h)
	assertEqual(t, h.Sessions(), 2)

	h.Message(7, []byte{wasmtest.CloseByte})
	assertClose(t, h, 7)

	// Remote closes are not reported back.
	h.Close(8)
	assertNoEvent(t, h)
	assertEqual(t, h.Sessions(), 0)

	h.Message(8, []byte("late"))
	assertNoEvent(t, h)
}

func TestSocketSessions(t *testing.T) {
	trace := new(bytes.Buffer)
	h := start(t, host.Config{Trace: trace})
	load(t, h, "sockets", wasmtest.SocketEcho())

	h.Open(3)
	h.Open(4)
	assertNoEvent(t, h)

	h.Message(3, []byte("abc"))
	assertSend(t, h, 3, "abc")

	h.Message(4, []byte("xyz"))
	assertSend(t, h, 4, "xyz")

	h.Message(3, []byte("one"))
	h.Message(3, []byte("two"))
	assertSend(t, h, 3, "one")
	assertSend(t, h, 3, "two")

	h.Message(3, []byte{wasmtest.CloseByte})
	assertClose(t, h, 3)

	h.Close(4)
	assertNoEvent(t, h)
	assertEqual(t, h.Sessions(), 0)

	h.Open(5)
	h.Message(5, []byte("again"))
	assertSend(t, h, 5, "again")

	flush(t, h)
	for _, call := range []string{"SockOpen(", "PollFDs(", "FDRead(", "FDWrite(", "FDClose("} {
		if !strings.Contains(trace.String(), call) {
			t.Errorf("%s missing from trace:\n%s", call, trace)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := start(t, host.Config{Registerer: reg})
	load(t, h, "metrics", wasmtest.CallbackEcho())

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
		if family.GetName() == "peerwasm_host_residency" {
			assertEqual(t, family.GetMetric()[0].GetGauge().GetValue(), float64(peerwasm.Ready))
		}
	}
	assertEqual(t, found["peerwasm_host_residency"], true)
	assertEqual(t, found["peerwasm_host_compile_duration_seconds"], true)
}
