package env_test

import (
	"context"
	"testing"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/imports/env"
	"github.com/stealthrocket/peerwasm/internal/wasmtest"
	"github.com/stealthrocket/wazergo"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func assertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("want=%v got=%v", want, got)
	}
}

type fakeSessions struct {
	sent    map[peerwasm.ConnID][][]byte
	pending map[peerwasm.ConnID][]byte
	closed  []peerwasm.ConnID
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sent:    make(map[peerwasm.ConnID][][]byte),
		pending: make(map[peerwasm.ConnID][]byte),
	}
}

func (s *fakeSessions) Send(ctx context.Context, id peerwasm.ConnID, data []byte) peerwasm.Errno {
	if id < peerwasm.FirstConnID {
		return peerwasm.ENOTCONN
	}
	s.sent[id] = append(s.sent[id], data)
	return peerwasm.ESUCCESS
}

func (s *fakeSessions) Recv(ctx context.Context, id peerwasm.ConnID, buf []byte) (int, peerwasm.Errno) {
	msg, ok := s.pending[id]
	if !ok {
		return 0, peerwasm.EAGAIN
	}
	if len(msg) > len(buf) {
		return 0, peerwasm.EMSGSIZE
	}
	delete(s.pending, id)
	return copy(buf, msg), peerwasm.ESUCCESS
}

func (s *fakeSessions) Close(ctx context.Context, id peerwasm.ConnID) peerwasm.Errno {
	s.closed = append(s.closed, id)
	return peerwasm.ESUCCESS
}

type guest struct {
	t      *testing.T
	ctx    context.Context
	module api.Module
}

func newGuest(t *testing.T, sessions env.Sessions) *guest {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	t.Cleanup(func() { runtime.Close(ctx) })

	host := wazergo.MustInstantiate(ctx, runtime, env.HostModule, env.WithSessions(sessions))
	ctx = wazergo.WithModuleInstance(ctx, host)

	i32 := wasmtest.I32
	code := wasmtest.Trampolines(
		wasmtest.Import{Module: "env", Name: "send", Type: wasmtest.FuncType{Params: []wasmtest.ValType{i32, i32, i32}, Results: []wasmtest.ValType{i32}}},
		wasmtest.Import{Module: "env", Name: "recv", Type: wasmtest.FuncType{Params: []wasmtest.ValType{i32, i32, i32}, Results: []wasmtest.ValType{i32}}},
		wasmtest.Import{Module: "env", Name: "close", Type: wasmtest.FuncType{Params: []wasmtest.ValType{i32}, Results: []wasmtest.ValType{i32}}},
	)
	module, err := runtime.Instantiate(ctx, code)
	if err != nil {
		t.Fatal(err)
	}
	return &guest{t: t, ctx: ctx, module: module}
}

func (g *guest) call(name string, params ...uint64) int32 {
	g.t.Helper()
	results, err := g.module.ExportedFunction(name).Call(g.ctx, params...)
	if err != nil {
		g.t.Fatal(err)
	}
	return api.DecodeI32(results[0])
}

func TestSend(t *testing.T) {
	sessions := newFakeSessions()
	g := newGuest(t, sessions)

	g.module.Memory().Write(100, []byte("hello"))
	assertEqual(t, g.call("send", 7, 100, 5), 0)

	// The host owns a copy of the message.
	g.module.Memory().Write(100, []byte("HELLO"))
	assertEqual(t, string(sessions.sent[7][0]), "hello")

	assertEqual(t, g.call("send", 1, 100, 5), peerwasm.ENOTCONN.Status())
	assertEqual(t, g.call("send", 7, 65534, 5), peerwasm.EFAULT.Status())
	assertEqual(t, len(sessions.sent[7]), 1)
}

func TestRecv(t *testing.T) {
	sessions := newFakeSessions()
	g := newGuest(t, sessions)

	assertEqual(t, g.call("recv", 7, 200, 64), peerwasm.EAGAIN.Status())

	sessions.pending[7] = []byte("message")
	assertEqual(t, g.call("recv", 7, 200, 4), peerwasm.EMSGSIZE.Status())
	assertEqual(t, g.call("recv", 7, 65530, 64), peerwasm.EFAULT.Status())
	assertEqual(t, g.call("recv", 7, 200, 64), 7)

	b, _ := g.module.Memory().Read(200, 7)
	assertEqual(t, string(b), "message")
	assertEqual(t, g.call("recv", 7, 200, 64), peerwasm.EAGAIN.Status())
}

func TestClose(t *testing.T) {
	sessions := newFakeSessions()
	g := newGuest(t, sessions)

	assertEqual(t, g.call("close", 9), 0)
	assertEqual(t, len(sessions.closed), 1)
	assertEqual(t, sessions.closed[0], 9)
}

func TestSessionsRequired(t *testing.T) {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	if _, err := wazergo.Instantiate(ctx, runtime, env.HostModule); err == nil {
		t.Fatal("host module instantiated without sessions")
	}
}
