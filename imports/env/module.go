// Package env is the host module through which callback-driven guests
// exchange messages with peer sessions.
//
// The guest exports onSessionOpen(conn), onMessage(conn, length) and
// onSessionClose(conn). While onMessage runs, the guest pulls the message it
// was notified of with recv, and it may call send or close at any time.
package env

import (
	"context"
	"fmt"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/wazergo"
	. "github.com/stealthrocket/wazergo/types"
	"github.com/tetratelabs/wazero/api"
)

const moduleName = "env"

// Sessions is the set of peer sessions a guest talks to.
type Sessions interface {
	// Send transmits data to the session. The slice is owned by the callee.
	Send(ctx context.Context, id peerwasm.ConnID, data []byte) peerwasm.Errno

	// Recv copies the message announced by the ongoing onMessage call into
	// buf. It fails with EAGAIN when no message is pending for the session
	// and with EMSGSIZE when buf is too small, in which case the message
	// stays pending.
	Recv(ctx context.Context, id peerwasm.ConnID, buf []byte) (int, peerwasm.Errno)

	// Close terminates the session.
	Close(ctx context.Context, id peerwasm.ConnID) peerwasm.Errno
}

// HostModule is a wazero host module exposing the session functions.
var HostModule wazergo.HostModule[*Module] = functions{
	"send":  sessionfn((*Module).Send, i32, i32, i32),
	"recv":  sessionfn((*Module).Recv, i32, i32, i32),
	"close": wazergo.F1((*Module).CloseSession),
}

// Option configures the host module.
type Option = wazergo.Option[*Module]

// WithSessions sets the sessions the guest exchanges messages with.
func WithSessions(sessions Sessions) Option {
	return wazergo.OptionFunc(func(m *Module) { m.Sessions = sessions })
}

type functions wazergo.Functions[*Module]

func (f functions) Name() string {
	return moduleName
}

func (f functions) Functions() wazergo.Functions[*Module] {
	return (wazergo.Functions[*Module])(f)
}

func (f functions) Instantiate(ctx context.Context, opts ...Option) (*Module, error) {
	mod := &Module{}
	wazergo.Configure(mod, opts...)
	if mod.Sessions == nil {
		return nil, fmt.Errorf("sessions not provided")
	}
	return mod, nil
}

type Module struct {
	Sessions Sessions
}

var i32 Value = Int32(0)

func sessionfn[T any](fn func(T, context.Context, api.Module, []uint64) int32, params ...Value) wazergo.Function[T] {
	return wazergo.Function[T]{
		Params:  params,
		Results: []Value{i32},
		Func: func(this T, ctx context.Context, module api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(fn(this, ctx, module, stack))
		},
	}
}

// view returns the guest memory range [ptr, ptr+length).
func view(module api.Module, ptr, length uint32) ([]byte, bool) {
	memory := module.Memory()
	if memory == nil || uint64(ptr)+uint64(length) > 1<<32-1 {
		return nil, false
	}
	return memory.Read(ptr, length)
}

// Send copies length bytes at ptr and sends them to the session. It returns
// zero or a negative status.
func (m *Module) Send(ctx context.Context, module api.Module, stack []uint64) int32 {
	id := peerwasm.ConnID(api.DecodeI32(stack[0]))
	b, ok := view(module, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if !ok {
		return peerwasm.EFAULT.Status()
	}
	return m.Sessions.Send(ctx, id, append([]byte(nil), b...)).Status()
}

// Recv stores the pending message of the session at ptr and returns its
// length, or a negative status.
func (m *Module) Recv(ctx context.Context, module api.Module, stack []uint64) int32 {
	id := peerwasm.ConnID(api.DecodeI32(stack[0]))
	b, ok := view(module, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	if !ok {
		return peerwasm.EFAULT.Status()
	}
	n, errno := m.Sessions.Recv(ctx, id, b)
	if errno != peerwasm.ESUCCESS {
		return errno.Status()
	}
	return int32(n)
}

func (m *Module) CloseSession(ctx context.Context, id Int32) Int32 {
	return Int32(m.Sessions.Close(ctx, peerwasm.ConnID(id)).Status())
}

// Close is called when the host module is closed. Sessions outlive the
// module instance and are released by their owner.
func (m *Module) Close(ctx context.Context) error {
	return nil
}
