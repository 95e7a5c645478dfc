package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/imports/env"
	"github.com/stealthrocket/peerwasm/imports/wasi_snapshot_preview1"
	"github.com/stealthrocket/peerwasm/systems/peer"
	"github.com/stealthrocket/peerwasm/transfer"
	"github.com/stealthrocket/wazergo"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const guestName = "guest"

// instance is a resident module and the host modules it is linked to.
type instance struct {
	host *Host
	// ctx carries the host module instances, every call into the guest
	// uses it.
	ctx context.Context

	compiled wazero.CompiledModule
	guest    api.Module
	system   *peer.System
	wasi     *wazergo.ModuleInstance[*wasi_snapshot_preview1.Module]
	env      *wazergo.ModuleInstance[*env.Module]

	// sockets is true when sessions are accepted on the system, the module
	// imports sock_open.
	sockets bool

	onOpen    api.Function
	onMessage api.Function
	onClose   api.Function
	entry     api.Function
	resume    api.Function

	// Message announced by the ongoing onMessage call, per session.
	pending map[peerwasm.ConnID][]byte
	// Set once the module called proc_exit, no calls are made after.
	exited bool
}

func (h *Host) instantiate(ctx context.Context, mod transfer.Module) (*instance, error) {
	compiled, err := h.runtime.CompileModule(ctx, mod.Bytes)
	if err != nil {
		return nil, fmt.Errorf("compiling module: %w", err)
	}

	inst := &instance{
		host:     h,
		compiled: compiled,
		pending:  make(map[peerwasm.ConnID][]byte),
	}
	ok := false
	defer func() {
		if !ok {
			if err := inst.close(ctx); err != nil {
				h.log.Debug("releasing failed instance", zap.Error(err))
			}
		}
	}()

	for _, fn := range compiled.ImportedFunctions() {
		if moduleName, name, _ := fn.Import(); moduleName == "wasi_snapshot_preview1" && name == "sock_open" {
			inst.sockets = true
		}
	}

	inst.system = &peer.System{
		Executor: peer.ExecutorFunc(h.submit),
		Stdout:   h.config.Stdout,
		Stderr:   h.config.Stderr,
		Rand:     h.config.Rand,
		Logger:   h.log.Named("system"),
	}
	var system peerwasm.System = inst.system
	if h.config.Trace != nil {
		system = &peerwasm.Tracer{Writer: h.config.Trace, System: system}
	}

	inst.wasi, err = wazergo.Instantiate(ctx, h.runtime,
		wasi_snapshot_preview1.HostModule,
		wasi_snapshot_preview1.WithSystem(system),
		wasi_snapshot_preview1.WithResume(inst.resumed),
		wasi_snapshot_preview1.WithArgs(h.config.Args...),
		wasi_snapshot_preview1.WithEnviron(h.config.Environ...),
	)
	if err != nil {
		return nil, fmt.Errorf("instantiating wasi_snapshot_preview1: %w", err)
	}
	inst.env, err = wazergo.Instantiate(ctx, h.runtime,
		env.HostModule,
		env.WithSessions(inst),
	)
	if err != nil {
		return nil, fmt.Errorf("instantiating env: %w", err)
	}
	inst.ctx = wazergo.WithModuleInstance(wazergo.WithModuleInstance(ctx, inst.wasi), inst.env)

	config := wazero.NewModuleConfig().
		WithName(guestName).
		WithStartFunctions("_initialize")
	inst.guest, err = h.runtime.InstantiateModule(inst.ctx, compiled, config)
	if err != nil {
		return nil, fmt.Errorf("instantiating module: %w", err)
	}

	inst.onOpen = export(inst.guest, "onSessionOpen", "onopen")
	inst.onMessage = export(inst.guest, "onMessage", "onmessage")
	inst.onClose = export(inst.guest, "onSessionClose", "onclose")
	inst.entry = inst.guest.ExportedFunction("_start")
	inst.resume = export(inst.guest, "poll_resume", "_start")

	ok = true
	return inst, nil
}

func export(mod api.Module, names ...string) api.Function {
	for _, name := range names {
		if fn := mod.ExportedFunction(name); fn != nil {
			return fn
		}
	}
	return nil
}

// start runs the entry point of the module.
func (inst *instance) start() {
	inst.call(inst.entry)
}

// resumed re-enters the module after a poll completed. The ready descriptor
// was already written to the module memory, it is passed again to resume
// functions that declare a parameter.
func (inst *instance) resumed(fd peerwasm.FD) {
	if inst.resume == nil {
		inst.host.log.Warn("poll completed but the module exports no resume function")
		return
	}
	if len(inst.resume.Definition().ParamTypes()) == 1 {
		inst.call(inst.resume, api.EncodeI32(int32(fd)))
	} else {
		inst.call(inst.resume)
	}
}

func (inst *instance) open(id peerwasm.ConnID) {
	s := inst.host.newSession(id)
	if inst.sockets {
		fd, errno := inst.system.Accept(s.channel)
		if errno != peerwasm.ESUCCESS {
			inst.host.log.Warn("session refused", zap.Stringer("conn", id), zap.Error(errno))
			s.channel.Close()
			return
		}
		s.fd = fd
		s.channel.Open()
	}
	inst.call(inst.onOpen, api.EncodeI32(int32(id)))
}

func (inst *instance) message(s *session, data []byte) {
	if inst.sockets {
		s.channel.Deliver(peerwasm.Message{Data: data})
	}
	if inst.onMessage != nil {
		inst.pending[s.id] = data
		inst.call(inst.onMessage, api.EncodeI32(int32(s.id)), api.EncodeI32(int32(len(data))))
		delete(inst.pending, s.id)
	}
}

func (inst *instance) hangup(s *session) {
	delete(inst.pending, s.id)
	s.channel.Hangup()
	inst.call(inst.onClose, api.EncodeI32(int32(s.id)))
}

func (inst *instance) call(fn api.Function, params ...uint64) {
	if fn == nil || inst.exited {
		return
	}
	name := fn.Definition().Name()
	if _, err := fn.Call(inst.ctx, params...); err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			inst.exited = true
			inst.host.log.Info("module exited", zap.String("function", name), zap.Uint32("code", exit.ExitCode()))
			return
		}
		inst.host.log.Error("module call failed", zap.String("function", name), zap.Error(err))
	}
}

func (inst *instance) Send(ctx context.Context, id peerwasm.ConnID, data []byte) peerwasm.Errno {
	s := inst.host.sessions[id]
	if s == nil {
		return peerwasm.ENOTCONN
	}
	return peerwasm.MakeErrno(s.channel.Send(data))
}

func (inst *instance) Recv(ctx context.Context, id peerwasm.ConnID, buf []byte) (int, peerwasm.Errno) {
	msg, ok := inst.pending[id]
	if !ok {
		return 0, peerwasm.EAGAIN
	}
	if len(msg) > len(buf) {
		return 0, peerwasm.EMSGSIZE
	}
	delete(inst.pending, id)
	return copy(buf, msg), peerwasm.ESUCCESS
}

func (inst *instance) Close(ctx context.Context, id peerwasm.ConnID) peerwasm.Errno {
	s := inst.host.sessions[id]
	if s == nil {
		return peerwasm.ENOTCONN
	}
	if err := s.channel.Close(); err != nil {
		return peerwasm.MakeErrno(err)
	}
	return peerwasm.ESUCCESS
}

var _ env.Sessions = (*instance)(nil)

func (inst *instance) close(ctx context.Context) error {
	var err error
	if inst.guest != nil {
		err = multierr.Append(err, inst.guest.Close(ctx))
	}
	if inst.env != nil {
		err = multierr.Append(err, inst.env.Close(ctx))
	}
	// The wasi host module closes the system it was given.
	if inst.wasi != nil {
		err = multierr.Append(err, inst.wasi.Close(ctx))
	} else if inst.system != nil {
		err = multierr.Append(err, inst.system.Close(ctx))
	}
	return multierr.Append(err, inst.compiled.Close(ctx))
}
