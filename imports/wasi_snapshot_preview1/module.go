package wasi_snapshot_preview1

import (
	"context"
	"fmt"
	"time"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/wazergo"
	. "github.com/stealthrocket/wazergo/types"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

const moduleName = "wasi_snapshot_preview1"

// HostModule is a wazero host module exposing the peer socket system calls.
//
// The host module manages the interaction between the host and the guest
// module: it decodes arguments, checks every pointer against the bounds of
// the guest memory, and calls out to the peerwasm.System provided via the
// WithSystem host module Option. The system never accesses guest memory
// beyond the iovecs it is given.
//
// Failures are reported to the guest as negative status codes; a guest never
// faults because of a bad pointer passed to a system call.
var HostModule wazergo.HostModule[*Module] = functions{
	"args_get":          memfn((*Module).ArgsGet, i32, i32),
	"args_sizes_get":    memfn((*Module).ArgsSizesGet, i32, i32),
	"environ_get":       memfn((*Module).EnvironGet, i32, i32),
	"environ_sizes_get": memfn((*Module).EnvironSizesGet, i32, i32),
	"clock_time_get":    memfn((*Module).ClockTimeGet, i32, i64, i32),
	"fd_close":          wazergo.F1((*Module).FDClose),
	"fd_read":           memfn((*Module).FDRead, i32, i32, i32, i32),
	"fd_write":          memfn((*Module).FDWrite, i32, i32, i32, i32),
	"poll_fds":          memfn((*Module).PollFDs, i32, i32, i32),
	"proc_exit":         procExitShape((*Module).ProcExit),
	"random_get":        memfn((*Module).RandomGet, i32, i32),
	"sched_yield":       wazergo.F0((*Module).SchedYield),
	"sock_open":         memfn((*Module).SockOpen, i32, i32, i32),
	"timer_create":      wazergo.F1((*Module).TimerCreate),
}

// Option configures the host module.
type Option = wazergo.Option[*Module]

// WithSystem sets the system call implementation.
func WithSystem(system peerwasm.System) Option {
	return wazergo.OptionFunc(func(m *Module) { m.System = system })
}

// WithResume sets the function invoked after a pending poll_fds completed and
// the ready descriptor was stored in guest memory. The function is expected
// to re-enter the guest.
func WithResume(resume func(peerwasm.FD)) Option {
	return wazergo.OptionFunc(func(m *Module) { m.Resume = resume })
}

// WithArgs sets the command line arguments visible to the guest.
func WithArgs(args ...string) Option {
	return wazergo.OptionFunc(func(m *Module) { m.Args = args })
}

// WithEnviron sets the environment visible to the guest, as KEY=VALUE pairs.
func WithEnviron(environ ...string) Option {
	return wazergo.OptionFunc(func(m *Module) { m.Environ = environ })
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
	if mod.System == nil {
		return nil, fmt.Errorf("system implementation not provided")
	}
	return mod, nil
}

type Module struct {
	System  peerwasm.System
	Resume  func(peerwasm.FD)
	Args    []string
	Environ []string

	iovecs []peerwasm.IOVec
	fds    []peerwasm.FD
}

func (m *Module) ArgsGet(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	return storeStrings(mod.Memory(), m.Args, u32(stack[0]), u32(stack[1]))
}

func (m *Module) ArgsSizesGet(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	return countStrings(mod.Memory(), m.Args, u32(stack[0]), u32(stack[1]))
}

func (m *Module) EnvironGet(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	return storeStrings(mod.Memory(), m.Environ, u32(stack[0]), u32(stack[1]))
}

func (m *Module) EnvironSizesGet(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	return countStrings(mod.Memory(), m.Environ, u32(stack[0]), u32(stack[1]))
}

func (m *Module) ClockTimeGet(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	now, errno := peerwasm.ClockID(api.DecodeU32(stack[0])).Now()
	if errno != peerwasm.ESUCCESS {
		return errno
	}
	if !writeUint64(mod.Memory(), u32(stack[2]), uint64(now)) {
		return peerwasm.EFAULT
	}
	return peerwasm.ESUCCESS
}

func (m *Module) FDClose(ctx context.Context, fd Int32) Int32 {
	return Int32(m.System.FDClose(ctx, peerwasm.FD(fd)).Status())
}

func (m *Module) FDRead(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	fd := peerwasm.FD(api.DecodeI32(stack[0]))
	memory := mod.Memory()
	nread := u32(stack[3])

	iovecs, errno := m.loadIOVecs(memory, u32(stack[1]), u32(stack[2]))
	if errno != peerwasm.ESUCCESS {
		return errno
	}
	if !writable(memory, nread, 4) {
		return peerwasm.EFAULT
	}
	n, errno := m.System.FDRead(ctx, fd, iovecs)
	if errno != peerwasm.ESUCCESS {
		return errno
	}
	memory.WriteUint32Le(nread, uint32(n))
	return peerwasm.ESUCCESS
}

func (m *Module) FDWrite(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	fd := peerwasm.FD(api.DecodeI32(stack[0]))
	memory := mod.Memory()
	nwritten := u32(stack[3])

	iovecs, errno := m.loadIOVecs(memory, u32(stack[1]), u32(stack[2]))
	if errno != peerwasm.ESUCCESS {
		return errno
	}
	if !writable(memory, nwritten, 4) {
		return peerwasm.EFAULT
	}
	n, errno := m.System.FDWrite(ctx, fd, iovecs)
	if errno != peerwasm.ESUCCESS {
		return errno
	}
	memory.WriteUint32Le(nwritten, uint32(n))
	return peerwasm.ESUCCESS
}

// PollFDs registers a wait on the descriptors listed at fds_ptr. The call
// returns immediately; once a descriptor is ready its number is stored at
// out_fd_ptr and the Resume function re-enters the guest.
func (m *Module) PollFDs(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	memory := mod.Memory()
	fdsPtr, nfds, out := u32(stack[0]), u32(stack[1]), u32(stack[2])
	if nfds > maxPollFDs {
		return peerwasm.EINVAL
	}
	if !writable(memory, out, 4) {
		return peerwasm.EFAULT
	}
	b, ok := read(memory, fdsPtr, 4*uint64(nfds))
	if !ok {
		return peerwasm.EFAULT
	}
	m.fds = m.fds[:0]
	for i := 0; i < len(b); i += 4 {
		m.fds = append(m.fds, peerwasm.FD(int32(leUint32(b[i:]))))
	}
	return m.System.PollFDs(ctx, m.fds, func(fd peerwasm.FD) {
		memory.WriteUint32Le(out, uint32(fd))
		if m.Resume != nil {
			m.Resume(fd)
		}
	})
}

func (m *Module) ProcExit(ctx context.Context, mod api.Module, exitCode Int32) {
	// Ensure other callers see the exit code.
	_ = mod.CloseWithExitCode(ctx, uint32(exitCode))

	// Prevent any code from executing after this function. For example, LLVM
	// inserts unreachable instructions after calls to exit.
	// See: https://github.com/emscripten-core/emscripten/issues/12322
	panic(sys.NewExitError(uint32(exitCode)))
}

func (m *Module) RandomGet(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	b, ok := read(mod.Memory(), u32(stack[0]), uint64(u32(stack[1])))
	if !ok {
		return peerwasm.EFAULT
	}
	return m.System.RandomGet(ctx, b)
}

func (m *Module) SchedYield(ctx context.Context) Int32 {
	return 0
}

func (m *Module) SockOpen(ctx context.Context, mod api.Module, stack []uint64) peerwasm.Errno {
	family := peerwasm.ProtocolFamily(api.DecodeI32(stack[0]))
	socketType := peerwasm.SocketType(api.DecodeI32(stack[1]))
	openfd := u32(stack[2])
	memory := mod.Memory()

	// A null pointer means that the guest does not need the descriptor.
	if openfd != 0 && !writable(memory, openfd, 4) {
		return peerwasm.EFAULT
	}
	fd, errno := m.System.SockOpen(ctx, family, socketType)
	if errno != peerwasm.ESUCCESS {
		return errno
	}
	if openfd != 0 {
		memory.WriteUint32Le(openfd, uint32(fd))
	}
	return peerwasm.ESUCCESS
}

// TimerCreate returns the descriptor of a new periodic timer, or a negative
// status.
func (m *Module) TimerCreate(ctx context.Context, intervalMillis Int32) Int32 {
	fd, errno := m.System.TimerCreate(ctx, time.Duration(intervalMillis)*time.Millisecond)
	if errno != peerwasm.ESUCCESS {
		return Int32(errno.Status())
	}
	return Int32(fd)
}

func (m *Module) Close(ctx context.Context) error {
	return m.System.Close(ctx)
}

// procExit is a bit different; it doesn't have a return result,
// and needs access to api.Module.
func procExitShape[T any, P Param[P]](fn func(T, context.Context, api.Module, P)) wazergo.Function[T] {
	var arg P
	return wazergo.Function[T]{
		Params: []Value{arg},
		Func: func(this T, ctx context.Context, module api.Module, stack []uint64) {
			var arg P
			var memory = module.Memory()
			fn(this, ctx, module, arg.LoadValue(memory, stack))
		},
	}
}
