package wasmtest

var (
	i32x1 = []ValType{I32}
	i32x2 = []ValType{I32, I32}
	i32x3 = []ValType{I32, I32, I32}
	i32x4 = []ValType{I32, I32, I32, I32}
)

// CloseByte is the first byte of a message asking the echo guests to close
// the session.
const CloseByte = 0xFF

// Greeting is sent by CallbackEcho to every session it is told about.
const Greeting = "hi"

// CallbackEcho returns a guest driven by the session callbacks. It greets
// every new session, echoes every message back, and closes the session when
// a message starts with CloseByte.
func CallbackEcho() []byte {
	const (
		greeting = 16
		buffer   = 1024
		capacity = 4096
	)
	m := &Module{
		Imports: []Import{
			{Module: "env", Name: "send", Type: FuncType{Params: i32x3, Results: i32x1}},
			{Module: "env", Name: "recv", Type: FuncType{Params: i32x3, Results: i32x1}},
			{Module: "env", Name: "close", Type: FuncType{Params: i32x1, Results: i32x1}},
		},
		Memory: 1,
		Data:   []Segment{{Offset: greeting, Data: []byte(Greeting)}},
	}
	send, recv, closeSession := m.Index("send"), m.Index("recv"), m.Index("close")

	m.Funcs = []Func{
		{
			Export: "onSessionOpen",
			Type:   FuncType{Params: i32x1},
			Body:   Code(LocalGet(0), I32Const(greeting), I32Const(int32(len(Greeting))), Call(send), Drop()),
		},
		{
			Export: "onMessage",
			Type:   FuncType{Params: i32x2},
			Locals: []ValType{I32},
			Body: Code(
				LocalGet(0), I32Const(buffer), I32Const(capacity), Call(recv), LocalSet(2),
				LocalGet(2), I32Const(1), I32LtS(), If(Return()),
				I32Const(buffer), I32Load8U(0), I32Const(CloseByte), I32Eq(), If(
					LocalGet(0), Call(closeSession), Drop(), Return(),
				),
				LocalGet(0), I32Const(buffer), LocalGet(2), Call(send), Drop(),
			),
		},
		{
			Export: "onSessionClose",
			Type:   FuncType{Params: i32x1},
			Body:   Code(I32Const(0), I32Const(0), I32Load(0), I32Const(1), I32Add(), I32Store(0)),
		},
	}
	return m.Encode()
}

// SocketEcho returns a guest using the socket system calls. On its first
// entry it opens a listener and polls it; on every re-entry it accepts a
// session or echoes one message of the ready session. Sessions are closed
// when a message starts with CloseByte. All the state lives in memory:
//
//	4    descriptor reported by poll_fds
//	8    number of polled descriptors
//	12   initialized flag
//	16   polled descriptors
//	240  listener descriptor
//	256  read iovec, 264 bytes read
//	272  write iovec, 280 bytes written
//	512  message buffer
func SocketEcho() []byte {
	const (
		listenerAddr = 240
		readyAddr    = 4
		nfdsAddr     = 8
		initAddr     = 12
		setAddr      = 16
		readIOV      = 256
		nreadAddr    = 264
		writeIOV     = 272
		nwrittenAddr = 280
		bufAddr      = 512
		bufSize      = 4096
		ebadf        = -8
	)
	m := &Module{
		Imports: []Import{
			{Module: "wasi_snapshot_preview1", Name: "sock_open", Type: FuncType{Params: i32x3, Results: i32x1}},
			{Module: "wasi_snapshot_preview1", Name: "fd_read", Type: FuncType{Params: i32x4, Results: i32x1}},
			{Module: "wasi_snapshot_preview1", Name: "fd_write", Type: FuncType{Params: i32x4, Results: i32x1}},
			{Module: "wasi_snapshot_preview1", Name: "fd_close", Type: FuncType{Params: i32x1, Results: i32x1}},
			{Module: "wasi_snapshot_preview1", Name: "poll_fds", Type: FuncType{Params: i32x3, Results: i32x1}},
		},
		Memory: 1,
	}
	sockOpen, fdRead, fdWrite := m.Index("sock_open"), m.Index("fd_read"), m.Index("fd_write")
	fdClose, pollFDs := m.Index("fd_close"), m.Index("poll_fds")

	load := func(addr int32) []byte { return Code(I32Const(addr), I32Load(0)) }
	store := func(addr int32, value ...[]byte) []byte {
		return Code(I32Const(addr), Code(value...), I32Store(0))
	}
	// slot pushes the address of the i-th polled descriptor.
	slot := func(i ...[]byte) []byte {
		return Code(I32Const(setAddr), Code(i...), I32Const(4), I32Mul(), I32Add())
	}
	poll := Code(I32Const(setAddr), load(nfdsAddr), I32Const(readyAddr), Call(pollFDs), Drop())
	read := Code(LocalGet(0), I32Const(readIOV), I32Const(1), I32Const(nreadAddr), Call(fdRead))

	// remove deletes the descriptor in local 0 from the polled set by
	// moving the last one in its slot.
	remove := Code(
		I32Const(0), LocalSet(2),
		Block(Loop(
			LocalGet(2), load(nfdsAddr), I32GeS(), BrIf(1),
			slot(LocalGet(2)), I32Load(0), LocalGet(0), I32Eq(), If(
				slot(LocalGet(2)),
				slot(load(nfdsAddr), I32Const(1), I32Sub()), I32Load(0),
				I32Store(0),
				store(nfdsAddr, load(nfdsAddr), I32Const(1), I32Sub()),
				Br(2),
			),
			LocalGet(2), I32Const(1), I32Add(), LocalSet(2),
			Br(0),
		)),
	)

	start := Code(
		load(initAddr), I32Eqz(), If(
			I32Const(1), I32Const(2), I32Const(listenerAddr), Call(sockOpen), Drop(),
			store(initAddr, I32Const(1)),
			store(nfdsAddr, I32Const(1)),
			store(setAddr, load(listenerAddr)),
			poll,
			Return(),
		),
		store(readIOV, I32Const(bufAddr)),
		store(readIOV+4, I32Const(bufSize)),
		load(readyAddr), LocalSet(0),

		LocalGet(0), load(listenerAddr), I32Eq(), IfElse(
			Code(
				read, I32Eqz(), If(
					slot(load(nfdsAddr)), load(bufAddr), I32Store(0),
					store(nfdsAddr, load(nfdsAddr), I32Const(1), I32Add()),
				),
			),
			Code(
				read, LocalSet(1),
				LocalGet(1), I32Eqz(), IfElse(
					Code(
						I32Const(bufAddr), I32Load8U(0), I32Const(CloseByte), I32Eq(), IfElse(
							Code(LocalGet(0), Call(fdClose), Drop(), remove),
							Code(
								store(writeIOV, I32Const(bufAddr)),
								store(writeIOV+4, load(nreadAddr)),
								LocalGet(0), I32Const(writeIOV), I32Const(1), I32Const(nwrittenAddr), Call(fdWrite), Drop(),
							),
						),
					),
					Code(LocalGet(1), I32Const(ebadf), I32Eq(), If(remove)),
				),
			),
		),
		poll,
	)

	m.Funcs = []Func{{
		Export: "_start",
		Type:   FuncType{},
		Locals: []ValType{I32, I32, I32},
		Body:   start,
	}}
	return m.Encode()
}

// Trampolines returns a guest that imports the given functions and
// re-exports each of them under the same name, so tests can call host
// functions through a real guest memory.
func Trampolines(imports ...Import) []byte {
	m := &Module{Imports: imports, Memory: 1}
	for i, imp := range imports {
		body := make([][]byte, 0, len(imp.Type.Params)+1)
		for j := range imp.Type.Params {
			body = append(body, LocalGet(uint32(j)))
		}
		body = append(body, Call(uint32(i)))
		m.Funcs = append(m.Funcs, Func{Export: imp.Name, Type: imp.Type, Body: Code(body...)})
	}
	return m.Encode()
}
