package wasi_snapshot_preview1

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/wazergo"
	. "github.com/stealthrocket/wazergo/types"
	"github.com/tetratelabs/wazero/api"
)

const (
	maxIOVecs  = 1024
	maxPollFDs = 1024
)

var (
	i32 Value = Int32(0)
	i64 Value = Int64(0)
)

// memfn declares a host function which decodes its own parameters from the
// stack and returns a status. Pointer parameters are checked against the
// guest memory by the function itself, so that out of bounds accesses become
// EFAULT instead of a trap.
func memfn[T any](fn func(T, context.Context, api.Module, []uint64) peerwasm.Errno, params ...Value) wazergo.Function[T] {
	return wazergo.Function[T]{
		Params:  params,
		Results: []Value{i32},
		Func: func(this T, ctx context.Context, module api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(fn(this, ctx, module, stack).Status())
		},
	}
}

func u32(v uint64) uint32 { return api.DecodeU32(v) }

func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// read returns a view of length bytes of memory at offset.
func read(memory api.Memory, offset uint32, length uint64) ([]byte, bool) {
	if memory == nil || uint64(offset)+length > math.MaxUint32 {
		return nil, false
	}
	return memory.Read(offset, uint32(length))
}

func writable(memory api.Memory, offset uint32, length uint64) bool {
	_, ok := read(memory, offset, length)
	return ok
}

func writeUint64(memory api.Memory, offset uint32, v uint64) bool {
	return memory != nil && memory.WriteUint64Le(offset, v)
}

// loadIOVecs decodes the array of {buf, buf_len} pairs at offset into views
// of the guest memory.
func (m *Module) loadIOVecs(memory api.Memory, offset, count uint32) ([]peerwasm.IOVec, peerwasm.Errno) {
	if count > maxIOVecs {
		return nil, peerwasm.EINVAL
	}
	b, ok := read(memory, offset, 8*uint64(count))
	if !ok {
		return nil, peerwasm.EFAULT
	}
	m.iovecs = m.iovecs[:0]
	for i := 0; i < len(b); i += 8 {
		iov, ok := read(memory, leUint32(b[i:]), uint64(leUint32(b[i+4:])))
		if !ok {
			return nil, peerwasm.EFAULT
		}
		m.iovecs = append(m.iovecs, iov)
	}
	return m.iovecs, peerwasm.ESUCCESS
}

func storeStrings(memory api.Memory, values []string, ptrs, buf uint32) peerwasm.Errno {
	if !writable(memory, ptrs, 4*uint64(len(values))) {
		return peerwasm.EFAULT
	}
	offset := buf
	for i, value := range values {
		length := uint64(len(value) + 1)
		b, ok := read(memory, offset, length)
		if !ok {
			return peerwasm.EFAULT
		}
		copy(b, value)
		b[len(value)] = 0
		memory.WriteUint32Le(ptrs+4*uint32(i), offset)
		offset += uint32(length)
	}
	return peerwasm.ESUCCESS
}

func countStrings(memory api.Memory, values []string, count, size uint32) peerwasm.Errno {
	n := 0
	for _, value := range values {
		n += len(value) + 1 // include null terminator
	}
	if !writable(memory, count, 4) || !writable(memory, size, 4) {
		return peerwasm.EFAULT
	}
	memory.WriteUint32Le(count, uint32(len(values)))
	memory.WriteUint32Le(size, uint32(n))
	return peerwasm.ESUCCESS
}
