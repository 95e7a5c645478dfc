package wasmtest

import (
	"bytes"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Code concatenates instruction sequences.
func Code(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func op(code wasm.Opcode, immediates ...uint32) []byte {
	b := []byte{code}
	for _, imm := range immediates {
		b = append(b, leb128.EncodeUint32(imm)...)
	}
	return b
}

func I32Const(v int32) []byte {
	return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(v)...)
}

func LocalGet(i uint32) []byte { return op(wasm.OpcodeLocalGet, i) }
func LocalSet(i uint32) []byte { return op(wasm.OpcodeLocalSet, i) }
func Call(i uint32) []byte     { return op(wasm.OpcodeCall, i) }
func Br(depth uint32) []byte   { return op(wasm.OpcodeBr, depth) }
func BrIf(depth uint32) []byte { return op(wasm.OpcodeBrIf, depth) }
func Drop() []byte             { return op(wasm.OpcodeDrop) }
func Return() []byte           { return op(wasm.OpcodeReturn) }

// Memory accesses take a static offset; alignment hints use the natural
// alignment of the access.
func I32Load(offset uint32) []byte   { return op(wasm.OpcodeI32Load, 2, offset) }
func I32Load8U(offset uint32) []byte { return op(wasm.OpcodeI32Load8U, 0, offset) }
func I32Store(offset uint32) []byte  { return op(wasm.OpcodeI32Store, 2, offset) }
func I32Store8(offset uint32) []byte { return op(wasm.OpcodeI32Store8, 0, offset) }

func I32Eqz() []byte { return op(wasm.OpcodeI32Eqz) }
func I32Eq() []byte  { return op(wasm.OpcodeI32Eq) }
func I32Ne() []byte  { return op(wasm.OpcodeI32Ne) }
func I32LtS() []byte { return op(wasm.OpcodeI32LtS) }
func I32GtS() []byte { return op(wasm.OpcodeI32GtS) }
func I32GeS() []byte { return op(wasm.OpcodeI32GeS) }
func I32Add() []byte { return op(wasm.OpcodeI32Add) }
func I32Sub() []byte { return op(wasm.OpcodeI32Sub) }
func I32Mul() []byte { return op(wasm.OpcodeI32Mul) }

// emptyBlock is the block type of blocks without results.
const emptyBlock = 0x40

func block(code wasm.Opcode, body ...[]byte) []byte {
	return Code([]byte{code, emptyBlock}, Code(body...), []byte{wasm.OpcodeEnd})
}

// Block, Loop and If produce blocks without results.
func Block(body ...[]byte) []byte { return block(wasm.OpcodeBlock, body...) }
func Loop(body ...[]byte) []byte  { return block(wasm.OpcodeLoop, body...) }
func If(body ...[]byte) []byte    { return block(wasm.OpcodeIf, body...) }

func IfElse(then, otherwise []byte) []byte {
	return block(wasm.OpcodeIf, then, []byte{wasm.OpcodeElse}, otherwise)
}
