// Package wasmtest assembles small WebAssembly modules for tests.
//
// Guests are described as lists of imports and functions whose bodies are
// built from the instruction helpers of this package. The description is
// lowered to a wabin module and encoded to the binary format accepted by
// wazero.
package wasmtest

import (
	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// ValType is a WebAssembly value type.
type ValType = wasm.ValueType

const (
	I32 ValType = wasm.ValueTypeI32
	I64 ValType = wasm.ValueTypeI64
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Import is an imported function.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a function defined by the module. It is exported when Export is
// not empty. Parameters are the first locals.
type Func struct {
	Export string
	Type   FuncType
	Locals []ValType
	Body   []byte
}

// Segment is a data segment copied to memory at instantiation.
type Segment struct {
	Offset int32
	Data   []byte
}

// Module is a module definition.
type Module struct {
	Imports []Import
	Funcs   []Func
	// Memory is the initial number of pages of the exported "memory", no
	// memory is declared when it is zero.
	Memory uint32
	Data   []Segment
}

// Index returns the function index of the import or function exported as
// name. It panics if there are none.
func (m *Module) Index(name string) uint32 {
	for i, imp := range m.Imports {
		if imp.Name == name {
			return uint32(i)
		}
	}
	for i, fn := range m.Funcs {
		if fn.Export == name {
			return uint32(len(m.Imports) + i)
		}
	}
	panic("wasmtest: unknown function " + name)
}

// Build lowers the definition to a wabin module. Every import and function
// gets its own type entry.
func (m *Module) Build() *wasm.Module {
	mod := new(wasm.Module)

	for i, imp := range m.Imports {
		mod.TypeSection = append(mod.TypeSection, functionType(imp.Type))
		mod.ImportSection = append(mod.ImportSection, &wasm.Import{
			Type:     wasm.ExternTypeFunc,
			Module:   imp.Module,
			Name:     imp.Name,
			DescFunc: wasm.Index(i),
		})
	}

	for i, fn := range m.Funcs {
		typeIndex := wasm.Index(len(m.Imports) + i)
		mod.TypeSection = append(mod.TypeSection, functionType(fn.Type))
		mod.FunctionSection = append(mod.FunctionSection, typeIndex)
		mod.CodeSection = append(mod.CodeSection, &wasm.Code{
			LocalTypes: fn.Locals,
			Body:       append(append([]byte(nil), fn.Body...), wasm.OpcodeEnd),
		})
		if fn.Export != "" {
			mod.ExportSection = append(mod.ExportSection, &wasm.Export{
				Type:  wasm.ExternTypeFunc,
				Name:  fn.Export,
				Index: typeIndex,
			})
		}
	}

	if m.Memory > 0 {
		mod.MemorySection = &wasm.Memory{Min: m.Memory}
		mod.ExportSection = append(mod.ExportSection, &wasm.Export{
			Type:  wasm.ExternTypeMemory,
			Name:  "memory",
			Index: 0,
		})
	}

	for _, seg := range m.Data {
		mod.DataSection = append(mod.DataSection, &wasm.DataSegment{
			OffsetExpression: &wasm.ConstantExpression{
				Opcode: wasm.OpcodeI32Const,
				Data:   leb128.EncodeInt32(seg.Offset),
			},
			Init: seg.Data,
		})
	}
	return mod
}

// Encode returns the binary representation of the module.
func (m *Module) Encode() []byte {
	return binary.EncodeModule(m.Build())
}

func functionType(t FuncType) *wasm.FunctionType {
	return &wasm.FunctionType{Params: t.Params, Results: t.Results}
}
