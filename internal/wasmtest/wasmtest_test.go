package wasmtest_test

import (
	"context"
	"testing"

	"github.com/stealthrocket/peerwasm/internal/wasmtest"
	"github.com/tetratelabs/wazero"
)

func TestEncodeAndCall(t *testing.T) {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	m := &wasmtest.Module{
		Memory: 1,
		Data:   []wasmtest.Segment{{Offset: 8, Data: []byte{42}}},
		Funcs: []wasmtest.Func{{
			Export: "add",
			Type: wasmtest.FuncType{
				Params:  []wasmtest.ValType{wasmtest.I32, wasmtest.I32},
				Results: []wasmtest.ValType{wasmtest.I32},
			},
			Body: wasmtest.Code(
				wasmtest.LocalGet(0), wasmtest.LocalGet(1), wasmtest.I32Add(),
				wasmtest.I32Const(-1000), wasmtest.I32Add(),
				wasmtest.I32Const(8), wasmtest.I32Load8U(0), wasmtest.I32Add(),
			),
		}},
	}

	instance, err := runtime.Instantiate(ctx, m.Encode())
	if err != nil {
		t.Fatal(err)
	}
	results, err := instance.ExportedFunction("add").Call(ctx, 1000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := int32(results[0]); got != 44 {
		t.Errorf("want=44 got=%d", got)
	}
}

func TestGuestsCompile(t *testing.T) {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	for name, code := range map[string][]byte{
		"callback": wasmtest.CallbackEcho(),
		"socket":   wasmtest.SocketEcho(),
	} {
		t.Run(name, func(t *testing.T) {
			compiled, err := runtime.CompileModule(ctx, code)
			if err != nil {
				t.Fatal(err)
			}
			compiled.Close(ctx)
		})
	}
}

func TestBuild(t *testing.T) {
	m := &wasmtest.Module{
		Imports: []wasmtest.Import{{
			Module: "env",
			Name:   "close",
			Type:   wasmtest.FuncType{Params: []wasmtest.ValType{wasmtest.I32}, Results: []wasmtest.ValType{wasmtest.I32}},
		}},
		Funcs: []wasmtest.Func{
			{Export: "_start", Body: wasmtest.Code(wasmtest.I32Const(7), wasmtest.Call(0), wasmtest.Drop())},
			{Body: wasmtest.Return()},
		},
		Memory: 2,
	}

	mod := m.Build()
	if n := len(mod.TypeSection); n != 3 {
		t.Fatalf("want=3 got=%d", n)
	}
	if n := len(mod.CodeSection); n != 2 {
		t.Fatalf("want=2 got=%d", n)
	}
	if mod.MemorySection == nil || mod.MemorySection.Min != 2 {
		t.Fatalf("memory section not declared: %+v", mod.MemorySection)
	}

	exports := map[string]uint32{}
	for _, export := range mod.ExportSection {
		exports[export.Name] = export.Index
	}
	if len(exports) != 2 || exports["_start"] != 1 || exports["memory"] != 0 {
		t.Fatalf("wrong exports: %v", exports)
	}
	if index := m.Index("_start"); index != 1 {
		t.Fatalf("want=1 got=%d", index)
	}
}
