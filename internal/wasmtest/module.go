// Package wasmtest assembles small core WebAssembly modules speaking the
// bridge ABI, for tests that need a real guest without a toolchain.
package wasmtest

import "bytes"

// Value types
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Section ids
const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secCode     = 10
	secData     = 11
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is an imported function.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a defined function. Body is the instruction sequence without the
// trailing end opcode.
type Func struct {
	Export string
	Type   FuncType
	Locals []byte
	Body   []byte
}

// Global is a mutable i32 global.
type Global struct {
	Init int32
}

// Data is an active data segment in memory 0.
type Data struct {
	Bytes  []byte
	Offset int32
}

// Module is a core module description. Function indices number imports
// first, then Funcs in order.
type Module struct {
	Imports     []Import
	Funcs       []Func
	Globals     []Global
	Data        []Data
	MemoryPages uint32
	// ExportMemory exports memory 0 as "memory".
	ExportMemory bool
}

// Encode produces the module binary.
func (m *Module) Encode() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	var types []FuncType
	typeIndex := func(ft FuncType) uint32 {
		for i, t := range types {
			if bytes.Equal(t.Params, ft.Params) && bytes.Equal(t.Results, ft.Results) {
				return uint32(i)
			}
		}
		types = append(types, ft)
		return uint32(len(types) - 1)
	}

	var imports, funcs, exports, code, globals, data []byte
	for _, imp := range m.Imports {
		imports = append(imports, name(imp.Module)...)
		imports = append(imports, name(imp.Name)...)
		imports = append(imports, 0x00)
		imports = append(imports, U32(typeIndex(imp.Type))...)
	}

	var exportCount uint32
	for i, f := range m.Funcs {
		funcs = append(funcs, U32(typeIndex(f.Type))...)
		if f.Export != "" {
			exports = append(exports, name(f.Export)...)
			exports = append(exports, 0x00)
			exports = append(exports, U32(uint32(len(m.Imports)+i))...)
			exportCount++
		}

		var body []byte
		body = append(body, U32(uint32(len(f.Locals)))...)
		for _, l := range f.Locals {
			body = append(body, 0x01, l)
		}
		body = append(body, f.Body...)
		body = append(body, OpEnd)
		code = append(code, U32(uint32(len(body)))...)
		code = append(code, body...)
	}
	if m.ExportMemory {
		exports = append(exports, name("memory")...)
		exports = append(exports, 0x02, 0x00)
		exportCount++
	}
	for _, g := range m.Globals {
		globals = append(globals, I32, 0x01)
		globals = append(globals, I32Const(g.Init)...)
		globals = append(globals, OpEnd)
	}
	for _, d := range m.Data {
		data = append(data, 0x00)
		data = append(data, I32Const(d.Offset)...)
		data = append(data, OpEnd)
		data = append(data, U32(uint32(len(d.Bytes)))...)
		data = append(data, d.Bytes...)
	}

	var typeSec []byte
	for _, t := range types {
		typeSec = append(typeSec, 0x60)
		typeSec = append(typeSec, vec(t.Params)...)
		typeSec = append(typeSec, vec(t.Results)...)
	}

	section(&out, secType, uint32(len(types)), typeSec)
	section(&out, secImport, uint32(len(m.Imports)), imports)
	section(&out, secFunction, uint32(len(m.Funcs)), funcs)
	if m.MemoryPages > 0 {
		mem := append([]byte{0x00}, U32(m.MemoryPages)...)
		section(&out, secMemory, 1, mem)
	}
	section(&out, secGlobal, uint32(len(m.Globals)), globals)
	section(&out, secExport, exportCount, exports)
	section(&out, secCode, uint32(len(m.Funcs)), code)
	section(&out, secData, uint32(len(m.Data)), data)
	return out.Bytes()
}

func section(out *bytes.Buffer, id byte, count uint32, payload []byte) {
	if count == 0 {
		return
	}
	content := append(U32(count), payload...)
	out.WriteByte(id)
	out.Write(U32(uint32(len(content))))
	out.Write(content)
}

func name(s string) []byte {
	return append(U32(uint32(len(s))), s...)
}

func vec(types []byte) []byte {
	return append(U32(uint32(len(types))), types...)
}

// U32 encodes v as unsigned LEB128.
func U32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// S64 encodes v as signed LEB128.
func S64(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
