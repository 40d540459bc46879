package wasmtest

// Memory layout of fixture modules.
const (
	namesAt  = 0
	resultAt = 1024
	faultAt  = 2048
	heapAt   = 4096
)

var (
	bindType   = FuncType{Params: []byte{I32, I32}}
	allocType  = FuncType{Params: []byte{I32}, Results: []byte{I32}}
	invokeType = FuncType{Params: []byte{I32, I32, I32, I32, I32, I32}, Results: []byte{I64}}
)

// Fixture describes a bridge-ABI guest. _initialize binds each name in
// Bind; bridge_invoke returns Result for any service and method.
type Fixture struct {
	Fault        string
	Result       string
	Bind         []string
	Imports      []Import
	MemoryPages  uint32
	InvokeGrow   uint32
	InitTrap     bool
	InvokeSpin   bool
	InvokeTrap   bool
	BindOnInvoke bool
	NoInvoke     bool
}

// Encode assembles the fixture.
func (f Fixture) Encode() []byte {
	imports := append([]Import{
		{Module: "bridge", Name: "bind", Type: bindType},
		{Module: "bridge", Name: "fault", Type: bindType},
	}, f.Imports...)
	const bindIdx, faultIdx = 0, 1

	var data []Data
	var init []byte
	var names []byte
	var firstName []byte
	for _, n := range f.Bind {
		off := int32(namesAt + len(names))
		names = append(names, n...)
		call := Ops(I32Const(off), I32Const(int32(len(n))), Call(bindIdx))
		init = append(init, call...)
		if firstName == nil {
			firstName = call
		}
	}
	if len(names) > 0 {
		data = append(data, Data{Offset: namesAt, Bytes: names})
	}
	if f.InitTrap {
		init = append(init, OpUnreachable)
	}
	if f.Result != "" {
		data = append(data, Data{Offset: resultAt, Bytes: []byte(f.Result)})
	}
	if f.Fault != "" {
		data = append(data, Data{Offset: faultAt, Bytes: []byte(f.Fault)})
	}

	invoke := Ops(I32Const(heapAt), GlobalSet(0))
	switch {
	case f.InvokeSpin:
		invoke = Ops(invoke, Spin(), I64Const(0))
	case f.InvokeGrow > 0:
		// grow, then abort the way an allocator does when memory runs out
		invoke = Ops(invoke, I32Const(int32(f.InvokeGrow)), []byte{OpMemoryGrow, 0x00, OpDrop, OpUnreachable})
	case f.InvokeTrap:
		invoke = Ops(invoke, []byte{OpUnreachable})
	case f.Fault != "":
		invoke = Ops(invoke, I32Const(faultAt), I32Const(int32(len(f.Fault))), Call(faultIdx), I64Const(0))
	default:
		if f.BindOnInvoke && firstName != nil {
			invoke = Ops(invoke, firstName)
		}
		invoke = Ops(invoke, I64Const(Packed(resultAt, uint32(len(f.Result)))))
	}

	funcs := []Func{
		{Export: "_initialize", Body: init},
		{
			Export: "bridge_alloc",
			Type:   allocType,
			Body:   Ops(GlobalGet(0), GlobalGet(0), LocalGet(0), []byte{OpI32Add}, GlobalSet(0)),
		},
	}
	if !f.NoInvoke {
		funcs = append(funcs, Func{Export: "bridge_invoke", Type: invokeType, Body: invoke})
	}

	pages := f.MemoryPages
	if pages == 0 {
		pages = 1
	}
	m := Module{
		Imports:      imports,
		Funcs:        funcs,
		Globals:      []Global{{Init: heapAt}},
		Data:         data,
		MemoryPages:  pages,
		ExportMemory: true,
	}
	return m.Encode()
}

// Constant binds service and answers every call with result.
func Constant(service, result string) []byte {
	return Fixture{Bind: []string{service}, Result: result}.Encode()
}
