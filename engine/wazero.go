package engine

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/plugin-sandbox/errors"
)

// Bridge ABI names.
const (
	BridgeModule = "bridge"
	ExportAlloc  = "bridge_alloc"
	ExportInvoke = "bridge_invoke"
	ExportMemory = "memory"
)

// WazeroConfig holds configuration for the wasm engine.
type WazeroConfig struct {
	// CompilationCache is shared by all guests of the engine. A private
	// in-memory cache is created when nil.
	CompilationCache wazero.CompilationCache

	// MemoryLimitPages caps guest memory in 64KiB pages. 0 means wazero's
	// default (65536 pages = 4GiB).
	// 256 = 16MB, 1024 = 64MB
	MemoryLimitPages uint32
}

// WazeroEngine loads core wasm modules speaking the bridge ABI. Each guest
// gets its own wazero runtime: no WASI, no imports beyond the bridge
// module, and memory no other guest can address.
type WazeroEngine struct {
	cache     wazero.CompilationCache
	pages     uint32
	ownsCache bool
}

// NewWazero creates a wasm engine.
func NewWazero(cfg WazeroConfig) *WazeroEngine {
	e := &WazeroEngine{cache: cfg.CompilationCache, pages: cfg.MemoryLimitPages}
	if e.cache == nil {
		e.cache = wazero.NewCompilationCache()
		e.ownsCache = true
	}
	return e
}

// Runtime implements Engine.
func (e *WazeroEngine) Runtime() string { return "wasm" }

// Close releases the compilation cache if the engine created it.
func (e *WazeroEngine) Close(ctx context.Context) error {
	if e.ownsCache {
		return e.cache.Close(ctx)
	}
	return nil
}

// Load implements Engine. The module's _initialize (or _start) export runs
// during load and must bind its services through bridge.bind.
func (e *WazeroEngine) Load(ctx context.Context, code []byte, cfg LoadConfig) (Guest, error) {
	rcfg := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
	if e.pages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(e.pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	g := &wasmGuest{
		rt:       rt,
		maxPages: e.pages,
		log:      guestLogger(cfg),
		hostCall: cfg.HostCall,
		bound:    make(map[string]bool),
		loading:  true,
	}
	g.stop, g.stopFn = context.WithCancel(context.Background())

	fail := func(detail string, cause error) (Guest, error) {
		g.stopFn()
		_ = rt.Close(context.WithoutCancel(ctx))
		return nil, errors.LoadFault(detail, cause)
	}

	if err := g.instantiateBridge(ctx); err != nil {
		return fail("instantiate bridge module", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		if e.pages > 0 && strings.Contains(err.Error(), "over limit of") {
			g.stopFn()
			_ = rt.Close(context.WithoutCancel(ctx))
			return nil, errors.New(errors.PhaseLoad, errors.KindResourceExceeded).
				Detail("module memory exceeds limit of %d pages", e.pages).
				Cause(err).
				Build()
		}
		return fail("compile module", err)
	}
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		if mod != BridgeModule {
			return fail(fmt.Sprintf("import %s.%s is not available in the sandbox", mod, name), nil)
		}
	}
	if len(compiled.ImportedMemories()) > 0 {
		return fail("memory imports are not supported", nil)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{ExportAlloc, ExportInvoke} {
		if _, ok := exports[name]; !ok {
			return fail("module does not export "+name, nil)
		}
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return fail("module does not export memory", nil)
	}

	loadCtx, done := interruption(ctx, g.stop)
	modCfg := wazero.NewModuleConfig().
		WithName(cfg.Name).
		WithStartFunctions("_initialize", "_start")
	mod, err := rt.InstantiateModule(loadCtx, compiled, modCfg)
	done()
	g.loading = false
	if err != nil {
		if g.faultMsg != "" {
			return fail("guest fault during load: "+g.faultMsg, err)
		}
		return fail("module initialization trapped", err)
	}
	if g.faultMsg != "" {
		return fail("guest fault during load: "+g.faultMsg, nil)
	}

	g.mod = mod
	g.mem = mod.Memory()
	g.alloc = mod.ExportedFunction(ExportAlloc)
	g.invoke = mod.ExportedFunction(ExportInvoke)
	return g, nil
}

// wasmGuest is only driven from one goroutine; Interrupt and Close may come
// from others.
type wasmGuest struct {
	stop      context.Context
	rt        wazero.Runtime
	mod       api.Module
	mem       api.Memory
	hostCall  HostCall
	alloc     api.Function
	invoke    api.Function
	log       *zap.Logger
	stopFn    context.CancelFunc
	bound     map[string]bool
	faultMsg  string
	order     []string
	closeOnce sync.Once
	maxPages  uint32
	loading   bool
}

func (g *wasmGuest) instantiateBridge(ctx context.Context) error {
	_, err := g.rt.NewHostModuleBuilder(BridgeModule).
		NewFunctionBuilder().WithFunc(g.bind).Export("bind").
		NewFunctionBuilder().WithFunc(g.fault).Export("fault").
		NewFunctionBuilder().WithFunc(g.logLine).Export("log").
		NewFunctionBuilder().WithFunc(g.hostCallABI).Export("host_call").
		Instantiate(ctx)
	return err
}

// bind registers a service name. Panics surface as traps in the guest.
func (g *wasmGuest) bind(_ context.Context, m api.Module, ptr, n uint32) {
	name := readString(m, ptr, n)
	switch {
	case !g.loading:
		panic(fmt.Errorf("bind %q after load", name))
	case name == "":
		panic(stderrors.New("bind with empty service name"))
	case g.bound[name]:
		panic(fmt.Errorf("service %q bound twice", name))
	}
	g.bound[name] = true
	g.order = append(g.order, name)
	g.log.Debug("service bound", zap.String("service", name))
}

func (g *wasmGuest) fault(_ context.Context, m api.Module, ptr, n uint32) {
	g.faultMsg = readString(m, ptr, n)
	if g.faultMsg == "" {
		g.faultMsg = "unspecified"
	}
}

func (g *wasmGuest) logLine(_ context.Context, m api.Module, ptr, n uint32) {
	g.log.Debug("guest log", zap.String("message", readString(m, ptr, n)))
}

// hostCallABI answers with {"ok": result} or {"err": message}.
func (g *wasmGuest) hostCallABI(ctx context.Context, m api.Module, sp, sl, mp, ml, ap, al uint32) uint64 {
	service := readString(m, sp, sl)
	method := readString(m, mp, ml)
	args, ok := m.Memory().Read(ap, al)
	if !ok {
		panic(stderrors.New("host_call args out of bounds"))
	}

	var reply []byte
	if g.hostCall == nil {
		reply = hostErr("no host capabilities are available")
	} else if out, err := g.hostCall(ctx, service, method, bytes.Clone(args)); err != nil {
		reply = hostErr(err.Error())
	} else {
		reply = append(append([]byte(`{"ok":`), out...), '}')
	}

	res, err := m.ExportedFunction(ExportAlloc).Call(ctx, uint64(len(reply)))
	if err != nil {
		panic(err)
	}
	ptr := uint32(res[0])
	if !m.Memory().Write(ptr, reply) {
		panic(stderrors.New("host_call reply out of bounds"))
	}
	return uint64(ptr)<<32 | uint64(len(reply))
}

func hostErr(msg string) []byte {
	data, _ := json.Marshal(map[string]string{"err": msg})
	return data
}

func readString(m api.Module, ptr, n uint32) string {
	data, ok := m.Memory().Read(ptr, n)
	if !ok {
		panic(fmt.Errorf("read [%d, %d) out of bounds", ptr, ptr+n))
	}
	return string(data)
}

func (g *wasmGuest) Services() []string { return append([]string(nil), g.order...) }

func (g *wasmGuest) Bound(service string) bool { return g.bound[service] }

func (g *wasmGuest) HasMethod(service, _ string) bool { return g.bound[service] }

// Invoke passes service, method and args to bridge_invoke and reads the
// packed (ptr<<32 | len) result.
func (g *wasmGuest) Invoke(ctx context.Context, service, method string, args []byte) ([]byte, error) {
	if g.stop.Err() != nil {
		return nil, interrupted(nil)
	}
	callCtx, done := interruption(ctx, g.stop)
	defer done()

	g.faultMsg = ""
	params := make([]uint64, 0, 6)
	for _, b := range [][]byte{[]byte(service), []byte(method), args} {
		ptr, err := g.write(callCtx, b)
		if err != nil {
			return nil, g.callError(callCtx, err)
		}
		params = append(params, uint64(ptr), uint64(len(b)))
	}

	res, err := g.invoke.Call(callCtx, params...)
	if err != nil {
		return nil, g.callError(callCtx, err)
	}
	if g.faultMsg != "" {
		return nil, errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
			Path(service, method).
			Detail("guest fault: %s", g.faultMsg).
			Build()
	}

	ptr, n := uint32(res[0]>>32), uint32(res[0])
	data, ok := g.mem.Read(ptr, n)
	if !ok {
		return nil, errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
			Path(service, method).
			Detail("result [%d, %d) out of bounds", ptr, uint64(ptr)+uint64(n)).
			Build()
	}
	return bytes.Clone(data), nil
}

func (g *wasmGuest) write(ctx context.Context, data []byte) (uint32, error) {
	res, err := g.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if !g.mem.Write(ptr, data) {
		return 0, fmt.Errorf("%s returned out of bounds pointer %d", ExportAlloc, ptr)
	}
	return ptr, nil
}

func (g *wasmGuest) callError(ctx context.Context, err error) error {
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return interrupted(err)
		}
	}
	if ctx.Err() != nil {
		return interrupted(err)
	}
	if g.atMemoryLimit() {
		return errors.New(errors.PhaseRuntime, errors.KindResourceExceeded).
			Detail("guest trapped with memory at limit of %d pages", g.maxPages).
			Cause(err).
			Build()
	}
	return errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
		Detail("guest trapped").
		Cause(err).
		Build()
}

// atMemoryLimit reports whether guest memory has grown to the configured
// ceiling, where the next grow fails.
func (g *wasmGuest) atMemoryLimit() bool {
	if g.maxPages == 0 || g.mem == nil {
		return false
	}
	return uint64(g.mem.Size()) >= uint64(g.maxPages)*65536
}

func interrupted(cause error) error {
	if cause == nil {
		cause = ErrInterrupted
	} else {
		cause = fmt.Errorf("%w: %w", ErrInterrupted, cause)
	}
	return errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
		Detail("execution interrupted").
		Cause(cause).
		Build()
}

func (g *wasmGuest) Interrupt() { g.stopFn() }

func (g *wasmGuest) Close(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		g.stopFn()
		err = g.rt.Close(ctx)
	})
	return err
}
