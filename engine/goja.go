package engine

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wippyai/plugin-sandbox/errors"
)

// GojaConfig holds configuration for the JavaScript engine.
type GojaConfig struct {
	// MaxCallStackSize bounds guest recursion depth. 0 keeps goja's default.
	MaxCallStackSize int
}

// GojaEngine evaluates ECMAScript bundles in a goja interpreter, one VM per
// guest. The VM gets no require, filesystem, network or timers. Globals:
//
//	sandbox.bind(name, impl)   register a service object (load only)
//	sandbox.take(name)         proxy to a host capability
//	console.log/info/warn/error/debug
type GojaEngine struct {
	cfg GojaConfig
}

// NewGoja creates a JavaScript engine.
func NewGoja(cfg GojaConfig) *GojaEngine {
	return &GojaEngine{cfg: cfg}
}

// Runtime implements Engine.
func (e *GojaEngine) Runtime() string { return "js" }

// Close implements Engine.
func (e *GojaEngine) Close(context.Context) error { return nil }

// Load implements Engine. The bundle's top-level code runs once and must
// call sandbox.bind for every service it provides.
func (e *GojaEngine) Load(ctx context.Context, code []byte, cfg LoadConfig) (Guest, error) {
	vm := goja.New()
	if e.cfg.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(e.cfg.MaxCallStackSize)
	}

	g := &jsGuest{
		vm:       vm,
		log:      guestLogger(cfg),
		hostCall: cfg.HostCall,
		services: make(map[string]*goja.Object),
		loading:  true,
	}
	g.stop, g.stopFn = context.WithCancel(context.Background())

	jsonObj := vm.Get("JSON").ToObject(vm)
	g.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))
	g.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))

	if err := g.installGlobals(cfg.HostServices); err != nil {
		g.stopFn()
		return nil, errors.LoadFault("install sandbox globals", err)
	}

	name := cfg.Name
	if name == "" {
		name = "bundle"
	}
	err := g.run(ctx, func() error {
		_, err := vm.RunScript(name+".js", string(code))
		return err
	})
	g.loading = false
	if err != nil {
		g.stopFn()
		return nil, errors.LoadFault(describe(err), err)
	}
	return g, nil
}

type jsGuest struct {
	stop      context.Context
	callCtx   context.Context
	vm        *goja.Runtime
	log       *zap.Logger
	hostCall  HostCall
	parse     goja.Callable
	stringify goja.Callable
	stopFn    context.CancelFunc
	services  map[string]*goja.Object
	order     []string
	mu        sync.Mutex
	active    bool
	stopped   atomic.Bool
	loading   bool
}

func (g *jsGuest) installGlobals(hostServices map[string][]string) error {
	vm := g.vm

	sandbox := vm.NewObject()
	if err := sandbox.Set("bind", g.bind); err != nil {
		return err
	}
	if err := sandbox.Set("take", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		methods, ok := hostServices[name]
		if !ok {
			panic(vm.NewTypeError("capability %q is not available", name))
		}
		return g.capability(name, methods)
	}); err != nil {
		return err
	}
	if err := vm.Set("sandbox", sandbox); err != nil {
		return err
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			g.log.Debug("guest console",
				zap.String("level", level),
				zap.String("message", strings.Join(parts, " ")))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

func (g *jsGuest) bind(call goja.FunctionCall) goja.Value {
	vm := g.vm
	if !g.loading {
		panic(vm.NewTypeError("sandbox.bind is only allowed while the bundle loads"))
	}
	name, ok := call.Argument(0).Export().(string)
	if !ok || name == "" {
		panic(vm.NewTypeError("sandbox.bind: service name must be a non-empty string"))
	}
	impl, ok := call.Argument(1).(*goja.Object)
	if !ok {
		panic(vm.NewTypeError("sandbox.bind: implementation of %q must be an object", name))
	}
	if _, dup := g.services[name]; dup {
		panic(vm.NewTypeError("sandbox.bind: service %q already bound", name))
	}
	g.services[name] = impl
	g.order = append(g.order, name)
	g.log.Debug("service bound", zap.String("service", name))
	return goja.Undefined()
}

// capability builds the proxy object for a host service. Each method
// serializes its arguments, calls the host and parses the reply; host
// errors are thrown into the guest.
func (g *jsGuest) capability(service string, methods []string) goja.Value {
	vm := g.vm
	obj := vm.NewObject()
	for _, method := range methods {
		method := method
		_ = obj.Set(method, func(call goja.FunctionCall) goja.Value {
			items := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				items[i] = a
			}
			args, err := g.stringify(goja.Undefined(), vm.NewArray(items...))
			if err != nil {
				panic(err)
			}
			ctx := g.callCtx
			if ctx == nil {
				ctx = g.stop
			}
			out, err := g.hostCall(ctx, service, method, []byte(args.String()))
			if err != nil {
				panic(vm.NewGoError(err))
			}
			v, err := g.parse(goja.Undefined(), vm.ToValue(string(out)))
			if err != nil {
				panic(err)
			}
			return v
		})
	}
	return obj
}

// run executes fn with ctx and the guest stop signal wired to vm.Interrupt.
// A Go panic escaping the VM is reported as a runtime fault.
func (g *jsGuest) run(ctx context.Context, fn func() error) (err error) {
	callCtx, done := interruption(ctx, g.stop)
	defer done()

	g.mu.Lock()
	g.active = true
	g.mu.Unlock()
	unwatch := context.AfterFunc(callCtx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.active {
			g.vm.Interrupt(ErrInterrupted)
		}
	})
	g.callCtx = callCtx

	defer func() {
		unwatch()
		g.mu.Lock()
		g.active = false
		g.mu.Unlock()
		g.vm.ClearInterrupt()
		g.callCtx = nil

		if r := recover(); r != nil {
			err = errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
				Detail("guest panicked: %v", r).
				Build()
		}
	}()
	return fn()
}

func (g *jsGuest) Services() []string { return append([]string(nil), g.order...) }

func (g *jsGuest) Bound(service string) bool {
	_, ok := g.services[service]
	return ok
}

func (g *jsGuest) HasMethod(service, method string) bool {
	obj, ok := g.services[service]
	if !ok {
		return false
	}
	_, ok = goja.AssertFunction(obj.Get(method))
	return ok
}

// Invoke calls impl[method](...args). A returned promise must already be
// settled once the call and its microtasks finish; there is no event loop.
func (g *jsGuest) Invoke(ctx context.Context, service, method string, args []byte) ([]byte, error) {
	if g.stopped.Load() {
		return nil, interrupted(nil)
	}
	obj, ok := g.services[service]
	if !ok {
		return nil, errors.NotBound(service, "service not bound by guest")
	}

	var out []byte
	err := g.run(ctx, func() error {
		fn, ok := goja.AssertFunction(obj.Get(method))
		if !ok {
			return errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
				Path(service, method).
				Detail("method is not a function").
				Build()
		}

		parsed, err := g.parse(goja.Undefined(), g.vm.ToValue(string(args)))
		if err != nil {
			return errors.New(errors.PhaseDecode, errors.KindSerializationFault).
				Path(service, method).
				Detail("arguments are not valid JSON").
				Cause(err).
				Build()
		}
		list := parsed.ToObject(g.vm)
		n := int(list.Get("length").ToInteger())
		argv := make([]goja.Value, n)
		for i := range argv {
			argv[i] = list.Get(strconv.Itoa(i))
		}

		ret, err := fn(obj, argv...)
		if err != nil {
			return g.fault(service, method, err)
		}
		if ret == nil || goja.IsUndefined(ret) {
			out = []byte("null")
			return nil
		}
		if p, ok := ret.Export().(*goja.Promise); ok {
			switch p.State() {
			case goja.PromiseStateFulfilled:
				ret = p.Result()
			case goja.PromiseStateRejected:
				return errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
					Path(service, method).
					Detail("promise rejected: %s", p.Result().String()).
					Build()
			default:
				return errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
					Path(service, method).
					Detail("promise did not settle").
					Build()
			}
		}

		if goja.IsUndefined(ret) {
			out = []byte("null")
			return nil
		}
		s, err := g.stringify(goja.Undefined(), ret)
		if err != nil {
			return errors.New(errors.PhaseDecode, errors.KindSerializationFault).
				Path(service, method, "result").
				Detail("result is not JSON serializable").
				Cause(err).
				Build()
		}
		if goja.IsUndefined(s) {
			out = []byte("null")
			return nil
		}
		out = []byte(s.String())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *jsGuest) fault(service, method string, err error) error {
	var intr *goja.InterruptedError
	if stderrors.As(err, &intr) {
		return interrupted(err)
	}
	return errors.New(errors.PhaseRuntime, errors.KindRuntimeFault).
		Path(service, method).
		Detail("%s", describe(err)).
		Cause(err).
		Build()
}

func (g *jsGuest) Interrupt() {
	g.stopped.Store(true)
	g.stopFn()
}

func (g *jsGuest) Close(context.Context) error {
	g.Interrupt()
	return nil
}

// describe renders a goja error without its stack trace.
func describe(err error) string {
	var ex *goja.Exception
	if stderrors.As(err, &ex) {
		return "uncaught exception: " + ex.Value().String()
	}
	var intr *goja.InterruptedError
	if stderrors.As(err, &intr) {
		return "execution interrupted"
	}
	var syn *goja.CompilerSyntaxError
	if stderrors.As(err, &syn) {
		return "syntax error: " + syn.Error()
	}
	return err.Error()
}
