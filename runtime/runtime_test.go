package runtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/plugin-sandbox/contract"
	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/internal/wasmtest"
	"github.com/wippyai/plugin-sandbox/manifest"
	"github.com/wippyai/plugin-sandbox/verify"
)

var extractContract = contract.MustNew("extractor", 1, contract.Method{
	Name:   "extract",
	Params: []contract.Param{{Name: "content", Type: wit.String{}}},
	Result: &wit.TypeDef{Kind: &wit.Record{Fields: []wit.Field{{Name: "text", Type: wit.String{}}}}},
})

const stripJS = `
sandbox.bind("extractor", {
	extract: function (content) { return {text: content.replace(/<[^>]*>/g, "")}; }
});`

type extractResult struct {
	Text string `json:"text"`
}

func bundleOf(t *testing.T, rt manifest.Runtime, code []byte, minVersion string) *verify.Bundle {
	t.Helper()
	m := manifest.Manifest{
		ModuleID:          "readability",
		Version:           "1.2.0",
		HashAlgorithm:     manifest.SHA256,
		ModuleHash:        manifest.SHA256.Sum(code),
		Runtime:           rt,
		RuntimeMinVersion: minVersion,
	}
	v, err := verify.New(verify.Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.Verify(m, code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return b
}

func jsBundle(t *testing.T, code string) *verify.Bundle {
	return bundleOf(t, manifest.RuntimeJS, []byte(code), "1.0.0")
}

func newRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func load(t *testing.T, rt *Runtime, b *verify.Bundle) *Instance {
	t.Helper()
	inst, err := rt.Load(context.Background(), b)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst
}

func TestRuntime_ExtractJS(t *testing.T) {
	ctx := context.Background()
	inst := load(t, newRuntime(t, Options{}), jsBundle(t, stripJS))

	if inst.State() != StateReady {
		t.Fatalf("state = %s", inst.State())
	}
	if inst.Manifest().ModuleID != "readability" {
		t.Errorf("Manifest = %s", inst.Manifest())
	}

	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	var out extractResult
	if err := h.Call(ctx, "extract", &out, "<p>Hello</p>"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "Hello" {
		t.Errorf("text = %q, want Hello", out.Text)
	}

	raw, err := h.Invoke(ctx, "extract", "<b>x</b>")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(raw) != `{"text":"x"}` {
		t.Errorf("Invoke = %s", raw)
	}
}

func TestRuntime_ExtractWasm(t *testing.T) {
	code := wasmtest.Constant("extractor", `{"text":"Hello"}`)
	inst := load(t, newRuntime(t, Options{}), bundleOf(t, manifest.RuntimeWasm, code, "1.0.0"))

	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	var out extractResult
	if err := h.Call(context.Background(), "extract", &out, "<p>Hello</p>"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "Hello" {
		t.Errorf("text = %q", out.Text)
	}
}

func TestRuntime_LoadFaults(t *testing.T) {
	rt := newRuntime(t, Options{LoadTimeout: 50 * time.Millisecond})

	tests := []struct {
		name   string
		bundle *verify.Bundle
	}{
		{"runtime too old", bundleOf(t, manifest.RuntimeJS, []byte(stripJS), "2.0.0")},
		{"top level throw", jsBundle(t, `throw new Error("no")`)},
		{"load timeout", jsBundle(t, `for (;;) {}`)},
		{"wasm init trap", bundleOf(t, manifest.RuntimeWasm, wasmtest.Fixture{InitTrap: true}.Encode(), "1.0.0")},
		{"not wasm", bundleOf(t, manifest.RuntimeWasm, []byte("not a module"), "1.0.0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := rt.Load(context.Background(), tt.bundle)
			if !errors.Is(err, errors.ErrLoadFault) {
				t.Fatalf("expected load_fault, got %v", err)
			}
			if inst != nil {
				t.Error("failed load returned an instance")
			}
			var e *errors.Error
			if errors.As(err, &e) && e.Module != "readability@1.2.0" {
				t.Errorf("module = %q", e.Module)
			}
		})
	}
}

func TestRuntime_LoadRequiresBundle(t *testing.T) {
	if _, err := newRuntime(t, Options{}).Load(context.Background(), nil); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestRuntime_LoadAfterClose(t *testing.T) {
	rt, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := rt.Load(context.Background(), jsBundle(t, stripJS)); !errors.Is(err, errors.ErrInstanceClosed) {
		t.Errorf("expected instance_closed, got %v", err)
	}
}

func TestLookup_NotBound(t *testing.T) {
	rt := newRuntime(t, Options{})

	tests := []struct {
		name string
		code string
	}{
		{"no service", `sandbox.bind("other", {extract: function () {}});`},
		{"missing method", `sandbox.bind("extractor", {summarize: function () {}});`},
		{"method not a function", `sandbox.bind("extractor", {extract: 42});`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := load(t, rt, jsBundle(t, tt.code))
			if _, err := inst.Lookup(extractContract); !errors.Is(err, errors.ErrServiceNotBound) {
				t.Errorf("expected service_not_bound, got %v", err)
			}
			if inst.State() != StateReady {
				t.Errorf("failed lookup changed state to %s", inst.State())
			}
		})
	}
}

func TestCall_SerializationFaultKeepsReady(t *testing.T) {
	ctx := context.Background()
	inst := load(t, newRuntime(t, Options{}), jsBundle(t, `
sandbox.bind("extractor", {
	extract: function (content) {
		if (content === "bad") { return {txt: content}; }
		return {text: content};
	}
});`))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Invoke(ctx, "extract", "bad"); !errors.Is(err, errors.ErrSerializationFault) {
		t.Fatalf("expected serialization_fault for result, got %v", err)
	}
	if _, err := h.Invoke(ctx, "extract", 42); !errors.Is(err, errors.ErrSerializationFault) {
		t.Fatalf("expected serialization_fault for args, got %v", err)
	}
	if inst.State() != StateReady {
		t.Fatalf("state = %s, want ready", inst.State())
	}

	var out extractResult
	if err := h.Call(ctx, "extract", &out, "fine"); err != nil || out.Text != "fine" {
		t.Errorf("Call after fault = %+v, %v", out, err)
	}
}

func TestCall_RuntimeFaultIsTerminal(t *testing.T) {
	ctx := context.Background()
	inst := load(t, newRuntime(t, Options{}), jsBundle(t, `
sandbox.bind("extractor", {
	extract: function (content) {
		if (content === "crash") { throw new Error("parser exploded"); }
		return {text: content};
	}
});`))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.Invoke(ctx, "extract", "crash")
	if !errors.Is(err, errors.ErrRuntimeFault) {
		t.Fatalf("expected runtime_fault, got %v", err)
	}
	var e *errors.Error
	if errors.As(err, &e) && e.Instance != inst.ID() {
		t.Errorf("fault not attributed to instance: %q", e.Instance)
	}
	if inst.State() != StateFaulted {
		t.Fatalf("state = %s, want faulted", inst.State())
	}
	select {
	case <-inst.Done():
	default:
		t.Error("Done not closed after fault")
	}

	if _, err := h.Invoke(ctx, "extract", "ok"); !errors.Is(err, errors.ErrInstanceFaulted) {
		t.Errorf("faulted instance accepted a call: %v", err)
	}
	if _, err := inst.Lookup(extractContract); !errors.Is(err, errors.ErrInstanceFaulted) {
		t.Errorf("faulted instance accepted a lookup: %v", err)
	}
	if err := inst.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
	if inst.State() != StateFaulted {
		t.Errorf("Close changed faulted state to %s", inst.State())
	}
}

func TestCall_TimeoutJS(t *testing.T) {
	inst := load(t, newRuntime(t, Options{}), jsBundle(t, `
sandbox.bind("extractor", {
	extract: function () {
		var end = Date.now() + 1000;
		while (Date.now() < end) {}
		return {text: "late"};
	}
});`))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = h.Invoke(ctx, "extract", "x")
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %s", elapsed)
	}
	if inst.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", inst.State())
	}
}

func TestCall_MaxCallDurationJS(t *testing.T) {
	rt := newRuntime(t, Options{MaxCallDuration: 20 * time.Millisecond})
	inst := load(t, rt, jsBundle(t, `sandbox.bind("extractor", {extract: function () { for (;;) {} }});`))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Invoke(context.Background(), "extract", "x"); !errors.Is(err, errors.ErrResourceExceeded) {
		t.Fatalf("expected resource_exceeded, got %v", err)
	}
	if inst.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", inst.State())
	}
}

func TestCall_MaxCallDurationWasm(t *testing.T) {
	rt := newRuntime(t, Options{MaxCallDuration: 20 * time.Millisecond})
	code := wasmtest.Fixture{Bind: []string{"extractor"}, InvokeSpin: true}.Encode()
	inst := load(t, rt, bundleOf(t, manifest.RuntimeWasm, code, "1.0.0"))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Invoke(context.Background(), "extract", "x"); !errors.Is(err, errors.ErrResourceExceeded) {
		t.Fatalf("expected resource_exceeded, got %v", err)
	}
}

func TestCall_MaxPayload(t *testing.T) {
	rt := newRuntime(t, Options{MaxPayloadBytes: 32})
	inst := load(t, rt, jsBundle(t, stripJS))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	big := make([]byte, 64)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := h.Invoke(context.Background(), "extract", string(big)); !errors.Is(err, errors.ErrResourceExceeded) {
		t.Fatalf("expected resource_exceeded, got %v", err)
	}
	if inst.State() != StateReady {
		t.Errorf("oversized result changed state to %s", inst.State())
	}
	if _, err := h.Invoke(context.Background(), "extract", "small"); err != nil {
		t.Errorf("Invoke after oversized result: %v", err)
	}
}

func TestCall_TrailingDataRejected(t *testing.T) {
	code := wasmtest.Constant("extractor", `{"text":"a"} {"evil":1}`)
	inst := load(t, newRuntime(t, Options{}), bundleOf(t, manifest.RuntimeWasm, code, "1.0.0"))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Invoke(context.Background(), "extract", "x"); !errors.Is(err, errors.ErrSerializationFault) {
		t.Fatalf("expected serialization_fault, got %v", err)
	}
	var out extractResult
	if err := h.Call(context.Background(), "extract", &out, "x"); !errors.Is(err, errors.ErrSerializationFault) {
		t.Fatalf("Call: expected serialization_fault, got %v", err)
	}
	if inst.State() != StateReady {
		t.Errorf("state = %s, want ready", inst.State())
	}
}

func TestRuntime_MemoryLimit(t *testing.T) {
	rt := newRuntime(t, Options{MemoryLimitPages: 2})

	t.Run("load", func(t *testing.T) {
		code := wasmtest.Fixture{Bind: []string{"extractor"}, MemoryPages: 4}.Encode()
		inst, err := rt.Load(context.Background(), bundleOf(t, manifest.RuntimeWasm, code, "1.0.0"))
		if !errors.Is(err, errors.ErrResourceExceeded) {
			t.Fatalf("expected resource_exceeded, got %v", err)
		}
		if errors.Is(err, errors.ErrLoadFault) {
			t.Errorf("memory limit reported as load_fault: %v", err)
		}
		if inst != nil {
			t.Error("failed load returned an instance")
		}
	})

	t.Run("call", func(t *testing.T) {
		code := wasmtest.Fixture{Bind: []string{"extractor"}, InvokeGrow: 1}.Encode()
		inst := load(t, rt, bundleOf(t, manifest.RuntimeWasm, code, "1.0.0"))
		h, err := inst.Lookup(extractContract)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := h.Invoke(context.Background(), "extract", "x"); !errors.Is(err, errors.ErrResourceExceeded) {
			t.Fatalf("expected resource_exceeded, got %v", err)
		}
		if inst.State() != StateFaulted {
			t.Errorf("state = %s, want faulted", inst.State())
		}
	})
}

func TestInstances_AreIsolated(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, Options{})
	b := jsBundle(t, `
var seen = 0;
sandbox.bind("extractor", {
	extract: function (content) {
		if (content === "crash") { throw new Error("crash"); }
		seen++;
		return {text: String(seen)};
	}
});`)

	a := load(t, rt, b)
	c := load(t, rt, b)
	if a.ID() == c.ID() {
		t.Fatal("instances share an id")
	}

	ha, _ := a.Lookup(extractContract)
	hc, _ := c.Lookup(extractContract)
	var out extractResult
	for i := 0; i < 3; i++ {
		if err := ha.Call(ctx, "extract", &out, "x"); err != nil {
			t.Fatal(err)
		}
	}
	if err := hc.Call(ctx, "extract", &out, "x"); err != nil {
		t.Fatal(err)
	}
	if out.Text != "1" {
		t.Errorf("second instance saw state of the first: %s", out.Text)
	}

	if _, err := ha.Invoke(ctx, "extract", "crash"); !errors.Is(err, errors.ErrRuntimeFault) {
		t.Fatalf("expected runtime_fault, got %v", err)
	}
	if err := hc.Call(ctx, "extract", &out, "x"); err != nil {
		t.Errorf("fault in one instance affected another: %v", err)
	}
}

var clockContract = contract.MustNew("clock", 1,
	contract.Method{
		Name:   "now",
		Params: []contract.Param{{Name: "zone", Type: wit.String{}}},
		Result: wit.U64{},
	},
	contract.Method{Name: "wrong", Result: wit.U64{}},
	contract.Method{Name: "broken"},
)

func TestCapabilities(t *testing.T) {
	var zones []string
	rt := newRuntime(t, Options{Capabilities: []Capability{{
		Contract: clockContract,
		Handler: func(_ context.Context, method string, args []json.RawMessage) (any, error) {
			switch method {
			case "now":
				var zone string
				_ = json.Unmarshal(args[0], &zone)
				zones = append(zones, zone)
				return 1700000000, nil
			case "wrong":
				return "not a number", nil
			}
			return nil, stderrors.New("clock offline")
		},
	}}})

	inst := load(t, rt, jsBundle(t, `
var clock = sandbox.take("clock");
function attempt(fn) { try { fn(); return "ok"; } catch (e) { return "threw"; } }
sandbox.bind("extractor", {
	extract: function (what) {
		switch (what) {
		case "now": return {text: String(clock.now("UTC"))};
		case "bad args": return {text: attempt(function () { clock.now(5); })};
		case "bad result": return {text: attempt(function () { clock.wrong(); })};
		case "broken": return {text: attempt(function () { clock.broken(); })};
		}
	}
});`))
	h, err := inst.Lookup(extractContract)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		what string
		want string
	}{
		{"now", "1700000000"},
		{"bad args", "threw"},
		{"bad result", "threw"},
		{"broken", "threw"},
	}
	for _, tt := range tests {
		t.Run(tt.what, func(t *testing.T) {
			var out extractResult
			if err := h.Call(context.Background(), "extract", &out, tt.what); err != nil {
				t.Fatalf("Call: %v", err)
			}
			if out.Text != tt.want {
				t.Errorf("text = %q, want %q", out.Text, tt.want)
			}
		})
	}
	if len(zones) != 1 || zones[0] != "UTC" {
		t.Errorf("handler saw zones %v", zones)
	}
}

func TestCapabilities_Unregistered(t *testing.T) {
	rt := newRuntime(t, Options{})
	if _, err := rt.Load(context.Background(), jsBundle(t, `sandbox.take("clock");`)); !errors.Is(err, errors.ErrLoadFault) {
		t.Errorf("expected load_fault for unknown capability, got %v", err)
	}
}

func TestNew_RejectsBadCapabilities(t *testing.T) {
	handler := func(context.Context, string, []json.RawMessage) (any, error) { return nil, nil }
	tests := []struct {
		name string
		caps []Capability
	}{
		{"no handler", []Capability{{Contract: clockContract}}},
		{"no contract", []Capability{{Handler: handler}}},
		{"duplicate", []Capability{{Contract: clockContract, Handler: handler}, {Contract: clockContract, Handler: handler}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Options{Capabilities: tt.caps}); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("expected invalid_input, got %v", err)
			}
		})
	}
}
