// Package runtime loads verified bundles into isolated instances and calls
// the services they bind.
//
// # Quick Start
//
//	rt, err := runtime.New(runtime.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	// bundle comes from verify.Verifier.Verify; nothing else can be loaded
//	inst, err := rt.Load(ctx, bundle)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	h, err := inst.Lookup(extractor.Contract)
//	var out struct{ Text string `json:"text"` }
//	err = h.Call(ctx, "extract", &out, "<p>Hello</p>")
//
// # Lifecycle
//
//	Uninitialized -> Loading -> Ready -> Faulted
//	                                  -> Closed
//
// A fault while loading is a load_fault and yields no instance. Faulted and
// Closed are terminal; a faulted instance is never reused.
//
// # Calls
//
// Every instance owns one executor goroutine. Call envelopes carry a
// per-instance call id; the executor runs their bodies one at a time and
// blocked callers are served in arrival order. A caller whose context ends
// after dispatch gets timeout or cancelled, the guest is interrupted and
// the instance faults; the late reply is dropped as stale. A caller whose
// context ends before dispatch leaves the instance Ready.
//
// The runtime also bounds each call on its own (Options.MaxCallDuration).
// Exceeding that bound is resource_exceeded, as is a result larger than
// Options.MaxPayloadBytes.
//
// # Host Capabilities
//
// Guests have no ambient access to the host. Options.Capabilities lists
// the services they may call, each described by a contract:
//
//	rt, err := runtime.New(runtime.Options{
//	    Capabilities: []runtime.Capability{{
//	        Contract: clockContract,
//	        Handler: func(ctx context.Context, method string, args []json.RawMessage) (any, error) {
//	            return time.Now().Unix(), nil
//	        },
//	    }},
//	})
//
// JavaScript reaches a capability with sandbox.take("clock"); wasm modules
// through the bridge.host_call import.
package runtime
