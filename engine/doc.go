// Package engine provides the isolated execution substrates for plugin
// bundles.
//
// # Engines
//
// Two engines implement the Engine interface, selected by the manifest's
// runtime field:
//
//	WazeroEngine  core wasm via wazero, one runtime per guest
//	GojaEngine    ECMAScript via goja, one VM per guest
//
// Neither exposes host memory, files, network or clocks to the guest. The
// only way out of a guest is the bridge: binding services during load,
// answering invocations, and calling host capabilities the runtime chose to
// expose.
//
// # Bridge ABI (wasm)
//
// A wasm guest exports:
//
//	memory                                      linear memory
//	bridge_alloc(size i32) -> i32               scratch buffer for host writes
//	bridge_invoke(sp, sl, mp, ml, ap, al) -> i64
//
// and may import from module "bridge":
//
//	bind(ptr, len)                              register a service (load only)
//	fault(ptr, len)                             report a guest-level error
//	log(ptr, len)                               debug output
//	host_call(sp, sl, mp, ml, ap, al) -> i64    call a host capability
//
// Strings are (ptr, len) pairs in guest memory. Results are packed as
// ptr<<32 | len and hold JSON. host_call replies with {"ok": value} or
// {"err": message}.
//
// # Interruption
//
// Guest execution observes its context: when the context is done the guest
// is stopped (wazero closes the module, goja interrupts the VM) and the
// call fails with an error wrapping ErrInterrupted. A stopped guest is
// never resumed.
package engine
