// Package pluginsandbox runs content-extraction bundles, versioned and
// shipped apart from the host binary, inside an isolated sandbox.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	pluginsandbox/       Root package with ExtractResult and the Extractor interface
//	├── extractor/       Facade: fetch, verify, load, call, pooling
//	├── manifest/        Bundle manifest parsing, digests, signing payload
//	├── fetch/           Manifest and module acquisition (http, s3, file)
//	├── cache/           Content-addressed module store
//	├── verify/          Digest and ed25519 signature checks
//	├── runtime/         Instance lifecycle, call bridge, host capabilities
//	├── engine/          Sandboxed substrates (wazero, goja)
//	├── contract/        WIT-typed service contracts
//	├── metrics/         Prometheus collectors
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
//	ex, err := extractor.New(extractor.Config{
//	    Endpoint: "https://plugins.example.com/readability/manifest.json",
//	    CacheDir: "/var/cache/plugins",
//	    TrustedKeys: map[string]string{"release": releaseKeyHex},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ex.Close(ctx)
//
//	res, err := ex.Extract(ctx, "<p>Hello</p>")
//	fmt.Println(res.Text) // "Hello"
//
// # Trust
//
// Module bytes are loaded only after their digest matches the manifest and,
// for signed manifests, the signature checks out against a pinned key.
// Cached bytes are rehashed on every read.
//
// # Faults
//
// Every failure is an *errors.Error with a phase and a kind:
//
//	if errors.Is(err, errors.ErrTimeout) {
//	    // the instance that timed out was discarded; retrying is safe
//	}
//
// A sandbox that faults is never reused. Guest code cannot crash the host.
package pluginsandbox
