// Package manifest defines the bundle manifest: the versioned descriptor of a
// sandboxed module, its content digest, optional signature and the minimum
// host runtime version it needs.
//
// Wire form (JSON, digests and signatures hex encoded):
//
//	{
//	  "moduleId": "readability",
//	  "version": "2.3.0",
//	  "moduleHash": "9f86d081884c7d65...",
//	  "hashAlgorithm": "sha256",
//	  "runtime": "js",
//	  "runtimeMinVersion": "1.0.0",
//	  "moduleUrl": "readability.js",
//	  "keyId": "release-2025",
//	  "signature": "4a1f..."
//	}
//
// Only moduleId, version, moduleHash and runtimeMinVersion are required.
// Unknown fields are rejected. moduleUrl resolves against the manifest's own
// location and must keep its scheme (http may move to https).
package manifest
