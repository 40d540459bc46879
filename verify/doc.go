// Package verify checks fetched modules against their manifests.
//
// Verification is a digest comparison with the manifest's algorithm followed,
// for signed manifests, by an ed25519 check against pinned keys. A successful
// check yields a *Bundle, which is the only value the sandbox runtime accepts
// for loading.
package verify
