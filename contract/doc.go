// Package contract defines the typed method tables shared by the host and a
// sandboxed plugin.
//
// A Contract names a service and lists its methods with WIT parameter and
// result types. Values cross the boundary as JSON; every argument and result
// is checked against its declared type in both directions, and a mismatch is
// a serialization_fault carrying the dotted path of the offending field:
//
//	extractor.extract.result.text
//
// Contracts are fixed at build time. Nothing is negotiated at runtime.
package contract
