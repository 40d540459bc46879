// Package extractor is the host-facing facade over the sandbox: it resolves
// the bundle at an endpoint, verifies it, loads it and calls
// extractor.extract.
//
// Each Extractor memoizes its verified bundle, so calls after the first do
// not touch the network until Refresh. Two facades pointed at different
// versions of a module run side by side; the module cache is shared and
// content addressed, so neither can disturb the other.
//
// Pooling:
//
//	PoolNone   fresh instance per call, closed afterwards (default)
//	PoolReuse  one retained instance, callers queued in arrival order;
//	           replaced after any fault
package extractor
