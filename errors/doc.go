// Package errors provides the structured fault taxonomy of the plugin engine.
//
// Errors are categorized by Phase (where the error occurred) and Kind (fault
// category). The Error type carries the field path for contract mismatches,
// the module and sandbox instance involved, and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCall, errors.KindTimeout).
//		Instance(inst.ID()).
//		Detail("call %d exceeded deadline", callID).
//		Build()
//
// Kind sentinels match regardless of phase:
//
//	if errors.Is(err, errors.ErrTimeout) { ... }
//
// Or use KindOf to switch on the category:
//
//	switch errors.KindOf(err) {
//	case errors.KindVerificationFailed, errors.KindTrustConfigurationMissing:
//	}
package errors

import stderrors "errors"

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
