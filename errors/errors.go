package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in the plugin lifecycle the error occurred
type Phase string

const (
	PhaseFetch   Phase = "fetch"   // manifest and module acquisition
	PhaseCache   Phase = "cache"   // content-addressed module store
	PhaseVerify  Phase = "verify"  // digest and signature checks
	PhaseLoad    Phase = "load"    // sandbox creation and module init
	PhaseBind    Phase = "bind"    // service binding and lookup
	PhaseEncode  Phase = "encode"  // host values to wire form
	PhaseDecode  Phase = "decode"  // wire form to host values
	PhaseCall    Phase = "call"    // cross-boundary invocation
	PhaseRuntime Phase = "runtime" // guest execution
	PhaseConfig  Phase = "config"  // engine configuration
)

// Kind categorizes the error
type Kind string

const (
	KindNetworkUnavailable        Kind = "network_unavailable"
	KindManifestNotFound          Kind = "manifest_not_found"
	KindManifestMalformed         Kind = "manifest_malformed"
	KindModuleNotFound            Kind = "module_not_found"
	KindVerificationFailed        Kind = "verification_failed"
	KindTrustConfigurationMissing Kind = "trust_configuration_missing"
	KindLoadFault                 Kind = "load_fault"
	KindServiceNotBound           Kind = "service_not_bound"
	KindSerializationFault        Kind = "serialization_fault"
	KindResourceExceeded          Kind = "resource_exceeded"
	KindTimeout                   Kind = "timeout"
	KindCancelled                 Kind = "cancelled"
	KindRuntimeFault              Kind = "runtime_fault"
	KindInstanceFaulted           Kind = "instance_faulted"
	KindInstanceClosed            Kind = "instance_closed"
	KindInvalidInput              Kind = "invalid_input"
)

// Sentinels for errors.Is. They match any phase.
var (
	ErrNetworkUnavailable        = &Error{Kind: KindNetworkUnavailable}
	ErrManifestNotFound          = &Error{Kind: KindManifestNotFound}
	ErrManifestMalformed         = &Error{Kind: KindManifestMalformed}
	ErrModuleNotFound            = &Error{Kind: KindModuleNotFound}
	ErrVerificationFailed        = &Error{Kind: KindVerificationFailed}
	ErrTrustConfigurationMissing = &Error{Kind: KindTrustConfigurationMissing}
	ErrLoadFault                 = &Error{Kind: KindLoadFault}
	ErrServiceNotBound           = &Error{Kind: KindServiceNotBound}
	ErrSerializationFault        = &Error{Kind: KindSerializationFault}
	ErrResourceExceeded          = &Error{Kind: KindResourceExceeded}
	ErrTimeout                   = &Error{Kind: KindTimeout}
	ErrCancelled                 = &Error{Kind: KindCancelled}
	ErrRuntimeFault              = &Error{Kind: KindRuntimeFault}
	ErrInstanceFaulted           = &Error{Kind: KindInstanceFaulted}
	ErrInstanceClosed            = &Error{Kind: KindInstanceClosed}
	ErrInvalidInput              = &Error{Kind: KindInvalidInput}
)

// Error is the structured error type used throughout the engine
type Error struct {
	Cause    error
	Phase    Phase
	Kind     Kind
	Instance string // sandbox instance id, when one was involved
	Module   string // module id, when known
	Detail   string
	Path     []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Module != "" || e.Instance != "" {
		b.WriteString(" (")
		if e.Module != "" {
			b.WriteString("module ")
			b.WriteString(e.Module)
		}
		if e.Instance != "" {
			if e.Module != "" {
				b.WriteString(", ")
			}
			b.WriteString("instance ")
			b.WriteString(e.Instance)
		}
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a phase matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As is errors.As, re-exported so callers need a single errors import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Instance sets the sandbox instance id
func (b *Builder) Instance(id string) *Builder {
	b.err.Instance = id
	return b
}

// Module sets the module id
func (b *Builder) Module(id string) *Builder {
	b.err.Module = id
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Malformed creates a manifest schema error for field
func Malformed(path []string, detail string) *Error {
	return &Error{
		Phase:  PhaseFetch,
		Kind:   KindManifestMalformed,
		Path:   path,
		Detail: detail,
	}
}

// Serialization creates a contract shape mismatch error
func Serialization(phase Phase, path []string, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  phase,
		Kind:   KindSerializationFault,
		Path:   path,
		Detail: detail,
	}
}

// LoadFault creates a module initialization error
func LoadFault(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindLoadFault,
		Detail: detail,
		Cause:  cause,
	}
}

// NotBound creates a service-not-bound error
func NotBound(service, detail string) *Error {
	return &Error{
		Phase:  PhaseBind,
		Kind:   KindServiceNotBound,
		Path:   []string{service},
		Detail: detail,
	}
}

// VerificationFailed creates an integrity error
func VerificationFailed(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseVerify,
		Kind:   KindVerificationFailed,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Retryable reports whether a fresh instance might succeed where err failed.
// Only resource and timing faults qualify; the retry decision stays with the caller.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindResourceExceeded, KindTimeout, KindCancelled, KindRuntimeFault, KindInstanceFaulted, KindNetworkUnavailable:
		return true
	}
	return false
}
