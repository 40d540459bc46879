package engine

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"
)

// ErrInterrupted reports that guest execution was stopped by the host,
// through context cancellation or Guest.Interrupt. The guest is unusable
// afterwards.
var ErrInterrupted = stderrors.New("guest execution interrupted")

// HostCall dispatches a guest request to a host capability. args and the
// returned bytes are JSON.
type HostCall func(ctx context.Context, service, method string, args []byte) ([]byte, error)

// LoadConfig configures one guest load.
type LoadConfig struct {
	// HostCall serves capability requests. Nil means no capabilities.
	HostCall HostCall

	// HostServices lists capability services and their methods. JavaScript
	// guests get a proxy per service from sandbox.take.
	HostServices map[string][]string

	// Logger receives guest log output at debug level.
	Logger *zap.Logger

	// Name identifies the guest in logs and module names.
	Name string
}

// Engine loads code into isolated guests.
type Engine interface {
	// Runtime is the manifest runtime this engine serves ("js", "wasm").
	Runtime() string

	// Load evaluates code and returns a guest with its bound services.
	// Faults while loading are returned as load faults.
	Load(ctx context.Context, code []byte, cfg LoadConfig) (Guest, error)

	// Close releases engine-wide resources.
	Close(ctx context.Context) error
}

// Guest is one loaded, isolated module. Invoke is not safe for concurrent
// use; Interrupt may be called from any goroutine.
type Guest interface {
	// Services returns bound service names in bind order.
	Services() []string

	// Bound reports whether service was bound during load.
	Bound(service string) bool

	// HasMethod reports whether a bound service can be called with method.
	// Guests that dispatch method names themselves report true for any name.
	HasMethod(service, method string) bool

	// Invoke runs one method. args is a JSON array.
	Invoke(ctx context.Context, service, method string, args []byte) ([]byte, error)

	// Interrupt stops any running and all future execution.
	Interrupt()

	Close(ctx context.Context) error
}

// interruption links ctx to stop: the returned context is cancelled when
// either is done.
func interruption(ctx, stop context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(ctx)
	unregister := context.AfterFunc(stop, cancel)
	return callCtx, func() {
		unregister()
		cancel()
	}
}
