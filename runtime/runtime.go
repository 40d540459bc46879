package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/plugin-sandbox/engine"
	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/manifest"
	"github.com/wippyai/plugin-sandbox/metrics"
	"github.com/wippyai/plugin-sandbox/verify"
)

// Version is the host runtime version manifests are gated against through
// runtimeMinVersion.
const Version = "1.0.0"

const (
	DefaultLoadTimeout     = 5 * time.Second
	DefaultMaxCallDuration = 30 * time.Second
	DefaultMaxPayloadBytes = 16 << 20
)

// Options configures a Runtime.
type Options struct {
	// Metrics receives load, call and instance events. Optional.
	Metrics *metrics.Collector

	// Engines overrides the default substrates. Keyed by Engine.Runtime().
	// Engines passed here are owned by the caller.
	Engines []engine.Engine

	// Capabilities are the host services guests may call. Anything not
	// listed is unreachable from inside the sandbox.
	Capabilities []Capability

	// LoadTimeout bounds module initialization.
	LoadTimeout time.Duration

	// MaxCallDuration bounds one call body regardless of the caller's
	// deadline. Exceeding it is resource_exceeded and faults the instance.
	MaxCallDuration time.Duration

	// MaxPayloadBytes caps the size of one call result.
	MaxPayloadBytes int

	// MemoryLimitPages caps wasm guest memory for the default wazero engine.
	MemoryLimitPages uint32
}

func (o Options) withDefaults() Options {
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = DefaultLoadTimeout
	}
	if o.MaxCallDuration <= 0 {
		o.MaxCallDuration = DefaultMaxCallDuration
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return o
}

// Runtime turns verified bundles into sandboxed instances.
// It is safe for concurrent use.
type Runtime struct {
	engines map[manifest.Runtime]engine.Engine
	hosts   *hostRegistry
	metrics *metrics.Collector
	owned   []engine.Engine
	opts    Options
	mu      sync.RWMutex
	closed  bool
}

// New creates a runtime. Without Options.Engines it serves "wasm" through
// wazero and "js" through goja.
func New(opts Options) (*Runtime, error) {
	opts = opts.withDefaults()

	hosts, err := newHostRegistry(opts.Capabilities)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		engines: make(map[manifest.Runtime]engine.Engine),
		hosts:   hosts,
		metrics: opts.Metrics,
		opts:    opts,
	}

	engines := opts.Engines
	if len(engines) == 0 {
		r.owned = []engine.Engine{
			engine.NewWazero(engine.WazeroConfig{MemoryLimitPages: opts.MemoryLimitPages}),
			engine.NewGoja(engine.GojaConfig{}),
		}
		engines = r.owned
	}
	for _, e := range engines {
		rt := manifest.Runtime(e.Runtime())
		if _, dup := r.engines[rt]; dup {
			return nil, errors.InvalidInput(errors.PhaseConfig, "two engines serve runtime "+string(rt))
		}
		r.engines[rt] = e
	}
	return r, nil
}

// Load creates an instance from a verified bundle. Load faults leave no
// instance behind.
func (r *Runtime) Load(ctx context.Context, b *verify.Bundle) (*Instance, error) {
	if b == nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "bundle is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, errors.New(errors.PhaseLoad, errors.KindInstanceClosed).Detail("runtime is closed").Build()
	}

	m := b.Manifest()
	inst := newInstance(r, uuid.NewString(), m)

	start := time.Now()
	guest, err := r.load(ctx, inst, b)
	r.metrics.Load(string(m.Runtime), string(errors.KindOf(err)), time.Since(start))
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.Instance = inst.id
			e.Module = m.String()
		}
		inst.log.Warn("load failed", zap.Error(err))
		return nil, err
	}

	inst.start(guest)
	inst.log.Info("instance ready", zap.Strings("services", guest.Services()))
	return inst, nil
}

func (r *Runtime) load(ctx context.Context, inst *Instance, b *verify.Bundle) (engine.Guest, error) {
	inst.state.Store(int32(StateLoading))
	m := b.Manifest()

	ok, err := m.SatisfiedBy(Version)
	if err != nil {
		return nil, errors.LoadFault("check runtime version", err)
	}
	if !ok {
		return nil, errors.LoadFault("module requires runtime "+m.RuntimeMinVersion+", host is "+Version, nil)
	}

	eng, found := r.engines[m.Runtime]
	if !found {
		return nil, errors.LoadFault("no engine for runtime "+string(m.Runtime), nil)
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()

	guest, err := eng.Load(loadCtx, b.Code(), engine.LoadConfig{
		HostCall:     r.hosts.call,
		HostServices: r.hosts.services,
		Logger:       inst.log,
		Name:         inst.id,
	})
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindLoadFault, errors.KindResourceExceeded:
		default:
			err = errors.LoadFault("load module", err)
		}
		return nil, err
	}
	return guest, nil
}

// Close releases the runtime's own engines. Instances must be closed first;
// loads after Close fail.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var first error
	for _, e := range r.owned {
		if err := e.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
