package runtime

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/plugin-sandbox/engine"
	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/manifest"
	"github.com/wippyai/plugin-sandbox/metrics"
)

// State is the lifecycle position of an instance.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var errCallBudget = stderrors.New("call exceeded the runtime's maximum duration")

// envelope is one call crossing into the executor.
type envelope struct {
	ctx      context.Context
	reply    chan reply
	service  string
	method   string
	args     []byte
	id       uint64
	methodID int
}

type reply struct {
	err  error
	data []byte
}

// Instance is one loaded module in its own sandbox. Calls are executed one
// at a time by a dedicated goroutine; callers waiting to dispatch are served
// in arrival order.
//
// Faulted and Closed are terminal. A faulted instance rejects every call
// with instance_faulted and must be replaced.
type Instance struct {
	guest    engine.Guest
	log      *zap.Logger
	metrics  *metrics.Collector
	fault    error
	pending  map[uint64]*envelope
	requests chan *envelope
	done     chan struct{}
	exited   chan struct{}
	closeErr error
	id       string
	manifest manifest.Manifest
	opts     Options
	nextID   atomic.Uint64
	mu       sync.Mutex
	state    atomic.Int32
	closeOne sync.Once
}

func newInstance(r *Runtime, id string, m manifest.Manifest) *Instance {
	return &Instance{
		id:       id,
		manifest: m,
		opts:     r.opts,
		metrics:  r.metrics,
		pending:  make(map[uint64]*envelope),
		requests: make(chan *envelope),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		log: Logger().With(
			zap.String("instance", id),
			zap.String("module", m.ModuleID),
			zap.String("version", m.Version),
		),
	}
}

func (i *Instance) start(guest engine.Guest) {
	i.guest = guest
	i.state.Store(int32(StateReady))
	go i.serve()
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Manifest returns the manifest of the loaded module.
func (i *Instance) Manifest() manifest.Manifest { return i.manifest }

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// Services returns the services the module bound while loading.
func (i *Instance) Services() []string { return i.guest.Services() }

// Done is closed when the instance leaves Ready.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Err returns nil while the instance is Ready, otherwise the
// instance_faulted or instance_closed error calls would fail with.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.unusableLocked()
}

func (i *Instance) unusableLocked() error {
	switch State(i.state.Load()) {
	case StateReady:
		return nil
	case StateFaulted:
		return errors.New(errors.PhaseCall, errors.KindInstanceFaulted).
			Instance(i.id).
			Module(i.manifest.String()).
			Detail("instance faulted and cannot be reused").
			Cause(i.fault).
			Build()
	case StateClosed:
		return errors.New(errors.PhaseCall, errors.KindInstanceClosed).
			Instance(i.id).
			Module(i.manifest.String()).
			Build()
	}
	return errors.New(errors.PhaseCall, errors.KindInvalidInput).
		Instance(i.id).
		Detail("instance is %s", i.State()).
		Build()
}

// call dispatches one envelope and waits for its reply or the caller's
// context, whichever comes first.
func (i *Instance) call(ctx context.Context, service, method string, methodID int, args []byte) (out []byte, err error) {
	start := time.Now()
	defer func() {
		i.metrics.Call(service, method, string(errors.KindOf(err)), time.Since(start))
	}()

	if err := i.Err(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, i.contextError(ctx, service, method)
	}

	env := &envelope{
		id:       i.nextID.Add(1),
		ctx:      ctx,
		service:  service,
		method:   method,
		methodID: methodID,
		args:     args,
		reply:    make(chan reply, 1),
	}
	i.mu.Lock()
	i.pending[env.id] = env
	i.mu.Unlock()

	select {
	case i.requests <- env:
	case <-ctx.Done():
		i.abandon(env.id)
		return nil, i.contextError(ctx, service, method)
	case <-i.done:
		i.abandon(env.id)
		return nil, i.Err()
	}

	select {
	case rep := <-env.reply:
		return rep.data, rep.err
	case <-ctx.Done():
		if !i.abandon(env.id) {
			rep := <-env.reply
			return rep.data, rep.err
		}
		err := i.contextError(ctx, service, method)
		i.log.Warn("call abandoned after dispatch",
			zap.Uint64("call_id", env.id),
			zap.String("service", service),
			zap.String("method", method),
			zap.String("kind", string(errors.KindOf(err))))
		i.markFaulted(err)
		return nil, err
	}
}

// abandon removes id from the pending table. It reports false when the
// executor already claimed the reply.
func (i *Instance) abandon(id uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.pending[id]; !ok {
		return false
	}
	delete(i.pending, id)
	return true
}

func (i *Instance) contextError(ctx context.Context, service, method string) error {
	kind := errors.KindCancelled
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = errors.KindTimeout
	}
	return errors.New(errors.PhaseCall, kind).
		Path(service, method).
		Instance(i.id).
		Module(i.manifest.String()).
		Cause(context.Cause(ctx)).
		Build()
}

func (i *Instance) serve() {
	defer close(i.exited)
	for {
		select {
		case env := <-i.requests:
			i.execute(env)
		case <-i.done:
			return
		}
	}
}

func (i *Instance) execute(env *envelope) {
	if err := i.Err(); err != nil {
		i.deliver(env, nil, err)
		return
	}

	ctx, cancel := context.WithTimeoutCause(env.ctx, i.opts.MaxCallDuration, errCallBudget)
	out, err := i.guest.Invoke(ctx, env.service, env.method, env.args)
	overBudget := context.Cause(ctx) == errCallBudget
	cancel()

	err = i.classify(env, out, err, overBudget)
	if err != nil {
		out = nil
	}
	i.deliver(env, out, err)
}

// classify maps a guest outcome to the error the caller sees and applies
// the resulting state transition.
func (i *Instance) classify(env *envelope, out []byte, err error, overBudget bool) error {
	if err == nil {
		if len(out) > i.opts.MaxPayloadBytes {
			return errors.New(errors.PhaseCall, errors.KindResourceExceeded).
				Path(env.service, env.method, "result").
				Instance(i.id).
				Detail("result of %d bytes exceeds limit of %d", len(out), i.opts.MaxPayloadBytes).
				Build()
		}
		return nil
	}

	if stderrors.Is(err, engine.ErrInterrupted) {
		switch {
		case overBudget:
			err = errors.New(errors.PhaseRuntime, errors.KindResourceExceeded).
				Path(env.service, env.method).
				Detail("call ran longer than %s", i.opts.MaxCallDuration).
				Cause(err).
				Build()
		case env.ctx.Err() != nil:
			err = i.contextError(env.ctx, env.service, env.method)
		default:
			if closed := i.Err(); closed != nil {
				return closed
			}
		}
		i.markFaulted(err)
		return i.annotate(err)
	}

	switch errors.KindOf(err) {
	case errors.KindSerializationFault, errors.KindServiceNotBound:
		return i.annotate(err)
	}
	i.markFaulted(err)
	return i.annotate(err)
}

func (i *Instance) annotate(err error) error {
	var e *errors.Error
	if errors.As(err, &e) && e.Instance == "" {
		e.Instance = i.id
	}
	return err
}

// deliver hands the reply to the caller still waiting on env. Replies for
// abandoned calls are dropped.
func (i *Instance) deliver(env *envelope, out []byte, err error) {
	i.mu.Lock()
	_, live := i.pending[env.id]
	delete(i.pending, env.id)
	i.mu.Unlock()

	if !live {
		i.metrics.StaleReply()
		i.log.Debug("dropping stale reply",
			zap.Uint64("call_id", env.id),
			zap.String("service", env.service),
			zap.String("method", env.method))
		return
	}
	env.reply <- reply{data: out, err: err}
}

// markFaulted moves a Ready instance to Faulted and stops the guest.
func (i *Instance) markFaulted(cause error) {
	i.mu.Lock()
	if State(i.state.Load()) != StateReady {
		i.mu.Unlock()
		return
	}
	i.state.Store(int32(StateFaulted))
	i.fault = cause
	close(i.done)
	i.mu.Unlock()

	i.guest.Interrupt()
	kind := string(errors.KindOf(cause))
	i.metrics.InstanceFaulted(kind)
	i.log.Warn("instance faulted", zap.String("kind", kind), zap.Error(cause))
}

// Close stops the instance and releases its sandbox. It is idempotent and
// safe on a faulted instance, which stays Faulted.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOne.Do(func() {
		i.mu.Lock()
		if State(i.state.Load()) == StateReady {
			i.state.Store(int32(StateClosed))
			close(i.done)
		}
		i.mu.Unlock()

		i.guest.Interrupt()
		select {
		case <-i.exited:
		case <-ctx.Done():
		}
		i.closeErr = i.guest.Close(ctx)
		i.metrics.InstanceClosed()
		i.log.Debug("instance closed", zap.Stringer("state", i.State()))
	})
	return i.closeErr
}
