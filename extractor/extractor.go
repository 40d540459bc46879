package extractor

import (
	"context"
	"sync"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	pluginsandbox "github.com/wippyai/plugin-sandbox"
	"github.com/wippyai/plugin-sandbox/cache"
	"github.com/wippyai/plugin-sandbox/contract"
	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/fetch"
	"github.com/wippyai/plugin-sandbox/runtime"
	"github.com/wippyai/plugin-sandbox/verify"
)

// Contract is the service every extraction bundle binds:
//
//	extractor@1
//	  extract(content: string) -> record { text: string }
var Contract = contract.MustNew("extractor", 1, contract.Method{
	Name:   "extract",
	Params: []contract.Param{{Name: "content", Type: wit.String{}}},
	Result: &wit.TypeDef{Kind: &wit.Record{Fields: []wit.Field{
		{Name: "text", Type: wit.String{}},
	}}},
})

var _ pluginsandbox.Extractor = (*Extractor)(nil)

// lease is one retained instance shared by PoolReuse callers.
type lease struct {
	inst    *runtime.Instance
	handle  *runtime.RemoteHandle
	users   int
	retired bool
}

// Extractor runs the bundle published at Config.Endpoint. The verified
// bundle is fetched once and memoized until Refresh.
type Extractor struct {
	fetcher  *fetch.Fetcher
	verifier *verify.Verifier
	runtime  *runtime.Runtime
	log      *zap.Logger
	bundle   *verify.Bundle
	current  *lease
	spawning chan struct{}
	cfg      Config
	inflight sync.WaitGroup
	bundleMu sync.Mutex
	mu       sync.Mutex
	gen      uint64
	closed   bool
}

// New creates an extractor. Nothing is fetched until the first Extract.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	keys, err := cfg.trustedKeys()
	if err != nil {
		return nil, err
	}
	verifier, err := verify.New(verify.Options{
		TrustedKeys:      keys,
		RequireSignature: cfg.RequireSignature,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	fopts := fetch.Options{
		HTTPClient:       cfg.HTTPClient,
		Metrics:          cfg.Metrics,
		MaxManifestBytes: cfg.MaxManifestBytes,
		MaxModuleBytes:   cfg.MaxModuleBytes,
	}
	if cfg.CacheDir != "" {
		store, err := cache.Open(cache.Options{
			Dir:             cfg.CacheDir,
			MaxEntries:      cfg.CacheEntries,
			EvictSuperseded: cfg.EvictSuperseded,
			Metrics:         cfg.Metrics,
		})
		if err != nil {
			return nil, err
		}
		fopts.Cache = store
	}
	if cfg.S3 != nil {
		client, err := fetch.NewS3Client(*cfg.S3)
		if err != nil {
			return nil, err
		}
		fopts.S3 = client
	}

	rt, err := runtime.New(runtime.Options{
		Metrics:          cfg.Metrics,
		Capabilities:     cfg.Capabilities,
		LoadTimeout:      cfg.LoadTimeout,
		MaxCallDuration:  cfg.MaxCallDuration,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		MemoryLimitPages: cfg.MemoryLimitPages,
	})
	if err != nil {
		return nil, err
	}

	return &Extractor{
		cfg:      cfg,
		fetcher:  fetch.New(fopts),
		verifier: verifier,
		runtime:  rt,
		spawning: make(chan struct{}, 1),
		log:      Logger().With(zap.String("endpoint", cfg.Endpoint), zap.String("pool", string(cfg.Pool))),
	}, nil
}

// Extract runs extractor.extract(content) in the sandbox.
func (e *Extractor) Extract(ctx context.Context, content string) (pluginsandbox.ExtractResult, error) {
	if _, ok := ctx.Deadline(); !ok && e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	if err := e.enter(); err != nil {
		return pluginsandbox.ExtractResult{}, err
	}
	defer e.inflight.Done()

	var (
		h       *runtime.RemoteHandle
		release func()
		err     error
	)
	if e.cfg.Pool == PoolReuse {
		h, release, err = e.retained(ctx)
	} else {
		h, release, err = e.fresh(ctx)
	}
	if err != nil {
		e.log.Warn("no instance for extract", zap.String("kind", string(errors.KindOf(err))), zap.Error(err))
		return pluginsandbox.ExtractResult{}, err
	}
	defer release()

	var out pluginsandbox.ExtractResult
	if err := h.Call(ctx, "extract", &out, content); err != nil {
		e.log.Warn("extract failed", zap.String("kind", string(errors.KindOf(err))), zap.Error(err))
		return pluginsandbox.ExtractResult{}, err
	}
	return out, nil
}

func (e *Extractor) enter() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New(errors.PhaseCall, errors.KindInstanceClosed).Detail("extractor is closed").Build()
	}
	e.inflight.Add(1)
	return nil
}

// fresh loads a private instance that is closed on release.
func (e *Extractor) fresh(ctx context.Context) (*runtime.RemoteHandle, func(), error) {
	inst, h, err := e.spawn(ctx)
	if err != nil {
		return nil, nil, err
	}
	return h, func() { _ = inst.Close(context.Background()) }, nil
}

// retained returns the shared instance, replacing it first if it left
// Ready. One caller at a time loads a replacement, without holding e.mu;
// the others wait for it or for their context.
func (e *Extractor) retained(ctx context.Context) (*runtime.RemoteHandle, func(), error) {
	if h, release, ok := e.acquire(); ok {
		return h, release, nil
	}

	select {
	case e.spawning <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, contextError(ctx)
	}
	defer func() { <-e.spawning }()

	if h, release, ok := e.acquire(); ok {
		return h, release, nil
	}
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	inst, h, err := e.spawn(ctx)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = inst.Close(context.Background())
		return nil, nil, errors.New(errors.PhaseCall, errors.KindInstanceClosed).Detail("extractor is closed").Build()
	}
	l := &lease{inst: inst, handle: h}
	if gen == e.gen {
		e.current = l
	} else {
		// bundle replaced while loading: serve this call, then close
		l.retired = true
	}
	h, release := e.useLocked(l)
	return h, release, nil
}

// acquire hands out the current lease if it is still Ready.
func (e *Extractor) acquire() (*runtime.RemoteHandle, func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.current
	if l == nil {
		return nil, nil, false
	}
	if l.inst.State() != runtime.StateReady {
		e.log.Info("replacing instance", zap.String("instance", l.inst.ID()), zap.Stringer("state", l.inst.State()))
		e.retireLocked(l)
		e.current = nil
		return nil, nil, false
	}
	h, release := e.useLocked(l)
	return h, release, true
}

func (e *Extractor) useLocked(l *lease) (*runtime.RemoteHandle, func()) {
	l.users++
	return l.handle, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		l.users--
		if l.retired && l.users == 0 {
			go l.inst.Close(context.Background())
		}
	}
}

func contextError(ctx context.Context) error {
	kind := errors.KindCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = errors.KindTimeout
	}
	return errors.New(errors.PhaseCall, kind).Detail("waiting for instance").Cause(ctx.Err()).Build()
}

// retireLocked stops handing out l and closes it once its last user is
// done.
func (e *Extractor) retireLocked(l *lease) {
	l.retired = true
	if l.users == 0 {
		go l.inst.Close(context.Background())
	}
}

func (e *Extractor) spawn(ctx context.Context) (*runtime.Instance, *runtime.RemoteHandle, error) {
	b, err := e.verified(ctx)
	if err != nil {
		return nil, nil, err
	}
	inst, err := e.runtime.Load(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	h, err := inst.Lookup(Contract)
	if err != nil {
		_ = inst.Close(context.Background())
		return nil, nil, err
	}
	return inst, h, nil
}

// verified returns the memoized bundle, resolving it on first use.
func (e *Extractor) verified(ctx context.Context) (*verify.Bundle, error) {
	e.bundleMu.Lock()
	defer e.bundleMu.Unlock()
	if e.bundle != nil {
		return e.bundle, nil
	}
	b, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	e.bundle = b
	return b, nil
}

// resolve is fetch -> verify. Only verified bytes leave this function.
func (e *Extractor) resolve(ctx context.Context) (*verify.Bundle, error) {
	m, err := e.fetcher.Fetch(ctx, e.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	code, err := e.fetcher.FetchModule(ctx, m)
	if err != nil {
		return nil, err
	}
	b, err := e.verifier.Verify(m, code)
	if err != nil {
		e.log.Warn("bundle rejected", zap.String("module", m.String()), zap.Error(err))
		return nil, err
	}
	e.log.Info("bundle verified",
		zap.String("module", m.ModuleID),
		zap.String("version", m.Version),
		zap.Stringer("digest", m.Digest()))
	return b, nil
}

// Refresh re-fetches the manifest and, when it names a different module,
// switches subsequent calls to it. Calls already running finish on the old
// instance. On error the current bundle stays in use.
func (e *Extractor) Refresh(ctx context.Context) error {
	b, err := e.resolve(ctx)
	if err != nil {
		return err
	}

	e.bundleMu.Lock()
	prev := e.bundle
	e.bundle = b
	e.bundleMu.Unlock()
	if prev != nil && prev.Manifest().Digest().Key() == b.Manifest().Digest().Key() {
		return nil
	}

	e.mu.Lock()
	e.gen++
	if l := e.current; l != nil {
		e.retireLocked(l)
		e.current = nil
	}
	e.mu.Unlock()

	if prev != nil {
		e.log.Info("bundle replaced", zap.String("from", prev.Manifest().String()), zap.String("to", b.Manifest().String()))
	}
	return nil
}

// Version returns the manifest of the bundle in use, if one was resolved.
func (e *Extractor) Version() (string, bool) {
	e.bundleMu.Lock()
	defer e.bundleMu.Unlock()
	if e.bundle == nil {
		return "", false
	}
	return e.bundle.Manifest().String(), true
}

// Close waits for running calls, then releases the retained instance and
// the runtime. Later calls fail with instance_closed.
func (e *Extractor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	}

	e.mu.Lock()
	l := e.current
	e.current = nil
	e.mu.Unlock()
	if l != nil {
		_ = l.inst.Close(ctx)
	}
	return e.runtime.Close(ctx)
}
