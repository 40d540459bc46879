package fetch

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"github.com/wippyai/plugin-sandbox/cache"
	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/manifest"
	"github.com/wippyai/plugin-sandbox/metrics"
)

// Default payload ceilings.
const (
	DefaultMaxManifestBytes int64 = 64 << 10
	DefaultMaxModuleBytes   int64 = 32 << 20
)

// object labels for metrics and errors
const (
	objectManifest = "manifest"
	objectModule   = "module"
)

// Options configures a Fetcher.
type Options struct {
	// Cache stores verified-shape module bytes by digest. Optional; without
	// it every FetchModule goes to the network.
	Cache *cache.Store

	// HTTPClient serves http and https locations. Defaults to a client with
	// a 30s timeout.
	HTTPClient *http.Client

	// S3 serves s3://bucket/key locations. Optional.
	S3 *minio.Client

	Metrics *metrics.Collector

	MaxManifestBytes int64
	MaxModuleBytes   int64
}

// Fetcher acquires manifests and module payloads. It never retries; a
// failed fetch is reported once with its fault kind.
type Fetcher struct {
	cache       *cache.Store
	metrics     *metrics.Collector
	sources     map[string]Source
	maxManifest int64
	maxModule   int64
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &Fetcher{
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		maxManifest: opts.MaxManifestBytes,
		maxModule:   opts.MaxModuleBytes,
		sources: map[string]Source{
			"http":  httpSource{client: client},
			"https": httpSource{client: client},
			"s3":    s3Source{client: opts.S3},
			"file":  fileSource{},
			"":      fileSource{},
		},
	}
	if f.maxManifest <= 0 {
		f.maxManifest = DefaultMaxManifestBytes
	}
	if f.maxModule <= 0 {
		f.maxModule = DefaultMaxModuleBytes
	}
	return f
}

// Register installs src for URL scheme, replacing any existing source.
// It must be called before the Fetcher is shared.
func (f *Fetcher) Register(scheme string, src Source) {
	f.sources[scheme] = src
}

// Fetch retrieves and parses the manifest at endpoint.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string) (manifest.Manifest, error) {
	start := time.Now()
	m, err := f.fetchManifest(ctx, endpoint)
	f.metrics.Fetch(objectManifest, string(errors.KindOf(err)), time.Since(start))
	if err != nil {
		Logger().Debug("manifest fetch failed",
			zap.String("endpoint", endpoint),
			zap.String("kind", string(errors.KindOf(err))),
			zap.Error(err))
		return manifest.Manifest{}, err
	}
	Logger().Debug("manifest fetched",
		zap.String("module", m.ModuleID),
		zap.String("version", m.Version),
		zap.String("endpoint", endpoint))
	return m, nil
}

func (f *Fetcher) fetchManifest(ctx context.Context, endpoint string) (manifest.Manifest, error) {
	data, err := f.get(ctx, endpoint, f.maxManifest, errors.KindManifestNotFound)
	if err != nil {
		return manifest.Manifest{}, err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return manifest.Manifest{}, err
	}
	m.Source = endpoint
	return m, nil
}

// FetchModule returns the module bytes m names, from cache when the digest
// is present. Bytes matching the digest are published to the cache before
// returning. Mismatching bytes are returned unpublished so verification can
// reject them.
func (f *Fetcher) FetchModule(ctx context.Context, m manifest.Manifest) ([]byte, error) {
	d := m.Digest()
	if f.cache != nil {
		if data, ok := f.cache.Get(d); ok {
			Logger().Debug("module served from cache",
				zap.String("module", m.ModuleID),
				zap.String("version", m.Version),
				zap.String("digest", d.Key()))
			return data, nil
		}
	}

	loc, err := m.ModuleLocation()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := f.get(ctx, loc, f.maxModule, errors.KindModuleNotFound)
	f.metrics.Fetch(objectModule, string(errors.KindOf(err)), time.Since(start))
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.Module = m.String()
		}
		return nil, err
	}

	if !d.Matches(data) {
		Logger().Warn("module bytes do not match manifest digest",
			zap.String("module", m.ModuleID),
			zap.String("version", m.Version),
			zap.String("location", loc))
		return data, nil
	}
	if f.cache != nil {
		if err := f.cache.Put(ctx, m.ModuleID, d, data); err != nil {
			Logger().Warn("module cache publish failed",
				zap.String("module", m.ModuleID),
				zap.String("digest", d.Key()),
				zap.Error(err))
		}
	}
	return data, nil
}

// get reads location through the source for its scheme and maps failures
// to fault kinds. notFound is the kind reported for a missing object.
func (f *Fetcher) get(ctx context.Context, location string, limit int64, notFound errors.Kind) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, errors.New(errors.PhaseFetch, errors.KindInvalidInput).
			Detail("invalid location %q", location).Cause(err).Build()
	}
	src, ok := f.sources[u.Scheme]
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseFetch, "unsupported location scheme "+u.Scheme)
	}

	data, err := src.Get(ctx, u, limit)
	if err == nil {
		return data, nil
	}

	b := errors.New(errors.PhaseFetch, errors.KindNetworkUnavailable).Cause(err).Detail("fetch %s", location)
	switch {
	case stderrors.Is(err, errNotFound):
		b = errors.New(errors.PhaseFetch, notFound).Cause(err).Detail("%s not found", location)
	case stderrors.Is(err, errTooLarge):
		b = errors.New(errors.PhaseFetch, errors.KindResourceExceeded).Cause(err).Detail("%s exceeds %d bytes", location, limit)
	case stderrors.Is(err, context.DeadlineExceeded):
		b = errors.New(errors.PhaseFetch, errors.KindTimeout).Cause(err).Detail("fetch %s", location)
	case stderrors.Is(err, context.Canceled):
		b = errors.New(errors.PhaseFetch, errors.KindCancelled).Cause(err).Detail("fetch %s", location)
	}
	return nil, b.Build()
}
