package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/manifest"
	"github.com/wippyai/plugin-sandbox/metrics"
)

// DefaultMaxEntries bounds the number of modules kept on disk.
const DefaultMaxEntries = 64

const tmpPrefix = ".tmp-"

// Options configures a Store.
type Options struct {
	// Dir is the cache root. Required.
	Dir string
	// MaxEntries bounds the LRU index. 0 means DefaultMaxEntries.
	MaxEntries int
	// EvictSuperseded removes the previous module of the same id when a new
	// digest for it is stored.
	EvictSuperseded bool
	Metrics         *metrics.Collector
}

// Store is a content-addressed module cache on local disk.
// Entries are published with write-then-rename, so concurrent readers never
// observe a partial module. Safe for concurrent use.
type Store struct {
	index     *lru.Cache[string, int64]
	owners    map[string]string // module id -> digest key
	metrics   *metrics.Collector
	dir       string
	mu        sync.Mutex
	supersede bool
}

// Open opens or creates a store rooted at opts.Dir and indexes the entries
// already present, oldest first. Leftover temp files from interrupted
// writes are removed.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.InvalidInput(errors.PhaseCache, "cache dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "create cache dir")
	}
	size := opts.MaxEntries
	if size <= 0 {
		size = DefaultMaxEntries
	}

	s := &Store{
		dir:       opts.Dir,
		owners:    make(map[string]string),
		metrics:   opts.Metrics,
		supersede: opts.EvictSuperseded,
	}
	index, err := lru.NewWithEvict[string, int64](size, s.onEvict)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "create cache index")
	}
	s.index = index

	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

type existing struct {
	key     string
	size    int64
	modTime int64
}

func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "read cache dir")
	}

	var found []existing
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if _, err := manifest.ParseKey(name); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, existing{key: name, size: info.Size(), modTime: info.ModTime().UnixNano()})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].modTime < found[j].modTime })
	for _, f := range found {
		s.index.Add(f.key, f.size)
	}
	return nil
}

// onEvict deletes the backing file of an entry dropped from the index.
func (s *Store) onEvict(key string, _ int64) {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		Logger().Warn("remove evicted module", zap.String("key", key), zap.Error(err))
		return
	}
	s.metrics.CacheEvicted()
	Logger().Debug("evicted module", zap.String("key", key))
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the module stored under d. A stored file whose content no
// longer hashes to d is removed and reported as a miss.
func (s *Store) Get(d manifest.Digest) ([]byte, bool) {
	key := d.Key()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			Logger().Warn("read cached module", zap.String("key", key), zap.Error(err))
		}
		s.index.Remove(key)
		s.metrics.CacheMiss()
		return nil, false
	}
	if !d.Matches(data) {
		Logger().Warn("dropping corrupted cache entry", zap.String("key", key))
		s.Remove(d)
		s.metrics.CacheMiss()
		return nil, false
	}
	s.index.Add(key, int64(len(data)))
	s.metrics.CacheHit()
	return data, true
}

// Contains reports whether d is indexed, without reading it.
func (s *Store) Contains(d manifest.Digest) bool {
	return s.index.Contains(d.Key())
}

// Put publishes data under d on behalf of moduleID. Data that does not hash
// to d is refused, so the cache only ever holds self-consistent entries.
func (s *Store) Put(ctx context.Context, moduleID string, d manifest.Digest, data []byte) error {
	if !d.Matches(data) {
		return errors.New(errors.PhaseCache, errors.KindVerificationFailed).
			Module(moduleID).
			Detail("content does not match digest %s", d.Key()).
			Build()
	}
	key := d.Key()
	if err := s.writeAtomic(ctx, key, data); err != nil {
		return err
	}
	s.index.Add(key, int64(len(data)))

	if s.supersede && moduleID != "" {
		s.mu.Lock()
		prev, ok := s.owners[moduleID]
		s.owners[moduleID] = key
		s.mu.Unlock()
		if ok && prev != key {
			s.index.Remove(prev)
		}
	}
	return nil
}

// Remove deletes the entry for d.
func (s *Store) Remove(d manifest.Digest) {
	key := d.Key()
	if !s.index.Remove(key) {
		_ = os.Remove(s.path(key))
	}
}

// Len returns the number of indexed entries.
func (s *Store) Len() int {
	return s.index.Len()
}

func (s *Store) writeAtomic(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindCancelled, err, "write "+key)
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindResourceExceeded, err, "create temp file")
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.PhaseCache, errors.KindResourceExceeded, err, "write "+key)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.PhaseCache, errors.KindResourceExceeded, err, "close "+key)
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.PhaseCache, errors.KindResourceExceeded, err, "chmod "+key)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.PhaseCache, errors.KindResourceExceeded, err, "publish "+key)
	}
	syncDir(s.dir)
	return nil
}

// syncDir is best effort; some platforms cannot fsync directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
