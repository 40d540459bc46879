package extractor

import (
	"bytes"
	"crypto/ed25519"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/fetch"
	"github.com/wippyai/plugin-sandbox/metrics"
	"github.com/wippyai/plugin-sandbox/runtime"
	"github.com/wippyai/plugin-sandbox/verify"
)

// PoolPolicy decides how instances are shared between Extract calls.
type PoolPolicy string

const (
	// PoolNone loads a fresh instance for every call and closes it after.
	PoolNone PoolPolicy = "none"

	// PoolReuse keeps one instance and serves callers on it in arrival
	// order. A faulted instance is replaced on the next call.
	PoolReuse PoolPolicy = "reuse"
)

const DefaultCallTimeout = 10 * time.Second

// Config configures an Extractor. The yaml form is read by LoadConfig.
type Config struct {
	// HTTPClient overrides the client used for http(s) sources.
	HTTPClient *http.Client `yaml:"-"`

	// Metrics receives fetch, cache, verify and call events. Optional.
	Metrics *metrics.Collector `yaml:"-"`

	// S3 enables s3:// sources.
	S3 *fetch.S3Config `yaml:"s3"`

	// TrustedKeys maps key ids to ed25519 public keys, hex or base64.
	TrustedKeys map[string]string `yaml:"trusted_keys"`

	// Endpoint is the manifest URL: http(s)://, s3:// or a local path.
	Endpoint string `yaml:"endpoint"`

	// CacheDir holds verified module bytes by digest. Empty disables the
	// on-disk cache.
	CacheDir string `yaml:"cache_dir"`

	Pool PoolPolicy `yaml:"pool"`

	// Capabilities are host services exposed to the module.
	Capabilities []runtime.Capability `yaml:"-"`

	// CallTimeout applies to Extract calls whose context has no deadline.
	CallTimeout     time.Duration `yaml:"call_timeout"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
	MaxCallDuration time.Duration `yaml:"max_call_duration"`

	MaxManifestBytes int64 `yaml:"max_manifest_bytes"`
	MaxModuleBytes   int64 `yaml:"max_module_bytes"`
	MaxPayloadBytes  int   `yaml:"max_payload_bytes"`
	CacheEntries     int   `yaml:"cache_entries"`

	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	RequireSignature bool `yaml:"require_signature"`
	EvictSuperseded  bool `yaml:"evict_superseded"`
}

// LoadConfig reads a yaml config file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse config "+path)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Pool == "" {
		c.Pool = PoolNone
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Validate reports configuration errors as invalid_input.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.InvalidInput(errors.PhaseConfig, "endpoint is required")
	}
	switch c.Pool {
	case "", PoolNone, PoolReuse:
	default:
		return errors.InvalidInput(errors.PhaseConfig, "unknown pool policy "+string(c.Pool))
	}
	if c.CallTimeout < 0 || c.LoadTimeout < 0 || c.MaxCallDuration < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "timeouts must not be negative")
	}
	if c.MaxManifestBytes < 0 || c.MaxModuleBytes < 0 || c.MaxPayloadBytes < 0 || c.CacheEntries < 0 {
		return errors.InvalidInput(errors.PhaseConfig, "limits must not be negative")
	}
	if c.S3 != nil {
		if err := c.S3.Validate(); err != nil {
			return err
		}
	}
	_, err := c.trustedKeys()
	return err
}

func (c Config) trustedKeys() (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(c.TrustedKeys))
	for id, s := range c.TrustedKeys {
		key, err := verify.ParsePublicKey(s)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "trusted key "+id)
		}
		keys[id] = key
	}
	return keys, nil
}
