package verify

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/manifest"
	"github.com/wippyai/plugin-sandbox/metrics"
)

// Options configures a Verifier.
type Options struct {
	// TrustedKeys are pinned ed25519 public keys by key id. A manifest
	// naming a keyId is checked against that key only.
	TrustedKeys map[string]ed25519.PublicKey

	// Metrics receives verification outcomes. Optional.
	Metrics *metrics.Collector

	// RequireSignature rejects unsigned manifests.
	RequireSignature bool
}

// Verifier checks module bytes against their manifest.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	keys    map[string]ed25519.PublicKey
	metrics *metrics.Collector
	keyIDs  []string
	require bool
}

// New creates a Verifier. Keys of the wrong size are rejected.
func New(opts Options) (*Verifier, error) {
	v := &Verifier{
		keys:    make(map[string]ed25519.PublicKey, len(opts.TrustedKeys)),
		metrics: opts.Metrics,
		require: opts.RequireSignature,
	}
	for id, key := range opts.TrustedKeys {
		if len(key) != ed25519.PublicKeySize {
			return nil, errors.InvalidInput(errors.PhaseConfig, "trusted key "+id+" is not an ed25519 public key")
		}
		v.keys[id] = bytes.Clone(key)
		v.keyIDs = append(v.keyIDs, id)
	}
	sort.Strings(v.keyIDs)
	return v, nil
}

// Verify checks code against m and returns the loadable bundle.
//
// The digest is checked first with the algorithm m declares. A signed
// manifest is then checked against the pinned keys; with no pinned key to
// check against the result is trust_configuration_missing, never a pass.
func (v *Verifier) Verify(m manifest.Manifest, code []byte) (*Bundle, error) {
	b, err := v.verify(m, code)
	v.metrics.Verify(string(errors.KindOf(err)))
	return b, err
}

func (v *Verifier) verify(m manifest.Manifest, code []byte) (*Bundle, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if !m.Digest().Matches(code) {
		return nil, errors.New(errors.PhaseVerify, errors.KindVerificationFailed).
			Module(m.String()).
			Detail("module bytes do not match %s", m.Digest()).
			Build()
	}

	if m.Signed() {
		if err := v.checkSignature(m); err != nil {
			return nil, err
		}
	} else if v.require {
		return nil, errors.New(errors.PhaseVerify, errors.KindVerificationFailed).
			Module(m.String()).
			Detail("manifest is unsigned").
			Build()
	}

	return &Bundle{
		manifest:   m,
		code:       bytes.Clone(code),
		verifiedAt: time.Now(),
	}, nil
}

func (v *Verifier) checkSignature(m manifest.Manifest) error {
	if len(m.Signature) != ed25519.SignatureSize {
		return errors.New(errors.PhaseVerify, errors.KindVerificationFailed).
			Module(m.String()).
			Path("signature").
			Detail("signature is %d bytes, want %d", len(m.Signature), ed25519.SignatureSize).
			Build()
	}

	payload := m.SigningPayload()
	if m.KeyID != "" {
		key, ok := v.keys[m.KeyID]
		if !ok {
			return errors.New(errors.PhaseVerify, errors.KindTrustConfigurationMissing).
				Module(m.String()).
				Path("keyId").
				Detail("no trusted key pinned for %q", m.KeyID).
				Build()
		}
		if !ed25519.Verify(key, payload, m.Signature) {
			return errors.New(errors.PhaseVerify, errors.KindVerificationFailed).
				Module(m.String()).
				Path("signature").
				Detail("signature does not verify with key %q", m.KeyID).
				Build()
		}
		return nil
	}

	if len(v.keyIDs) == 0 {
		return errors.New(errors.PhaseVerify, errors.KindTrustConfigurationMissing).
			Module(m.String()).
			Detail("manifest is signed but no trusted keys are configured").
			Build()
	}
	for _, id := range v.keyIDs {
		if ed25519.Verify(v.keys[id], payload, m.Signature) {
			return nil
		}
	}
	return errors.New(errors.PhaseVerify, errors.KindVerificationFailed).
		Module(m.String()).
		Path("signature").
		Detail("signature does not verify with any of %d trusted keys", len(v.keyIDs)).
		Build()
}

// Sign returns a copy of m signed with priv under keyID.
func Sign(m manifest.Manifest, keyID string, priv ed25519.PrivateKey) manifest.Manifest {
	m.KeyID = keyID
	m.Signature = ed25519.Sign(priv, m.SigningPayload())
	return m
}

// ParsePublicKey decodes a hex or standard base64 ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.InvalidInput(errors.PhaseConfig, "public key is neither hex nor base64")
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.InvalidInput(errors.PhaseConfig, "public key has wrong length")
	}
	return ed25519.PublicKey(raw), nil
}
