package verify

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/manifest"
	"github.com/wippyai/plugin-sandbox/metrics"
)

var code = []byte(`sandbox.bind("extractor", {extract: function (c) { return {text: c}; }});`)

func testManifest(alg manifest.Algorithm, data []byte) manifest.Manifest {
	return manifest.Manifest{
		ModuleID:          "readability",
		Version:           "1.2.0",
		ModuleHash:        alg.Sum(data),
		HashAlgorithm:     alg,
		Runtime:           manifest.RuntimeJS,
		RuntimeMinVersion: "1.0.0",
	}
}

func testKey(t *testing.T, seed byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	priv := ed25519.NewKeyFromSeed(s)
	return priv.Public().(ed25519.PublicKey), priv
}

func newVerifier(t *testing.T, opts Options) *Verifier {
	t.Helper()
	v, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestVerify_Digest(t *testing.T) {
	v := newVerifier(t, Options{})

	for _, alg := range []manifest.Algorithm{manifest.SHA256, manifest.BLAKE2b256} {
		t.Run(string(alg), func(t *testing.T) {
			b, err := v.Verify(testManifest(alg, code), code)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if string(b.Code()) != string(code) {
				t.Error("bundle code differs from input")
			}
			if b.Manifest().ModuleID != "readability" || b.Size() != len(code) {
				t.Errorf("bundle = %v, %d bytes", b.Manifest(), b.Size())
			}
			if b.VerifiedAt().IsZero() {
				t.Error("VerifiedAt not set")
			}
		})
	}
}

func TestVerify_MutatedBytes(t *testing.T) {
	v := newVerifier(t, Options{})
	m := testManifest(manifest.SHA256, code)

	tests := []struct {
		name string
		data []byte
	}{
		{"flipped byte", append([]byte{code[0] ^ 1}, code[1:]...)},
		{"truncated", code[:len(code)-1]},
		{"extended", append(append([]byte(nil), code...), ' ')},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := v.Verify(m, tt.data)
			if !errors.Is(err, errors.ErrVerificationFailed) {
				t.Fatalf("expected verification_failed, got %v", err)
			}
			if b != nil {
				t.Error("failed verification returned a bundle")
			}
		})
	}
}

func TestVerify_Signature(t *testing.T) {
	pub, priv := testKey(t, 1)
	otherPub, otherPriv := testKey(t, 2)
	unsigned := testManifest(manifest.SHA256, code)

	tests := []struct {
		name string
		opts Options
		m    manifest.Manifest
		want *errors.Error
	}{
		{
			name: "pinned key by id",
			opts: Options{TrustedKeys: map[string]ed25519.PublicKey{"release": pub}},
			m:    Sign(unsigned, "release", priv),
		},
		{
			name: "any pinned key",
			opts: Options{TrustedKeys: map[string]ed25519.PublicKey{"a": otherPub, "b": pub}},
			m:    Sign(unsigned, "", priv),
		},
		{
			name: "no keys configured",
			opts: Options{},
			m:    Sign(unsigned, "release", priv),
			want: errors.ErrTrustConfigurationMissing,
		},
		{
			name: "unknown key id",
			opts: Options{TrustedKeys: map[string]ed25519.PublicKey{"release": pub}},
			m:    Sign(unsigned, "staging", priv),
			want: errors.ErrTrustConfigurationMissing,
		},
		{
			name: "wrong signer",
			opts: Options{TrustedKeys: map[string]ed25519.PublicKey{"release": pub}},
			m:    Sign(unsigned, "release", otherPriv),
			want: errors.ErrVerificationFailed,
		},
		{
			name: "tampered field",
			opts: Options{TrustedKeys: map[string]ed25519.PublicKey{"release": pub}},
			m:    func() manifest.Manifest { m := Sign(unsigned, "release", priv); m.Version = "9.9.9"; return m }(),
			want: errors.ErrVerificationFailed,
		},
		{
			name: "short signature",
			opts: Options{TrustedKeys: map[string]ed25519.PublicKey{"release": pub}},
			m:    func() manifest.Manifest { m := Sign(unsigned, "release", priv); m.Signature = m.Signature[:10]; return m }(),
			want: errors.ErrVerificationFailed,
		},
		{
			name: "unsigned allowed",
			opts: Options{TrustedKeys: map[string]ed25519.PublicKey{"release": pub}},
			m:    unsigned,
		},
		{
			name: "unsigned required",
			opts: Options{RequireSignature: true, TrustedKeys: map[string]ed25519.PublicKey{"release": pub}},
			m:    unsigned,
			want: errors.ErrVerificationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVerifier(t, tt.opts)
			b, err := v.Verify(tt.m, code)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Verify: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want.Kind, err)
			}
			if b != nil {
				t.Error("failed verification returned a bundle")
			}
		})
	}
}

func TestVerify_SignedRoundTrip(t *testing.T) {
	pub, priv := testKey(t, 3)
	signed := Sign(testManifest(manifest.BLAKE2b256, code), "release", priv)

	data, err := signed.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := manifest.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	v := newVerifier(t, Options{TrustedKeys: map[string]ed25519.PublicKey{"release": pub}})
	if _, err := v.Verify(parsed, code); err != nil {
		t.Errorf("Verify after round trip: %v", err)
	}
}

func TestVerify_Metrics(t *testing.T) {
	c := metrics.NewCollector("verify_test")
	v := newVerifier(t, Options{Metrics: c})
	m := testManifest(manifest.SHA256, code)

	_, _ = v.Verify(m, code)
	_, _ = v.Verify(m, []byte("other"))

	got, err := testutil.GatherAndCount(c.Registry(), "verify_test_bundle_verify_total")
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("verify series = %d, want 2", got)
	}
}

func TestNew_RejectsBadKey(t *testing.T) {
	_, err := New(Options{TrustedKeys: map[string]ed25519.PublicKey{"bad": make([]byte, 5)}})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _ := testKey(t, 4)

	got, err := ParsePublicKey(hex.EncodeToString(pub))
	if err != nil || !got.Equal(pub) {
		t.Errorf("hex: %v", err)
	}
	if _, err := ParsePublicKey("zz"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("expected invalid_input, got %v", err)
	}
	if _, err := ParsePublicKey("abcd"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("short key: expected invalid_input, got %v", err)
	}
}
