package verify

import (
	"bytes"
	"time"

	"github.com/wippyai/plugin-sandbox/manifest"
)

// Bundle is a module that passed verification. Its fields are unexported:
// the only way to obtain one is Verifier.Verify.
type Bundle struct {
	verifiedAt time.Time
	manifest   manifest.Manifest
	code       []byte
}

// Manifest returns the manifest the bundle was verified against.
func (b *Bundle) Manifest() manifest.Manifest { return b.manifest }

// Code returns a copy of the verified module bytes.
func (b *Bundle) Code() []byte { return bytes.Clone(b.code) }

// Size returns the module size in bytes.
func (b *Bundle) Size() int { return len(b.code) }

// VerifiedAt returns when verification succeeded.
func (b *Bundle) VerifiedAt() time.Time { return b.verifiedAt }
