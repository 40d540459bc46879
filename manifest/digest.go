package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/wippyai/plugin-sandbox/errors"
)

// Algorithm names a module digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// Size returns the digest length in bytes, and false for unknown algorithms.
func (a Algorithm) Size() (int, bool) {
	switch a {
	case SHA256:
		return sha256.Size, true
	case BLAKE2b256:
		return blake2b.Size256, true
	}
	return 0, false
}

// Sum hashes data with a. Unknown algorithms yield nil.
func (a Algorithm) Sum(data []byte) []byte {
	switch a {
	case SHA256:
		s := sha256.Sum256(data)
		return s[:]
	case BLAKE2b256:
		s := blake2b.Sum256(data)
		return s[:]
	}
	return nil
}

// Digest is a content address: algorithm plus raw digest bytes.
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// Of computes the digest of data with algorithm a.
func Of(a Algorithm, data []byte) Digest {
	return Digest{Algorithm: a, Sum: a.Sum(data)}
}

// Matches reports whether data hashes to d. Length and bytes must both match.
func (d Digest) Matches(data []byte) bool {
	size, ok := d.Algorithm.Size()
	if !ok || len(d.Sum) != size {
		return false
	}
	return bytes.Equal(d.Algorithm.Sum(data), d.Sum)
}

// Key is the cache file name for d, e.g. "sha256-9f86d0...".
func (d Digest) Key() string {
	return string(d.Algorithm) + "-" + hex.EncodeToString(d.Sum)
}

func (d Digest) String() string {
	return d.Key()
}

// ParseKey is the inverse of Digest.Key.
func ParseKey(key string) (Digest, error) {
	for _, a := range []Algorithm{BLAKE2b256, SHA256} {
		prefix := string(a) + "-"
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sum, err := hex.DecodeString(key[len(prefix):])
		if err != nil {
			return Digest{}, errors.InvalidInput(errors.PhaseCache, "digest key is not hex: "+key)
		}
		if size, _ := a.Size(); len(sum) != size {
			return Digest{}, errors.InvalidInput(errors.PhaseCache, "digest key has wrong length: "+key)
		}
		return Digest{Algorithm: a, Sum: sum}, nil
	}
	return Digest{}, errors.InvalidInput(errors.PhaseCache, "unknown digest key: "+key)
}
