package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/wippyai/plugin-sandbox/errors"
)

// Runtime names the execution substrate a module targets.
type Runtime string

const (
	RuntimeJS   Runtime = "js"
	RuntimeWasm Runtime = "wasm"
)

// Extension returns the conventional file extension for modules of r.
func (r Runtime) Extension() string {
	if r == RuntimeWasm {
		return ".wasm"
	}
	return ".js"
}

// Manifest describes one versioned module and the runtime it targets.
// It is immutable once parsed.
type Manifest struct {
	ModuleID          string
	Version           string
	ModuleHash        []byte
	HashAlgorithm     Algorithm
	Runtime           Runtime
	RuntimeMinVersion string
	ModuleURL         string
	KeyID             string
	Signature         []byte

	// Source is the endpoint the manifest was fetched from. Not part of the
	// signed payload.
	Source string
}

// document is the wire form. Field order is the signing order.
type document struct {
	ModuleID          string `json:"moduleId"`
	Version           string `json:"version"`
	ModuleHash        string `json:"moduleHash"`
	HashAlgorithm     string `json:"hashAlgorithm,omitempty"`
	Runtime           string `json:"runtime,omitempty"`
	RuntimeMinVersion string `json:"runtimeMinVersion"`
	ModuleURL         string `json:"moduleUrl,omitempty"`
	KeyID             string `json:"keyId,omitempty"`
	Signature         string `json:"signature,omitempty"`
}

// Parse decodes and validates a manifest document.
// Any schema violation is reported as KindManifestMalformed.
func Parse(data []byte) (Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return Manifest{}, errors.Wrap(errors.PhaseFetch, errors.KindManifestMalformed, err, "decode manifest")
	}
	if _, err := dec.Token(); err != io.EOF {
		return Manifest{}, errors.Malformed(nil, "trailing data after manifest document")
	}

	m := Manifest{
		ModuleID:          doc.ModuleID,
		Version:           doc.Version,
		HashAlgorithm:     Algorithm(doc.HashAlgorithm),
		Runtime:           Runtime(doc.Runtime),
		RuntimeMinVersion: doc.RuntimeMinVersion,
		ModuleURL:         doc.ModuleURL,
		KeyID:             doc.KeyID,
	}
	if m.HashAlgorithm == "" {
		m.HashAlgorithm = SHA256
	}
	if m.Runtime == "" {
		m.Runtime = RuntimeJS
	}

	if doc.ModuleHash == "" {
		return Manifest{}, errors.Malformed([]string{"moduleHash"}, "required")
	}
	sum, err := hex.DecodeString(doc.ModuleHash)
	if err != nil {
		return Manifest{}, errors.Malformed([]string{"moduleHash"}, "not hex encoded")
	}
	m.ModuleHash = sum

	if doc.Signature != "" {
		sig, err := hex.DecodeString(doc.Signature)
		if err != nil {
			return Manifest{}, errors.Malformed([]string{"signature"}, "not hex encoded")
		}
		m.Signature = sig
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks the schema invariants of m.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.ModuleID) == "" {
		return errors.Malformed([]string{"moduleId"}, "required")
	}
	if strings.ContainsAny(m.ModuleID, "/\\") {
		return errors.Malformed([]string{"moduleId"}, "must not contain path separators")
	}
	if m.Version == "" {
		return errors.Malformed([]string{"version"}, "required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return errors.Malformed([]string{"version"}, "not a semantic version: "+err.Error())
	}
	if m.RuntimeMinVersion == "" {
		return errors.Malformed([]string{"runtimeMinVersion"}, "required")
	}
	if _, err := semver.NewVersion(m.RuntimeMinVersion); err != nil {
		return errors.Malformed([]string{"runtimeMinVersion"}, "not a semantic version: "+err.Error())
	}
	size, ok := m.HashAlgorithm.Size()
	if !ok {
		return errors.Malformed([]string{"hashAlgorithm"}, "unsupported algorithm "+string(m.HashAlgorithm))
	}
	if len(m.ModuleHash) != size {
		return errors.Malformed([]string{"moduleHash"}, "wrong digest length for "+string(m.HashAlgorithm))
	}
	switch m.Runtime {
	case RuntimeJS, RuntimeWasm:
	default:
		return errors.Malformed([]string{"runtime"}, "unsupported runtime "+string(m.Runtime))
	}
	if m.KeyID != "" && len(m.Signature) == 0 {
		return errors.Malformed([]string{"keyId"}, "keyId without signature")
	}
	return nil
}

// Digest returns the content address of the module m describes.
func (m Manifest) Digest() Digest {
	return Digest{Algorithm: m.HashAlgorithm, Sum: m.ModuleHash}
}

// Signed reports whether m carries a signature.
func (m Manifest) Signed() bool {
	return len(m.Signature) > 0
}

// SigningPayload returns the deterministic bytes a signature covers:
// the wire document without the signature field.
func (m Manifest) SigningPayload() []byte {
	doc := m.document()
	doc.Signature = ""
	data, _ := json.Marshal(doc)
	return data
}

// Marshal encodes m in its wire form.
func (m Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m.document())
}

func (m Manifest) document() document {
	doc := document{
		ModuleID:          m.ModuleID,
		Version:           m.Version,
		ModuleHash:        hex.EncodeToString(m.ModuleHash),
		HashAlgorithm:     string(m.HashAlgorithm),
		Runtime:           string(m.Runtime),
		RuntimeMinVersion: m.RuntimeMinVersion,
		ModuleURL:         m.ModuleURL,
		KeyID:             m.KeyID,
	}
	if len(m.Signature) > 0 {
		doc.Signature = hex.EncodeToString(m.Signature)
	}
	return doc
}

// ModuleLocation resolves the module URL against the manifest source.
func (m Manifest) ModuleLocation() (string, error) {
	ref := m.ModuleURL
	if ref == "" {
		ref = m.ModuleID + m.Runtime.Extension()
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", errors.Malformed([]string{"moduleUrl"}, err.Error())
	}
	if m.Source == "" {
		return refURL.String(), nil
	}
	base, err := url.Parse(m.Source)
	if err != nil {
		return "", errors.InvalidInput(errors.PhaseFetch, "manifest source is not a URL: "+m.Source)
	}
	loc := base.ResolveReference(refURL)
	if !schemeAllowed(base.Scheme, loc.Scheme) {
		return "", errors.Malformed([]string{"moduleUrl"},
			fmt.Sprintf("module scheme %q is not allowed for a manifest served over %q", loc.Scheme, base.Scheme))
	}
	return loc.String(), nil
}

// schemeAllowed reports whether a manifest read through source may name a
// module at target. A module stays under its manifest's scheme; the only
// move allowed is http to https.
func schemeAllowed(source, target string) bool {
	local := func(s string) string {
		if s == "" {
			return "file"
		}
		return s
	}
	source, target = local(source), local(target)
	return source == target || (source == "http" && target == "https")
}

// SatisfiedBy reports whether a host runtime at version meets
// m.RuntimeMinVersion.
func (m Manifest) SatisfiedBy(version string) (bool, error) {
	host, err := semver.NewVersion(version)
	if err != nil {
		return false, errors.InvalidInput(errors.PhaseLoad, "host runtime version: "+err.Error())
	}
	required, err := semver.NewVersion(m.RuntimeMinVersion)
	if err != nil {
		return false, errors.Malformed([]string{"runtimeMinVersion"}, err.Error())
	}
	return !host.LessThan(*required), nil
}

// String identifies the module for logs.
func (m Manifest) String() string {
	return m.ModuleID + "@" + m.Version
}
