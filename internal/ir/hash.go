package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain is a domain-separation prefix. Each artifact class hashes under its
// own Domain so identical bytes hashed as two different kinds never collide.
type Domain string

// Domain prefixes. The version suffix enables future algorithm migration.
const (
	DomainIdentityPlane      Domain = "keel/identity_plane/v1"
	DomainEvidencePlane      Domain = "keel/evidence_plane/v1"
	DomainCompilationPayload Domain = "keel/compilation_payload/v1"
	DomainRegistrySnapshot   Domain = "keel/registry_snapshot/v1"
	DomainSchemaBundle       Domain = "keel/schema_bundle/v1"
	DomainOperatorRegistry   Domain = "keel/operator_registry/v1"
	DomainTracePayload       Domain = "keel/trace_payload/v1"
	DomainTraceStep          Domain = "keel/trace_step/v1"
	DomainTraceStepChain     Domain = "keel/trace_step_chain/v1"
	DomainSearchCandidate    Domain = "keel/search_candidate/v1"
	DomainSearchNode         Domain = "keel/search_node/v1"
	DomainSearchPolicy       Domain = "keel/search_policy/v1"
	DomainSearchTape         Domain = "keel/search_tape/v1"
	DomainSearchTapeChain    Domain = "keel/search_tape_chain/v1"
	DomainBundleArtifact     Domain = "keel/bundle_artifact/v1"
	DomainBundleDigest       Domain = "keel/bundle_digest/v1"
	DomainFixture            Domain = "keel/fixture/v1"
	DomainCodebook           Domain = "keel/codebook/v1"
	DomainPolicySnapshot     Domain = "keel/policy_snapshot/v1"
	DomainSuiteIdentity      Domain = "keel/suite_identity/v1"
)

// ContentHash is a rendered digest of the form "sha256:<64 lowercase hex>".
type ContentHash string

// CanonicalHash computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func CanonicalHash(domain Domain, data []byte) ContentHash {
	sum := RawHash(domain, data)
	return ContentHash(HashAlgorithm + ":" + hex.EncodeToString(sum[:]))
}

// RawHash is CanonicalHash without rendering. Chain hashes feed raw digests
// back into the next link.
func RawHash(domain Domain, data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashCanonical marshals v canonically and hashes the result under domain.
func HashCanonical(domain Domain, v any) (ContentHash, []byte, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", nil, fmt.Errorf("hash %s: %w", domain, err)
	}
	return CanonicalHash(domain, data), data, nil
}

// FromRaw renders a raw digest.
func FromRaw(sum [32]byte) ContentHash {
	return ContentHash(HashAlgorithm + ":" + hex.EncodeToString(sum[:]))
}

// ParseContentHash validates a rendered hash.
func ParseContentHash(s string) (ContentHash, error) {
	hexPart, ok := strings.CutPrefix(s, HashAlgorithm+":")
	if !ok {
		return "", fmt.Errorf("content hash %q: missing %s: prefix", s, HashAlgorithm)
	}
	if err := ValidateHex(hexPart); err != nil {
		return "", fmt.Errorf("content hash %q: %w", s, err)
	}
	return ContentHash(s), nil
}

// ValidateHex checks a bare 64-character lowercase hex digest.
func ValidateHex(s string) error {
	if len(s) != 64 {
		return fmt.Errorf("want 64 hex chars, got %d", len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("non-lowercase-hex byte %q at %d", c, i)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (h ContentHash) String() string { return string(h) }

// Hex returns the digest without the algorithm prefix. Binding fields inside
// graphs and tape headers carry bare hex.
func (h ContentHash) Hex() string {
	return strings.TrimPrefix(string(h), HashAlgorithm+":")
}

// Raw decodes the digest bytes. The zero array is returned for malformed hashes.
func (h ContentHash) Raw() [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(h.Hex())
	if err != nil || len(b) != 32 {
		return out
	}
	copy(out[:], b)
	return out
}

// MustHashCanonical is like HashCanonical but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHashCanonical(domain Domain, v any) ContentHash {
	h, _, err := HashCanonical(domain, v)
	if err != nil {
		panic(err)
	}
	return h
}
