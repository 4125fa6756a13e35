package merkle

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Domain prefixes. The version suffix enables future algorithm migration.
const (
	DomainNode      = "keel/node/v1"
	DomainEdge      = "keel/edge/v1"
	DomainEdgeEntry = "keel/edge-entry/v1"
	DomainComposite = "keel/composite/v1"
	DomainSignature = "keel/signature/v1"
	DomainFunction  = "keel/function/v1"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a BLAKE3-256 digest.
type Hash [Size]byte

// Hex returns the full lowercase hex encoding.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String returns a short prefix for logs and traces.
func (h Hash) String() string {
	return h.Hex()[:12]
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the hash as hex so it reads cleanly in JSON and YAML.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes a hex hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(Size) {
		return h, fmt.Errorf("parse hash: want %d hex chars, got %d", hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	return h, nil
}

// newHasher starts a BLAKE3 hasher with the domain prefix and its null
// separator already written. The separator prevents domain/data boundary
// ambiguity.
func newHasher(domain string) *blake3.Hasher {
	h := blake3.New(Size, nil)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	return h
}

// hashWithDomain computes BLAKE3(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) Hash {
	h := newHasher(domain)
	h.Write(data)
	return sum(h)
}

func sum(h *blake3.Hasher) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
