package domain

import (
	"encoding/hex"
	"fmt"
)

// FingerprintSize is the fixed width of a fingerprint in bytes: three
// concatenated 128-bit components (semantic, contextual, unique).
const FingerprintSize = 48

// ComponentSize is the width of a single fingerprint component in bytes.
const ComponentSize = 16

// Fingerprint is a fixed-width content hash used as a lookup key. It is
// immutable once generated and is never interpreted beyond equality and
// component extraction.
type Fingerprint [FingerprintSize]byte

// Semantic returns the order-sensitive component of the fingerprint.
func (f Fingerprint) Semantic() []byte { return f[0:ComponentSize] }

// Contextual returns the order-insensitive, salt-mixed component.
func (f Fingerprint) Contextual() []byte { return f[ComponentSize : 2*ComponentSize] }

// Unique returns the uniqueness component binding the other two.
func (f Fingerprint) Unique() []byte { return f[2*ComponentSize:] }

// IsZero reports whether the fingerprint is the zero value. A zero fingerprint
// is valid but non-discriminating; callers should treat it as "no match
// expected".
func (f Fingerprint) IsZero() bool {
	for _, b := range f {
		if b != 0 {
			return false
		}
	}
	return true
}

// String returns the lowercase hex encoding used on the wire and in logs.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Bytes returns a copy of the raw fingerprint bytes, suitable as a store key.
func (f Fingerprint) Bytes() []byte {
	out := make([]byte, FingerprintSize)
	copy(out, f[:])
	return out
}

// ParseFingerprint decodes the hex wire form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(raw) != FingerprintSize {
		return f, fmt.Errorf("fingerprint must be %d bytes, got %d", FingerprintSize, len(raw))
	}
	copy(f[:], raw)
	return f, nil
}

// FingerprintFromBytes copies a raw key back into a Fingerprint.
func FingerprintFromBytes(raw []byte) (Fingerprint, error) {
	var f Fingerprint
	if len(raw) != FingerprintSize {
		return f, fmt.Errorf("fingerprint must be %d bytes, got %d", FingerprintSize, len(raw))
	}
	copy(f[:], raw)
	return f, nil
}
