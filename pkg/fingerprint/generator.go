// Package fingerprint derives fixed-width content fingerprints from observed
// indicators. A fingerprint concatenates three 128-bit murmur3 components: a
// semantic component sensitive to indicator order, a contextual component that
// is order-insensitive and mixes a caller-provided salt, and a uniqueness
// component binding the other two.
package fingerprint

import (
	"encoding/binary"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/cascata/cascata/pkg/domain"
)

const componentDelimiter = "|"

// Generate derives a fingerprint from an ordered indicator sequence and a
// context salt. It is a pure, deterministic, total function over valid UTF-8
// input: identical input ordering always produces identical output. Indicator
// order affects only the semantic component.
//
// An empty indicator list yields the zero fingerprint, which is valid but
// non-discriminating; callers should treat it as "no match expected".
func Generate(indicators []string, saltContext string) domain.Fingerprint {
	var fp domain.Fingerprint
	if len(indicators) == 0 {
		return fp
	}

	canonical := canonicalize(indicators)

	writeComponent(fp[0:domain.ComponentSize], semanticSum(canonical))
	writeComponent(fp[domain.ComponentSize:2*domain.ComponentSize], contextualSum(canonical, saltContext))

	// The uniqueness component binds the first two plus the salt so two
	// fingerprints never share a suffix without sharing everything.
	uh := murmur3.New128()
	uh.Write(fp[0 : 2*domain.ComponentSize])
	uh.Write([]byte(saltContext))
	writeComponent(fp[2*domain.ComponentSize:], sum128(uh))

	return fp
}

// canonicalize trims each indicator; the pipe-delimited join mirrors the
// canonical form the stored corpus was fingerprinted with.
func canonicalize(indicators []string) []string {
	out := make([]string, len(indicators))
	for i, ind := range indicators {
		out[i] = strings.TrimSpace(ind)
	}
	return out
}

// semanticSum hashes the ordered, delimited indicator sequence.
func semanticSum(canonical []string) [2]uint64 {
	h := murmur3.New128()
	for i, ind := range canonical {
		if i > 0 {
			h.Write([]byte(componentDelimiter))
		}
		h.Write([]byte(ind))
	}
	return sum128(h)
}

// contextualSum folds per-indicator hashes with XOR (order-insensitive) and
// mixes the salt through a final pass.
func contextualSum(canonical []string, saltContext string) [2]uint64 {
	var fold [2]uint64
	for _, ind := range canonical {
		hi, lo := murmur3.Sum128([]byte(ind))
		fold[0] ^= hi
		fold[1] ^= lo
	}

	var folded [domain.ComponentSize]byte
	binary.BigEndian.PutUint64(folded[0:8], fold[0])
	binary.BigEndian.PutUint64(folded[8:16], fold[1])

	h := murmur3.New128()
	h.Write(folded[:])
	h.Write([]byte(saltContext))
	return sum128(h)
}

func sum128(h murmur3.Hash128) [2]uint64 {
	hi, lo := h.Sum128()
	return [2]uint64{hi, lo}
}

func writeComponent(dst []byte, sum [2]uint64) {
	binary.BigEndian.PutUint64(dst[0:8], sum[0])
	binary.BigEndian.PutUint64(dst[8:16], sum[1])
}
