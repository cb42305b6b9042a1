package fingerprint

import (
	"math"

	"github.com/cascata/cascata/pkg/domain"
)

// Entropy returns the normalized Shannon entropy of the fingerprint bytes in
// [0,1]. Used as the entropy term of the novelty score.
func Entropy(fp domain.Fingerprint) float64 {
	var counts [256]int
	for _, b := range fp {
		counts[b]++
	}

	total := float64(domain.FingerprintSize)
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}

	// log2(48) bits is the maximum for 48 distinct bytes.
	max := math.Log2(total)
	if max == 0 {
		return 0
	}
	return entropy / max
}
