package fingerprint

import (
	"math"
	"sync"
	"time"

	"github.com/cascata/cascata/pkg/domain"
)

// lineageDepthCap stops lineage traversal on pathological chains.
const lineageDepthCap = 100

// ageSaturation is the observation age at which the age term of the score
// tops out.
const ageSaturation = 24 * time.Hour

// NoveltyTracker scores how novel a fingerprint is based on observation
// frequency, lineage depth, entropy, and age since first observation. Scores
// annotate execution summaries; they never gate execution.
type NoveltyTracker struct {
	mu        sync.Mutex
	counts    map[domain.Fingerprint]int
	firstSeen map[domain.Fingerprint]time.Time
	lineage   map[domain.Fingerprint]domain.Fingerprint
	clock     func() time.Time
}

// NewNoveltyTracker returns an empty tracker.
func NewNoveltyTracker() *NoveltyTracker {
	return &NoveltyTracker{
		counts:    make(map[domain.Fingerprint]int),
		firstSeen: make(map[domain.Fingerprint]time.Time),
		lineage:   make(map[domain.Fingerprint]domain.Fingerprint),
		clock:     time.Now,
	}
}

// Score records an observation and returns the novelty score, rounded to four
// decimal places. First observations score highest; repeats decay as 1/freq.
// The age term grows with time since the fingerprint was first observed,
// saturating at one after ageSaturation.
func (n *NoveltyTracker) Score(fp domain.Fingerprint, entropy float64) float64 {
	n.mu.Lock()
	now := n.clock()
	n.counts[fp]++
	freq := n.counts[fp]
	first, ok := n.firstSeen[fp]
	if !ok {
		first = now
		n.firstSeen[fp] = now
	}
	depth := n.lineageDepthLocked(fp)
	n.mu.Unlock()

	ageFactor := math.Min(1, float64(now.Sub(first))/float64(ageSaturation))

	novelty := 1/float64(freq) + entropy*0.4 + 1/float64(depth+1)*0.2 + ageFactor*0.1
	return math.Round(novelty*10000) / 10000
}

// LinkLineage records that current descends from parent.
func (n *NoveltyTracker) LinkLineage(current, parent domain.Fingerprint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lineage[current] = parent
}

// LineageDepth returns how many ancestors the fingerprint has, capped to
// protect against cycles in administratively-linked lineage.
func (n *NoveltyTracker) LineageDepth(fp domain.Fingerprint) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lineageDepthLocked(fp)
}

func (n *NoveltyTracker) lineageDepthLocked(fp domain.Fingerprint) int {
	depth := 0
	current := fp
	for {
		parent, ok := n.lineage[current]
		if !ok || depth > lineageDepthCap {
			return depth
		}
		depth++
		current = parent
	}
}

// Frequency returns how many times the fingerprint has been scored.
func (n *NoveltyTracker) Frequency(fp domain.Fingerprint) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[fp]
}

// Reset clears all tracking state.
func (n *NoveltyTracker) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = make(map[domain.Fingerprint]int)
	n.firstSeen = make(map[domain.Fingerprint]time.Time)
	n.lineage = make(map[domain.Fingerprint]domain.Fingerprint)
}
