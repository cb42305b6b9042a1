package fingerprint

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cascata/cascata/pkg/domain"
)

func TestNoveltyFirstObservationScoresHighest(t *testing.T) {
	tracker := NewNoveltyTracker()
	fp := Generate([]string{"api.internal"}, "prod")

	first := tracker.Score(fp, 0.5)
	second := tracker.Score(fp, 0.5)
	third := tracker.Score(fp, 0.5)

	assert.Greater(t, first, second)
	assert.Greater(t, second, third)
	assert.Equal(t, 3, tracker.Frequency(fp))
}

func TestNoveltyScoreRounding(t *testing.T) {
	tracker := NewNoveltyTracker()
	fp := Generate([]string{"host"}, "")

	score := tracker.Score(fp, 0.33333)
	assert.Equal(t, math.Round(score*10000)/10000, score)
}

func TestNoveltyAgeGrowsFromFirstObservation(t *testing.T) {
	tracker := NewNoveltyTracker()
	fp := Generate([]string{"aging.host"}, "")

	now := time.Unix(1_700_000_000, 0)
	tracker.clock = func() time.Time { return now }

	tracker.Score(fp, 0)

	// Half the saturation window later, the age term contributes 0.1 * 0.5.
	now = now.Add(ageSaturation / 2)
	second := tracker.Score(fp, 0)
	assert.InDelta(t, 1.0/2+0.2+0.05, second, 1e-4)

	// Beyond the saturation window the age term stays capped at 0.1.
	now = now.Add(10 * ageSaturation)
	third := tracker.Score(fp, 0)
	assert.InDelta(t, 1.0/3+0.2+0.1, third, 1e-4)
}

func TestNoveltyLineageDepthReducesScore(t *testing.T) {
	tracker := NewNoveltyTracker()

	root := Generate([]string{"root"}, "")
	child := Generate([]string{"child"}, "")
	tracker.LinkLineage(child, root)

	rootScore := tracker.Score(root, 0)
	childScore := tracker.Score(child, 0)

	assert.Equal(t, 1, tracker.LineageDepth(child))
	assert.Equal(t, 0, tracker.LineageDepth(root))
	assert.Greater(t, rootScore, childScore)
}

func TestNoveltyLineageCycleIsCapped(t *testing.T) {
	tracker := NewNoveltyTracker()

	a := Generate([]string{"a"}, "")
	b := Generate([]string{"b"}, "")
	tracker.LinkLineage(a, b)
	tracker.LinkLineage(b, a)

	depth := tracker.LineageDepth(a)
	assert.LessOrEqual(t, depth, lineageDepthCap+2)
}

func TestNoveltyReset(t *testing.T) {
	tracker := NewNoveltyTracker()
	var fp domain.Fingerprint
	fp[0] = 7

	tracker.Score(fp, 0)
	tracker.Reset()
	assert.Equal(t, 0, tracker.Frequency(fp))
}
