package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisitedSetSnapshotIsIndependent(t *testing.T) {
	parent := NewVisitedSet()
	parent.Add("a")
	parent.Add("b")

	child := parent.Snapshot()
	child.Add("c")

	assert.True(t, child.Contains("a"))
	assert.True(t, child.Contains("c"))
	assert.False(t, parent.Contains("c"), "child additions must not leak into the parent")
}

func TestVisitedSetBoundDropsOldest(t *testing.T) {
	set := NewVisitedSet()
	for i := 0; i < VisitedLimit+1; i++ {
		set.Add(fmt.Sprintf("node-%d", i))
	}

	assert.Equal(t, VisitedLimit, set.Len())
	assert.False(t, set.Contains("node-0"))
	assert.True(t, set.Contains(fmt.Sprintf("node-%d", VisitedLimit)))
}

func TestExecutionContextChild(t *testing.T) {
	var fp, target Fingerprint
	fp[0] = 1
	target[0] = 2

	parent := &ExecutionContext{
		TraceID:     "root",
		Fingerprint: fp,
		Mode:        ModeOffensive,
		Depth:       1,
		Deadline:    time.Now().Add(time.Minute),
		Visited:     NewVisitedSet(),
	}
	parent.Visited.Add("origin")

	child := parent.Child(target, nil)

	require.Equal(t, 2, child.Depth)
	assert.Equal(t, "root", child.TraceID, "cascade children stay on the parent trace")
	assert.Equal(t, parent.Mode, child.Mode)
	assert.Equal(t, parent.Deadline, child.Deadline)
	assert.True(t, child.CascadeOrigin)
	assert.True(t, child.Visited.Contains("origin"))

	child.Visited.Add("next")
	assert.False(t, parent.Visited.Contains("next"))
}

func TestExecutionContextExpired(t *testing.T) {
	ec := &ExecutionContext{}
	assert.False(t, ec.Expired(time.Now()), "zero deadline never expires")

	ec.Deadline = time.Now().Add(-time.Second)
	assert.True(t, ec.Expired(time.Now()))
}

func TestFingerprintRoundTrip(t *testing.T) {
	var fp Fingerprint
	for i := range fp {
		fp[i] = byte(i * 5)
	}

	parsed, err := ParseFingerprint(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	_, err = ParseFingerprint("abcd")
	assert.Error(t, err)
}
