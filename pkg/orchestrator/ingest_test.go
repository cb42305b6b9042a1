package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/fingerprint"
	"github.com/cascata/cascata/pkg/graph"
	"github.com/cascata/cascata/pkg/storage"
)

func newIngestHarness(t *testing.T) (*Ingestor, *storage.TieredStore, *graph.Graph) {
	t.Helper()
	store, err := storage.NewTieredStore(newMemBackend(), storage.TieredConfig{})
	require.NoError(t, err)
	g := graph.New(nil)
	return NewIngestor(store, g, nil), store, g
}

func validRecord(id string, indicators ...string) IngestRecord {
	return IngestRecord{
		Indicators:  indicators,
		SaltContext: "test",
		Descriptor:  *simpleDescriptor(id),
	}
}

func TestIngestAcceptsValidAndRejectsInvalid(t *testing.T) {
	ingestor, store, g := newIngestHarness(t)

	records := []IngestRecord{
		validRecord("pb-good", "good.host"),
		{
			Indicators: []string{"bad.host"},
			Descriptor: domain.PlaybookDescriptor{ID: "pb-bad"},
		},
	}

	result, err := ingestor.Ingest(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, result.Rejected[0].Index)
	assert.Equal(t, "pb-bad", result.Rejected[0].PlaybookID)
	assert.NotEmpty(t, result.Rejected[0].Violations)

	fp := fingerprint.Generate([]string{"good.host"}, "test")
	desc, err := store.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, "pb-good", desc.ID)

	_, ok := g.Resolve("pb-good")
	assert.True(t, ok)
	_, ok = g.Resolve("pb-bad")
	assert.False(t, ok)
}

func TestIngestRecordWithoutKeyRejected(t *testing.T) {
	ingestor, _, _ := newIngestHarness(t)

	result, err := ingestor.Ingest(context.Background(), []IngestRecord{
		{Descriptor: *simpleDescriptor("pb-keyless")},
	})
	require.NoError(t, err)

	assert.Zero(t, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Contains(t, result.Rejected[0].Message, "fingerprint or indicators")
}

func TestIngestExplicitFingerprintKey(t *testing.T) {
	ingestor, store, _ := newIngestHarness(t)

	fp := fingerprint.Generate([]string{"pinned.host"}, "prod")
	result, err := ingestor.Ingest(context.Background(), []IngestRecord{
		{Fingerprint: fp.String(), Descriptor: *simpleDescriptor("pb-pinned")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	desc, err := store.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, "pb-pinned", desc.ID)
}

func TestIngestBundleDir(t *testing.T) {
	ingestor, _, g := newIngestHarness(t)
	dir := t.TempDir()

	single := `indicators: ["alpha.host"]
salt_context: test
descriptor:
  id: pb-alpha
  steps:
    - id: main
      tool_ref: tools/alpha
      tiers: [script]
      defensive_action: observe
      offensive_action: probe
`
	list := `- indicators: ["beta.host"]
  salt_context: test
  descriptor:
    id: pb-beta
    steps:
      - id: main
        tool_ref: tools/beta
        tiers: [script]
        defensive_action: observe
        offensive_action: probe
- indicators: ["gamma.host"]
  salt_context: test
  descriptor:
    id: pb-gamma
    steps:
      - id: main
        tool_ref: tools/gamma
        tiers: [script]
        defensive_action: observe
        offensive_action: probe
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-single.yaml"), []byte(single), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-list.yml"), []byte(list), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "30-broken.yaml"), []byte("{{not yaml"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not a bundle"), 0o600))

	result, err := ingestor.IngestBundleDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "30-broken.yaml", result.Rejected[0].Source)

	for _, id := range []string{"pb-alpha", "pb-beta", "pb-gamma"} {
		_, ok := g.Resolve(id)
		assert.True(t, ok, "node %s missing after bundle ingestion", id)
	}
}

func TestIngestBundleDirMissing(t *testing.T) {
	ingestor, _, _ := newIngestHarness(t)
	_, err := ingestor.IngestBundleDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
