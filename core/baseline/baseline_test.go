package baseline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
	"github.com/davidahmann/postwatch/core/pointer"
	"github.com/davidahmann/postwatch/core/runreport"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

const (
	runOld     = "20260101T000000Z-00000001"
	runMid     = "20260102T000000Z-00000002"
	runNew     = "20260103T000000Z-00000003"
	runCurrent = "20260104T000000Z-00000004"
	rankedKey  = "alice:cloud:ranked"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recordRun writes ranked.json with content and finalizes a run manifest.
func recordRun(t *testing.T, root layout.Root, runID, status, content string, ended time.Time) schemarunreport.Manifest {
	t.Helper()
	source := root.Output("alice", "cloud", "ranked.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o750))
	require.NoError(t, os.WriteFile(source, []byte(content), 0o600))
	manifest := runreport.NewManifest(runID, ended.Add(-time.Minute), "test")
	registry := runreport.NewRegistry(root, runID)
	_, err := registry.Snapshot(&manifest, []runreport.Output{{Collaborator: "alice", Dataset: "cloud", Name: "ranked", Source: source}})
	require.NoError(t, err)
	manifest.Status = status
	manifest.EndedAt = ended
	_, err = registry.Finalize(&manifest)
	require.NoError(t, err)
	return manifest
}

func writeScopedPointer(t *testing.T, root layout.Root, manifest schemarunreport.Manifest) {
	t.Helper()
	require.NoError(t, pointer.WriteLocal(root.ScopedPointer("alice", "cloud"),
		pointer.ForScope(manifest.RunID, manifest.EndedAt, manifest.VerifiableArtifacts, "alice", "cloud")))
}

func publishRun(t *testing.T, root layout.Root, store objstore.Store, prefix string, manifest schemarunreport.Manifest) {
	t.Helper()
	ctx := context.Background()
	for key, artifact := range manifest.VerifiableArtifacts {
		remoteKey, err := runreport.RemoteArtifactKey(prefix, manifest.RunID, key, artifact)
		require.NoError(t, err)
		require.NoError(t, objstore.PutFile(ctx, store, remoteKey, root.Resolve(artifact.Path), ""))
	}
	require.NoError(t, objstore.PutFile(ctx, store, runreport.RemoteManifestKey(prefix, manifest.RunID), root.Manifest(manifest.RunID), "application/json"))
}

func newStore(t *testing.T) objstore.Store {
	t.Helper()
	store, err := objstore.NewDir(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestResolveReturnsNoneWhenNothingExists(t *testing.T) {
	resolver := &Resolver{Root: layout.NewRoot(t.TempDir(), ""), Store: newStore(t), Prefix: "nightly", Logger: zaptest.NewLogger(t)}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	assert.False(t, found.Found())
	assert.Equal(t, SourceNone, found.Source)
	assert.Equal(t, rankedKey, found.Key)
}

func TestScopedLocalPointerWins(t *testing.T) {
	root := layout.NewRoot(t.TempDir(), "")
	old := recordRun(t, root, runOld, schemarunreport.StatusSuccess, `[{"id":"a"}]`, base)
	recordRun(t, root, runNew, schemarunreport.StatusSuccess, `[{"id":"b"}]`, base.Add(48*time.Hour))
	writeScopedPointer(t, root, old)

	resolver := &Resolver{Root: root, Logger: zaptest.NewLogger(t)}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	require.True(t, found.Found())
	assert.Equal(t, SourceScopedLocal, found.Source)
	assert.Equal(t, runOld, found.RunID)
	raw, err := os.ReadFile(found.Path)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, string(raw))
}

func TestStalePointerFallsThroughToGlobal(t *testing.T) {
	root := layout.NewRoot(t.TempDir(), "")
	old := recordRun(t, root, runOld, schemarunreport.StatusSuccess, `[{"id":"a"}]`, base)
	mid := recordRun(t, root, runMid, schemarunreport.StatusSuccess, `[{"id":"m"}]`, base.Add(24*time.Hour))
	writeScopedPointer(t, root, old)
	require.NoError(t, pointer.WriteLocal(root.GlobalPointer(), pointer.Global(mid.RunID, mid.EndedAt, mid.VerifiableArtifacts)))
	require.NoError(t, os.Remove(root.Artifact(runOld, "alice", "cloud", "ranked.json")))

	resolver := &Resolver{Root: root, Logger: zaptest.NewLogger(t)}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	assert.Equal(t, SourceGlobalLocal, found.Source)
	assert.Equal(t, runMid, found.RunID)
}

func TestPointerToCurrentRunIsIgnored(t *testing.T) {
	root := layout.NewRoot(t.TempDir(), "")
	current := recordRun(t, root, runCurrent, schemarunreport.StatusSuccess, `[]`, base.Add(72*time.Hour))
	writeScopedPointer(t, root, current)
	resolver := &Resolver{Root: root}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	assert.False(t, found.Found())
}

func TestLocalRunScanPicksLatestSuccessfulRun(t *testing.T) {
	root := layout.NewRoot(t.TempDir(), "")
	recordRun(t, root, runOld, schemarunreport.StatusSuccess, `[{"id":"a"}]`, base)
	recordRun(t, root, runMid, schemarunreport.StatusSuccess, `[{"id":"m"}]`, base.Add(24*time.Hour))
	recordRun(t, root, runNew, schemarunreport.StatusError, `[{"id":"broken"}]`, base.Add(48*time.Hour))
	recordRun(t, root, runCurrent, schemarunreport.StatusSuccess, `[{"id":"now"}]`, base.Add(72*time.Hour))

	resolver := &Resolver{Root: root, Logger: zaptest.NewLogger(t)}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	assert.Equal(t, SourceLocalRun, found.Source)
	assert.Equal(t, runMid, found.RunID)
}

func TestScopedRemotePointerDownloadsIntoCache(t *testing.T) {
	producer := layout.NewRoot(t.TempDir(), "")
	store := newStore(t)
	published := recordRun(t, producer, runMid, schemarunreport.StatusSuccess, `[{"id":"remote"}]`, base)
	publishRun(t, producer, store, "nightly", published)
	require.NoError(t, pointer.WriteRemote(context.Background(), store, "nightly/pointers/alice/cloud.json",
		pointer.ForScope(published.RunID, published.EndedAt, published.VerifiableArtifacts, "alice", "cloud")))

	consumer := layout.NewRoot(t.TempDir(), "")
	resolver := &Resolver{Root: consumer, Store: store, Prefix: "nightly", Logger: zaptest.NewLogger(t)}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	require.Equal(t, SourceScopedRemote, found.Source)
	assert.Equal(t, runMid, found.RunID)
	assert.Equal(t, consumer.BaselineCache(runMid, "alice", "cloud", "ranked.json"), found.Path)
	raw, err := os.ReadFile(found.Path)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"remote"}]`, string(raw))
}

func TestRemoteListingScanPrecedesCurrentRun(t *testing.T) {
	producer := layout.NewRoot(t.TempDir(), "")
	store := newStore(t)
	for _, run := range []struct {
		id      string
		status  string
		content string
	}{
		{runOld, schemarunreport.StatusSuccess, `[{"id":"old"}]`},
		{runMid, schemarunreport.StatusSuccess, `[{"id":"mid"}]`},
		{runNew, schemarunreport.StatusError, `[{"id":"failed"}]`},
		{"20260109T000000Z-00000009", schemarunreport.StatusSuccess, `[{"id":"future"}]`},
	} {
		manifest := recordRun(t, producer, run.id, run.status, run.content, base)
		publishRun(t, producer, store, "nightly", manifest)
	}

	resolver := &Resolver{Root: layout.NewRoot(t.TempDir(), ""), Store: store, Prefix: "nightly", ListLimit: 10}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	require.Equal(t, SourceRemoteScan, found.Source)
	assert.Equal(t, runMid, found.RunID)
}

func TestRemoteListingScanBeyondLimitPicksNewest(t *testing.T) {
	producer := layout.NewRoot(t.TempDir(), "")
	store := newStore(t)
	runIDs := []string{
		"20260101T000000Z-00000001",
		"20260102T000000Z-00000002",
		"20260103T000000Z-00000003",
		"20260104T000000Z-00000004",
		"20260105T000000Z-00000005",
	}
	for _, runID := range runIDs {
		manifest := recordRun(t, producer, runID, schemarunreport.StatusSuccess, `[{"id":"`+runID+`"}]`, base)
		publishRun(t, producer, store, "nightly", manifest)
	}

	resolver := &Resolver{Root: layout.NewRoot(t.TempDir(), ""), Store: store, Prefix: "nightly", ListLimit: 2, Logger: zaptest.NewLogger(t)}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", "20260106T000000Z-00000006")
	require.Equal(t, SourceRemoteScan, found.Source)
	assert.Equal(t, "20260105T000000Z-00000005", found.RunID)
}

func TestRemoteTiersDisabledWithoutStore(t *testing.T) {
	producer := layout.NewRoot(t.TempDir(), "")
	store := newStore(t)
	published := recordRun(t, producer, runMid, schemarunreport.StatusSuccess, `[]`, base)
	publishRun(t, producer, store, "nightly", published)

	resolver := &Resolver{Root: layout.NewRoot(t.TempDir(), ""), Prefix: "nightly"}
	found := resolver.Resolve(context.Background(), "alice", "cloud", "ranked", runCurrent)
	assert.Equal(t, SourceNone, found.Source)
}
