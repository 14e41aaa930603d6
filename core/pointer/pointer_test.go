package pointer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/postwatch/core/objstore"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

var sha = strings.Repeat("a", 64)

func sampleArtifacts() map[string]schemarunreport.Artifact {
	return map[string]schemarunreport.Artifact{
		"alice:cloud:ranked": {Path: "state/runs/r1/alice/cloud/ranked.json", SHA256: sha, Bytes: 10, HashAlgo: "sha256"},
		"alice:data:ranked":  {Path: "state/runs/r1/alice/data/ranked.json", SHA256: sha, Bytes: 11, HashAlgo: "sha256"},
		"bob:cloud:ranked":   {Path: "state/runs/r1/bob/cloud/ranked.json", SHA256: sha, Bytes: 12, HashAlgo: "sha256"},
	}
}

func TestForScopeAndGlobal(t *testing.T) {
	completed := time.Date(2026, 2, 1, 8, 0, 0, 0, time.FixedZone("x", 3600))
	scoped := ForScope("r1", completed, sampleArtifacts(), "alice", "cloud")
	assert.Equal(t, "r1", scoped.RunID)
	assert.Equal(t, time.UTC, scoped.CompletedAt.Location())
	assert.Equal(t, map[string]schemarunreport.PointerArtifact{"alice:cloud:ranked": {SHA256: sha, Bytes: 10}}, scoped.Artifacts)

	global := Global("r1", completed, sampleArtifacts())
	assert.Len(t, global.Artifacts, 3)

	empty := ForScope("r1", completed, sampleArtifacts(), "carol", "cloud")
	assert.NotNil(t, empty.Artifacts)
	assert.Empty(t, empty.Artifacts)
}

func TestLocalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pointers", "alice", "cloud.json")
	_, err := ReadLocal(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	written := ForScope("r1", time.Now(), sampleArtifacts(), "alice", "cloud")
	require.NoError(t, WriteLocal(path, written))
	read, err := ReadLocal(path)
	require.NoError(t, err)
	assert.Equal(t, written.RunID, read.RunID)
	assert.Equal(t, written.Artifacts, read.Artifacts)
}

func TestRemoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewDir(t.TempDir())
	require.NoError(t, err)

	_, err = ReadRemote(ctx, store, "nightly/pointers/global.json")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	global := Global("r2", time.Now(), sampleArtifacts())
	require.NoError(t, WriteRemote(ctx, store, "nightly/pointers/global.json", global))
	read, err := ReadRemote(ctx, store, "nightly/pointers/global.json")
	require.NoError(t, err)
	assert.Equal(t, "r2", read.RunID)
	assert.Len(t, read.Artifacts, 3)
}

func TestDecodeRejectsMalformedPointers(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":      "{",
		"missing run":   `{"completed_at":"2026-01-01T00:00:00Z","artifacts":{}}`,
		"empty run":     `{"run_id":"","completed_at":"2026-01-01T00:00:00Z","artifacts":{}}`,
		"bad digest":    `{"run_id":"r","completed_at":"2026-01-01T00:00:00Z","artifacts":{"a:b:c":{"sha256":"zz","bytes":1}}}`,
		"unknown field": `{"run_id":"r","completed_at":"2026-01-01T00:00:00Z","artifacts":{},"extra":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
