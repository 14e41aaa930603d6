package layout

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArtifactPathIsPure(t *testing.T) {
	require.Equal(t, "runs/r1/acme/remote-go/ranked.json", ArtifactPath("r1", "acme", "remote-go", "ranked.json"))
	require.Equal(t, ArtifactPath("r1", "a", "b", "c"), ArtifactPath("r1", "a", "b", "c"))
	require.Equal(t, "runs/r1/run_report.json", ManifestPath("r1"))
	require.Equal(t, "pointers/acme/remote-go.json", ScopedPointerPath("acme", "remote-go"))
	require.Equal(t, "pointers/global.json", GlobalPointerPath())
}

func TestLogicalKeyRoundTrip(t *testing.T) {
	key := LogicalKey("acme", "remote-go", "ranked")
	require.Equal(t, "acme:remote-go:ranked", key)
	c, d, o, err := ParseLogicalKey(key)
	require.NoError(t, err)
	require.Equal(t, []string{"acme", "remote-go", "ranked"}, []string{c, d, o})

	_, _, _, err = ParseLogicalKey("acme:ranked")
	require.Error(t, err)
	_, _, _, err = ParseLogicalKey("acme::ranked")
	require.Error(t, err)
}

func TestValidateSegment(t *testing.T) {
	require.NoError(t, ValidateSegment("dataset", "remote-go"))
	for _, bad := range []string{"", " x", "a/b", "..", "a:b", `a\b`} {
		require.Error(t, ValidateSegment("dataset", bad), bad)
	}
}

func TestRemoteKey(t *testing.T) {
	require.Equal(t, "jobs/runs/r1/run_report.json", RemoteKey("/jobs/", ManifestPath("r1")))
	require.Equal(t, "pointers/global.json", RemoteKey("", GlobalPointerPath()))
}

func TestRootDefaultsAndResolve(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data")
	root := NewRoot(data, "")
	require.Equal(t, filepath.Join(data, "state"), root.State)
	artifact := root.Artifact("r1", "acme", "go", "ranked.json")
	rel := root.DataRelative(artifact)
	require.Equal(t, "state/runs/r1/acme/go/ranked.json", rel)
	require.Equal(t, artifact, root.Resolve(rel))

	outside := NewRoot(data, filepath.Join(t.TempDir(), "elsewhere"))
	abs := outside.Artifact("r1", "acme", "go", "ranked.json")
	require.Equal(t, abs, outside.DataRelative(abs))
	require.Equal(t, abs, outside.Resolve(abs))
}

func TestDataRootForManifest(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data")
	root := NewRoot(data, "")
	require.Equal(t, data, DataRootForManifest(root.Manifest("r1")))
}
