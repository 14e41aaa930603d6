package runreport

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/postwatch/core/hashx"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

const testRunID = "20260301T060000Z-0badc0de"

func writeTestFile(test *testing.T, path, content string) {
	test.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		test.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		test.Fatalf("write %s: %v", path, err)
	}
}

func finalizedRun(test *testing.T) (layout.Root, string) {
	test.Helper()
	root := layout.NewRoot(test.TempDir(), "")
	writeTestFile(test, root.Output("alice", "cloud", "ranked.json"), `[{"id":"a","score":10}]`)
	writeTestFile(test, root.Output("alice", "cloud", "digest.md"), "# digest\n")

	manifest := NewManifest(testRunID, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), "test")
	manifest.Collaborators = []string{"alice"}
	manifest.Datasets = []string{"cloud"}
	registry := NewRegistry(root, testRunID)
	recorded, err := registry.Snapshot(&manifest, []Output{
		{Collaborator: "alice", Dataset: "cloud", Name: "ranked", Source: root.Output("alice", "cloud", "ranked.json")},
		{Collaborator: "alice", Dataset: "cloud", Name: "digest", Source: root.Output("alice", "cloud", "digest.md")},
		{Collaborator: "alice", Dataset: "cloud", Name: "semantic", Source: root.Output("alice", "cloud", "semantic.json")},
	})
	if err != nil {
		test.Fatalf("snapshot: %v", err)
	}
	if len(recorded) != 2 {
		test.Fatalf("expected two recorded artifacts, got %v", recorded)
	}
	manifest.Status = schemarunreport.StatusSuccess
	manifest.EndedAt = manifest.StartedAt.Add(time.Minute)
	manifestPath, err := registry.Finalize(&manifest)
	if err != nil {
		test.Fatalf("finalize: %v", err)
	}
	if manifestPath != root.Manifest(testRunID) {
		test.Fatalf("unexpected manifest path %s", manifestPath)
	}
	return root, manifestPath
}

func TestSnapshotRecordsRelativePaths(test *testing.T) {
	root, manifestPath := finalizedRun(test)
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		test.Fatalf("read manifest: %v", err)
	}
	artifact, ok := manifest.VerifiableArtifacts["alice:cloud:ranked"]
	if !ok {
		test.Fatalf("missing ranked artifact: %#v", manifest.VerifiableArtifacts)
	}
	want := "state/runs/" + testRunID + "/alice/cloud/ranked.json"
	if artifact.Path != want {
		test.Fatalf("expected path %s, got %s", want, artifact.Path)
	}
	expected := hashx.Bytes([]byte(`[{"id":"a","score":10}]`))
	if artifact.SHA256 != expected.SHA256 || artifact.Bytes != expected.Bytes || artifact.HashAlgo != "sha256" {
		test.Fatalf("unexpected artifact %#v", artifact)
	}
	if _, ok := manifest.VerifiableArtifacts["alice:cloud:semantic"]; ok {
		test.Fatalf("outputs missing on disk must not be recorded")
	}
	keys := manifest.OutputsByCollaborator["alice"]["cloud"]
	if strings.Join(keys, ",") != "alice:cloud:digest,alice:cloud:ranked" {
		test.Fatalf("unexpected outputs_by_collaborator %v", keys)
	}
	if _, err := os.Stat(root.Artifact(testRunID, "alice", "cloud", "ranked.json")); err != nil {
		test.Fatalf("expected snapshot copy: %v", err)
	}
	if manifest.ManifestDigest == "" {
		test.Fatalf("expected manifest digest")
	}
}

func TestFinalizeOnlyOnce(test *testing.T) {
	root := layout.NewRoot(test.TempDir(), "")
	registry := NewRegistry(root, testRunID)
	manifest := NewManifest(testRunID, time.Now(), "test")
	manifest.Status = schemarunreport.StatusError
	manifest.FailedStage = "scrape"
	if _, err := registry.Finalize(&manifest); err != nil {
		test.Fatalf("first finalize: %v", err)
	}
	if _, err := registry.Finalize(&manifest); !errors.Is(err, ErrAlreadyFinalized) {
		test.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestFinalizeRejectsArtifactChangedAfterSnapshot(test *testing.T) {
	root := layout.NewRoot(test.TempDir(), "")
	source := root.Output("alice", "cloud", "ranked.json")
	writeTestFile(test, source, "[]")
	registry := NewRegistry(root, testRunID)
	manifest := NewManifest(testRunID, time.Now(), "test")
	if _, err := registry.Snapshot(&manifest, []Output{{Collaborator: "alice", Dataset: "cloud", Name: "ranked", Source: source}}); err != nil {
		test.Fatalf("snapshot: %v", err)
	}
	if err := registry.Check(&manifest); err != nil {
		test.Fatalf("check before modification: %v", err)
	}
	writeTestFile(test, root.Artifact(testRunID, "alice", "cloud", "ranked.json"), "[1]")
	if err := registry.Check(&manifest); err == nil {
		test.Fatalf("expected check to reject a modified snapshot")
	}
	if _, err := registry.Finalize(&manifest); err == nil {
		test.Fatalf("expected finalize to reject a modified snapshot")
	}
}

func TestVerifyStrictPassesOnUnmodifiedDataRoot(test *testing.T) {
	_, manifestPath := finalizedRun(test)
	result, err := Verify(filepath.Dir(manifestPath), VerifyOptions{})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if !result.OK() || result.ExitCode(true) != ExitOK {
		test.Fatalf("expected clean verify, got %#v", result)
	}
	if result.FilesChecked != 2 || len(result.Artifacts) != 2 {
		test.Fatalf("expected two checked artifacts, got %#v", result)
	}
}

func TestVerifyFlippedByteFailsStrict(test *testing.T) {
	root, manifestPath := finalizedRun(test)
	snapshot := root.Artifact(testRunID, "alice", "cloud", "ranked.json")
	raw, err := os.ReadFile(snapshot)
	if err != nil {
		test.Fatalf("read snapshot: %v", err)
	}
	raw[0] ^= 0x01
	if err := os.WriteFile(snapshot, raw, 0o600); err != nil {
		test.Fatalf("tamper: %v", err)
	}

	result, err := Verify(manifestPath, VerifyOptions{})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if result.ExitCode(true) != ExitVerificationFailed {
		test.Fatalf("expected strict failure exit, got %d", result.ExitCode(true))
	}
	if result.ExitCode(false) != ExitOK {
		test.Fatalf("expected report-only mode to exit 0")
	}
	if strings.Join(result.Mismatched, ",") != "alice:cloud:ranked" || len(result.Missing) != 0 {
		test.Fatalf("unexpected mismatch lists %#v", result)
	}
}

func TestVerifyDistinguishesMissingFromMismatch(test *testing.T) {
	root, manifestPath := finalizedRun(test)
	if err := os.Remove(root.Artifact(testRunID, "alice", "cloud", "digest.md")); err != nil {
		test.Fatalf("remove snapshot: %v", err)
	}
	result, err := Verify(manifestPath, VerifyOptions{DataRoot: root.Data})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if strings.Join(result.Missing, ",") != "alice:cloud:digest" || len(result.Mismatched) != 0 {
		test.Fatalf("expected one missing artifact, got %#v", result)
	}
	for _, artifact := range result.Artifacts {
		if artifact.Key == "alice:cloud:digest" && artifact.Status != ArtifactMissing {
			test.Fatalf("expected missing status, got %s", artifact.Status)
		}
	}
}

func TestVerifyDeclaredArtifactWithDifferentBytes(test *testing.T) {
	dataRoot := test.TempDir()
	manifest := NewManifest("run-x", time.Now(), "test")
	manifest.Status = schemarunreport.StatusSuccess
	manifest.VerifiableArtifacts["x:y:out"] = schemarunreport.Artifact{
		Path:     "out.json",
		SHA256:   hashx.Bytes([]byte("{}")).SHA256,
		Bytes:    2,
		HashAlgo: "sha256",
	}
	manifestPath := filepath.Join(dataRoot, "manifest.json")
	if err := WriteManifest(manifestPath, &manifest); err != nil {
		test.Fatalf("write manifest: %v", err)
	}
	writeTestFile(test, filepath.Join(dataRoot, "out.json"), "[]")

	result, err := Verify(manifestPath, VerifyOptions{DataRoot: dataRoot})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if result.ExitCode(true) != 2 {
		test.Fatalf("expected exit 2, got %d", result.ExitCode(true))
	}
	if len(result.Mismatched) != 1 || result.Mismatched[0] != "x:y:out" {
		test.Fatalf("expected x:y:out mismatch, got %v", result.Mismatched)
	}
}

func TestVerifyDetectsEditedManifest(test *testing.T) {
	_, manifestPath := finalizedRun(test)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		test.Fatalf("read manifest: %v", err)
	}
	edited := strings.Replace(string(raw), `"producer_version": "test"`, `"producer_version": "forged"`, 1)
	if edited == string(raw) {
		test.Fatalf("fixture did not contain producer_version")
	}
	writeTestFile(test, manifestPath, edited)
	result, err := Verify(manifestPath, VerifyOptions{})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if len(result.Mismatched) != 1 || result.Mismatched[0] != ManifestKey {
		test.Fatalf("expected manifest digest mismatch, got %v", result.Mismatched)
	}
}

func TestReadManifestValidation(test *testing.T) {
	dir := test.TempDir()
	cases := map[string]string{
		"not json":        "{",
		"future version":  `{"run_report_schema_version":2,"run_id":"r"}`,
		"missing fields":  `{"run_report_schema_version":1,"run_id":"r"}`,
		"bad status":      `{"run_report_schema_version":1,"run_id":"r","status":"done","started_at":"","ended_at":"","stage_durations":{},"collaborators":[],"datasets":[],"verifiable_artifacts":{},"diff_counts":{},"delta_summary":{},"publish":{"enabled":false,"required":false,"bucket":"","prefix":"","pointer_write":{}}}`,
		"bad logical key": `{"run_report_schema_version":1,"run_id":"r","status":"success","started_at":"","ended_at":"","stage_durations":{},"collaborators":[],"datasets":[],"verifiable_artifacts":{"nokey":{"path":"a","sha256":"` + strings.Repeat("a", 64) + `","bytes":1}},"diff_counts":{},"delta_summary":{},"publish":{"enabled":false,"required":false,"bucket":"","prefix":"","pointer_write":{}}}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".json")
		writeTestFile(test, path, body)
		if _, err := ReadManifest(path); !errors.Is(err, ErrSchema) {
			test.Fatalf("%s: expected ErrSchema, got %v", name, err)
		}
	}
}

func TestUnknownManifestFieldsSurviveRewrite(test *testing.T) {
	_, manifestPath := finalizedRun(test)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		test.Fatalf("read manifest: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		test.Fatalf("decode manifest: %v", err)
	}
	generic["notifier"] = map[string]any{"sent": true}
	extended, err := json.Marshal(generic)
	if err != nil {
		test.Fatalf("encode manifest: %v", err)
	}
	writeTestFile(test, manifestPath, string(extended))

	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		test.Fatalf("read extended manifest: %v", err)
	}
	rewritten := filepath.Join(test.TempDir(), "copy.json")
	if err := WriteManifest(rewritten, &manifest); err != nil {
		test.Fatalf("rewrite: %v", err)
	}
	copied, err := os.ReadFile(rewritten)
	if err != nil {
		test.Fatalf("read rewritten: %v", err)
	}
	if !strings.Contains(string(copied), `"notifier"`) {
		test.Fatalf("unknown field dropped on rewrite")
	}
}

func publishFixture(test *testing.T) (layout.Root, objstore.Store) {
	test.Helper()
	root, manifestPath := finalizedRun(test)
	store, err := objstore.NewDir(test.TempDir())
	if err != nil {
		test.Fatalf("dir store: %v", err)
	}
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		test.Fatalf("read manifest: %v", err)
	}
	ctx := context.Background()
	for key, artifact := range manifest.VerifiableArtifacts {
		remoteKey, err := RemoteArtifactKey("nightly", testRunID, key, artifact)
		if err != nil {
			test.Fatalf("remote key: %v", err)
		}
		if err := objstore.PutFile(ctx, store, remoteKey, root.Resolve(artifact.Path), ""); err != nil {
			test.Fatalf("upload: %v", err)
		}
	}
	if err := objstore.PutFile(ctx, store, RemoteManifestKey("nightly", testRunID), manifestPath, "application/json"); err != nil {
		test.Fatalf("upload manifest: %v", err)
	}
	return root, store
}

func TestVerifyPublishedRemote(test *testing.T) {
	ctx := context.Background()
	root, store := publishFixture(test)
	result, err := VerifyPublished(ctx, PublishedOptions{Store: store, Prefix: "nightly", RunID: testRunID, Root: root})
	if err != nil {
		test.Fatalf("verify published: %v", err)
	}
	if !result.OK() || result.Source != "remote" || result.FilesChecked != 2 {
		test.Fatalf("expected clean remote verify, got %#v", result)
	}

	key := "nightly/runs/" + testRunID + "/alice/cloud/ranked.json"
	if err := objstore.PutBytes(ctx, store, key, []byte("tampered"), ""); err != nil {
		test.Fatalf("tamper remote: %v", err)
	}
	result, err = VerifyPublished(ctx, PublishedOptions{Store: store, Prefix: "nightly", RunID: testRunID, Root: root})
	if err != nil {
		test.Fatalf("verify published: %v", err)
	}
	if result.ExitCode(true) != ExitVerificationFailed || result.Mismatched[0] != "alice:cloud:ranked" {
		test.Fatalf("expected remote mismatch, got %#v", result)
	}

	if _, err := VerifyPublished(ctx, PublishedOptions{Store: store, Prefix: "nightly", RunID: "20990101T000000Z-ffffffff", Root: root}); !errors.Is(err, objstore.ErrNotFound) {
		test.Fatalf("expected missing published manifest, got %v", err)
	}
}

func TestVerifyPublishedOffline(test *testing.T) {
	root, _ := publishFixture(test)
	result, err := VerifyPublished(context.Background(), PublishedOptions{RunID: testRunID, Offline: true, Root: root})
	if err != nil {
		test.Fatalf("verify offline: %v", err)
	}
	if !result.OK() || result.Source != "offline" {
		test.Fatalf("expected clean offline verify, got %#v", result)
	}
	if _, err := VerifyPublished(context.Background(), PublishedOptions{RunID: "../escape", Offline: true, Root: root}); err == nil {
		test.Fatalf("expected invalid run id error")
	}
}
