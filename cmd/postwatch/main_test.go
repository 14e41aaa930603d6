package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/internal/testutil"
)

type project struct {
	dir      string
	dataRoot string
	config   string
}

// newProject lays out a data root with one collaborator whose only stage
// copies seed.json into the ranked output.
func newProject(t *testing.T, extra string) project {
	t.Helper()
	dir := t.TempDir()
	dataRoot := filepath.Join(dir, "data")
	testutil.WriteJSON(t, filepath.Join(dataRoot, "seed.json"), testutil.Records(map[string]any{"id": "a", "score": 10}))
	if err := os.MkdirAll(filepath.Join(dataRoot, "acme", "remote"), 0o750); err != nil {
		t.Fatalf("mkdir output dir: %v", err)
	}
	content := "data_root: " + strconv.Quote(dataRoot) + `
collaborators:
  - name: acme
    datasets: [remote]
    outputs:
      - name: ranked
        file: ranked.json
        primary: true
        diff: true
stages:
  - name: score
    command: cp seed.json acme/remote/ranked.json
` + extra
	configPath := filepath.Join(dir, "config.yaml")
	testutil.WriteFile(t, configPath, []byte(content))
	return project{dir: dir, dataRoot: dataRoot, config: configPath}
}

func (p project) cli(t *testing.T, arguments ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", p.config, "--env-file", "", "--log-level", "error"}, arguments...)
	code := run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decode(t *testing.T, raw string, target any) {
	t.Helper()
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		t.Fatalf("decode output: %v\n%s", err, raw)
	}
}

func TestRunDispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"version"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("version: expected %d got %d", exitOK, code)
	}
	if !strings.Contains(stdout.String(), "postwatch "+version) {
		t.Fatalf("unexpected version output: %q", stdout.String())
	}
	if code := run(context.Background(), []string{"unknown"}, &stdout, &stderr); code != exitPrecondition {
		t.Fatalf("unknown command: expected %d got %d", exitPrecondition, code)
	}
	if code := run(context.Background(), []string{"version", "--no-such-flag"}, &stdout, &stderr); code != exitPrecondition {
		t.Fatalf("unknown flag: expected %d got %d", exitPrecondition, code)
	}
	if code := run(context.Background(), []string{"replay", "--help"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("replay help: expected %d got %d", exitOK, code)
	}
}

func TestRunThenReplay(t *testing.T) {
	p := newProject(t, "")
	code, stdout, stderr := p.cli(t, "--json", "run")
	if code != exitOK {
		t.Fatalf("run: expected %d got %d\n%s\n%s", exitOK, code, stdout, stderr)
	}
	var output runOutput
	decode(t, stdout, &output)
	if !output.OK || output.Status != "success" {
		t.Fatalf("unexpected run output: %#v", output)
	}
	if counts := output.DiffCounts["acme:remote"]; counts.Added != 1 {
		t.Fatalf("expected first run to report one added record: %#v", counts)
	}

	code, stdout, _ = p.cli(t, "--json", "replay", "--strict", output.RunID)
	if code != exitOK {
		t.Fatalf("replay by run id: expected %d got %d\n%s", exitOK, code, stdout)
	}

	root := layout.NewRoot(p.dataRoot, "")
	testutil.FlipByte(t, root.Artifact(output.RunID, "acme", "remote", "ranked.json"))

	code, stdout, _ = p.cli(t, "--json", "replay", "--strict", output.Manifest)
	if code != exitPrecondition {
		t.Fatalf("strict replay after flip: expected %d got %d", exitPrecondition, code)
	}
	var replay replayOutput
	decode(t, stdout, &replay)
	if replay.OK || len(replay.Mismatched) != 1 || replay.Mismatched[0] != "acme:remote:ranked" {
		t.Fatalf("unexpected replay output: %#v", replay)
	}

	if code, _, _ = p.cli(t, "replay", output.Manifest); code != exitOK {
		t.Fatalf("non-strict replay must report only: got %d", code)
	}
}

func TestReplayMissingManifest(t *testing.T) {
	p := newProject(t, "")
	code, stdout, _ := p.cli(t, "--json", "replay", filepath.Join(p.dir, "nope.json"))
	if code != exitPrecondition {
		t.Fatalf("expected %d got %d", exitPrecondition, code)
	}
	var envelope errorEnvelope
	decode(t, stdout, &envelope)
	if envelope.ErrorCode != "manifest_not_found" || envelope.ErrorCategory != "invalid_input" {
		t.Fatalf("unexpected envelope: %#v", envelope)
	}
}

func TestStageFailureExitsRuntimeError(t *testing.T) {
	p := newProject(t, "")
	if err := os.Remove(filepath.Join(p.dataRoot, "seed.json")); err != nil {
		t.Fatalf("remove seed: %v", err)
	}
	code, stdout, _ := p.cli(t, "--json", "run")
	if code != exitInternalFailure {
		t.Fatalf("expected %d got %d\n%s", exitInternalFailure, code, stdout)
	}
	var output runOutput
	decode(t, stdout, &output)
	if output.Status != "error" || output.FailedStage != "score" || output.Category != "stage_failure" {
		t.Fatalf("unexpected run output: %#v", output)
	}
	if _, err := os.Stat(output.Manifest); err != nil {
		t.Fatalf("failed run must leave a manifest: %v", err)
	}
}

func TestLockBusyExitsPrecondition(t *testing.T) {
	p := newProject(t, "")
	root := layout.NewRoot(p.dataRoot, "")
	testutil.WriteFile(t, root.Lock(), []byte(strconv.Itoa(os.Getppid())+"\n"))
	code, stdout, _ := p.cli(t, "--json", "run", "--lock-timeout", "0s")
	if code != exitPrecondition {
		t.Fatalf("expected %d got %d\n%s", exitPrecondition, code, stdout)
	}
	var output runOutput
	decode(t, stdout, &output)
	if output.Category != "lock_busy" || output.FailedStage != "lock" {
		t.Fatalf("unexpected run output: %#v", output)
	}
}

func TestPublishRequiredWithoutBucket(t *testing.T) {
	p := newProject(t, "")
	t.Setenv("POSTWATCH_BUCKET", "")
	code, stdout, _ := p.cli(t, "--json", "run", "--publish-required")
	if code != exitPrecondition {
		t.Fatalf("expected %d got %d\n%s", exitPrecondition, code, stdout)
	}
	var output runOutput
	decode(t, stdout, &output)
	if output.Status != "error" || output.FailedStage != "publish" || output.Publish.SkipReason != "missing_bucket_required" {
		t.Fatalf("unexpected run output: %#v", output)
	}
}

func TestPublishAndVerifyPublished(t *testing.T) {
	p := newProject(t, "publish:\n  prefix: nightly\n")
	t.Setenv("POSTWATCH_BUCKET", "file://"+filepath.Join(p.dir, "bucket"))

	code, stdout, stderr := p.cli(t, "--json", "run", "--publish-required")
	if code != exitOK {
		t.Fatalf("publish run: expected %d got %d\n%s\n%s", exitOK, code, stdout, stderr)
	}
	var output runOutput
	decode(t, stdout, &output)
	if output.Publish.PointerWrite["global"] != "ok" {
		t.Fatalf("expected global pointer ok: %#v", output.Publish)
	}

	code, stdout, _ = p.cli(t, "--json", "verify-published", "--run-id", output.RunID)
	if code != exitOK {
		t.Fatalf("verify-published: expected %d got %d\n%s", exitOK, code, stdout)
	}
	var verified replayOutput
	decode(t, stdout, &verified)
	if !verified.OK || verified.Source != "remote" {
		t.Fatalf("unexpected verify output: %#v", verified)
	}

	code, stdout, _ = p.cli(t, "--json", "verify-published", "--offline", "--run-id", output.RunID)
	if code != exitOK {
		t.Fatalf("offline verify-published: expected %d got %d\n%s", exitOK, code, stdout)
	}

	if code, _, _ = p.cli(t, "verify-published"); code != exitPrecondition {
		t.Fatalf("missing --run-id: expected %d got %d", exitPrecondition, code)
	}
}

func TestBaselineCommand(t *testing.T) {
	p := newProject(t, "")
	code, stdout, _ := p.cli(t, "baseline", "--offline", "--collaborator", "acme", "--dataset", "remote")
	if code != exitOK || !strings.Contains(stdout, "first_run") {
		t.Fatalf("expected first_run before any run: %d %q", code, stdout)
	}

	code, stdout, _ = p.cli(t, "--json", "run")
	if code != exitOK {
		t.Fatalf("run: expected %d got %d", exitOK, code)
	}
	var output runOutput
	decode(t, stdout, &output)

	code, stdout, _ = p.cli(t, "--json", "baseline", "--offline", "--collaborator", "acme", "--dataset", "remote")
	if code != exitOK {
		t.Fatalf("baseline: expected %d got %d", exitOK, code)
	}
	var resolved baselineOutput
	decode(t, stdout, &resolved)
	if resolved.FirstRun || resolved.Baseline.RunID != output.RunID || resolved.Baseline.Source != "scoped_local_pointer" {
		t.Fatalf("unexpected baseline: %#v", resolved)
	}

	if code, _, _ = p.cli(t, "baseline", "--collaborator", "acme"); code != exitPrecondition {
		t.Fatalf("missing --dataset: expected %d got %d", exitPrecondition, code)
	}
}

func TestDiffCommand(t *testing.T) {
	p := newProject(t, "")
	before := filepath.Join(p.dir, "before.json")
	after := filepath.Join(p.dir, "after.jsonl")
	testutil.WriteJSON(t, before, testutil.Records(map[string]any{"id": "a", "score": 10}))
	testutil.WriteFile(t, after, []byte("{\"id\":\"a\",\"score\":15}\n{\"id\":\"b\",\"score\":5}\n"))

	code, stdout, _ := p.cli(t, "--json", "diff", before, after)
	if code != exitOK {
		t.Fatalf("diff: expected %d got %d", exitOK, code)
	}
	var output diffOutput
	decode(t, stdout, &output)
	if output.Counts.Added != 1 || output.Counts.Changed != 1 || output.Counts.Removed != 0 {
		t.Fatalf("unexpected counts: %#v", output.Counts)
	}
	if fields := output.Report.ChangedFields["a"]; len(fields) != 1 || fields[0] != "score" {
		t.Fatalf("unexpected changed fields: %#v", output.Report.ChangedFields)
	}

	code, stdout, _ = p.cli(t, "diff", before, after)
	if code != exitOK || !strings.Contains(stdout, "+ b") || !strings.Contains(stdout, "~ a (score)") {
		t.Fatalf("unexpected text diff: %d %q", code, stdout)
	}

	if code, _, _ = p.cli(t, "diff", before); code != exitPrecondition {
		t.Fatalf("one argument: expected %d got %d", exitPrecondition, code)
	}
}
