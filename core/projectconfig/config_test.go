package projectconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadAllowMissing(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	configuration, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load allow missing: %v", err)
	}
	if configuration.DataRoot != "." {
		t.Fatalf("expected default data root, got %q", configuration.DataRoot)
	}
	if configuration.Publish.ListLimit != defaultListLimit || configuration.Publish.Region != defaultRegion {
		t.Fatalf("unexpected publish defaults: %#v", configuration.Publish)
	}
	if !configuration.Publish.SSL() {
		t.Fatalf("expected use_ssl default true")
	}
	if configuration.Fingerprint.Score != "score" {
		t.Fatalf("expected default fingerprint fields, got %#v", configuration.Fingerprint)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	if _, err := Load(path, false); err == nil {
		t.Fatal("expected missing required config error")
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "config.yaml")
	content := []byte(`
data_root: " ./data "
lock_timeout: " 30s "
log:
  format: " JSON "
  level: " Debug "
collaborators:
  - name: " alice "
    datasets: [" cloud ", "", "data"]
    outputs:
      - name: ranked
        primary: true
        diff: true
      - name: semantic
        file: semantic.json
        augment: true
stages:
  - name: scrape
    command: "python3 -m scraper --out 'my dir'"
    args: ["--verbose"]
    role: INPUT
  - name: validate
    kind: builtin
    requires: ["{collaborator}/{dataset}/ranked.json"]
short_circuit:
  inputs: [" alice/cloud/raw.json "]
fingerprint:
  identity_fields: ["job_url"]
publish:
  bucket: " postings "
  prefix: "/nightly/"
  use_ssl: false
  required: true
metrics:
  textfile: " /var/lib/node_exporter/postwatch.prom "
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	configuration, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load parse: %v", err)
	}
	if configuration.DataRoot != "./data" {
		t.Fatalf("unexpected data_root %q", configuration.DataRoot)
	}
	timeout, err := configuration.LockTimeoutDuration()
	if err != nil || timeout != 30*time.Second {
		t.Fatalf("unexpected lock timeout %s err=%v", timeout, err)
	}
	if configuration.Log.Format != "json" || configuration.Log.Level != "debug" {
		t.Fatalf("unexpected log defaults: %#v", configuration.Log)
	}
	collaborator, ok := configuration.Collaborator("alice")
	if !ok {
		t.Fatalf("expected collaborator alice")
	}
	if !reflect.DeepEqual(collaborator.Datasets, []string{"cloud", "data"}) {
		t.Fatalf("unexpected datasets %#v", collaborator.Datasets)
	}
	if collaborator.Outputs[0].File != "ranked.json" {
		t.Fatalf("expected output file defaulted from name, got %q", collaborator.Outputs[0].File)
	}
	scrape := configuration.Stages[0]
	if scrape.Kind != StageKindExec || scrape.Role != "input" {
		t.Fatalf("unexpected scrape stage: %#v", scrape)
	}
	wantArgv := []string{"python3", "-m", "scraper", "--out", "my dir", "--verbose"}
	if !reflect.DeepEqual(scrape.Argv, wantArgv) {
		t.Fatalf("unexpected argv %#v", scrape.Argv)
	}
	if configuration.Stages[1].Kind != StageKindBuiltin {
		t.Fatalf("expected builtin stage, got %q", configuration.Stages[1].Kind)
	}
	if !reflect.DeepEqual(configuration.ShortCircuit.Inputs, []string{"alice/cloud/raw.json"}) {
		t.Fatalf("unexpected short_circuit inputs %#v", configuration.ShortCircuit.Inputs)
	}
	if !reflect.DeepEqual(configuration.Fingerprint.Identity, []string{"job_url"}) || configuration.Fingerprint.Score != "score" {
		t.Fatalf("unexpected fingerprint fields %#v", configuration.Fingerprint)
	}
	if configuration.Publish.Bucket != "postings" || configuration.Publish.Prefix != "nightly" {
		t.Fatalf("unexpected publish target %#v", configuration.Publish)
	}
	if configuration.Publish.SSL() || !configuration.Publish.Required {
		t.Fatalf("unexpected publish flags %#v", configuration.Publish)
	}
	if configuration.Metrics.Textfile != "/var/lib/node_exporter/postwatch.prom" {
		t.Fatalf("unexpected metrics textfile %q", configuration.Metrics.Textfile)
	}
}

func TestApplyEnvOverridesPublishTarget(t *testing.T) {
	configuration := Default()
	configuration.Publish.Bucket = "from-yaml"
	env := map[string]string{
		"POSTWATCH_BUCKET":   "from-env",
		"POSTWATCH_PREFIX":   "/daily/",
		"POSTWATCH_ENDPOINT": "minio.local:9000",
	}
	configuration.ApplyEnv(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if configuration.Publish.Bucket != "from-env" || configuration.Publish.Prefix != "daily" || configuration.Publish.Endpoint != "minio.local:9000" {
		t.Fatalf("unexpected publish after env: %#v", configuration.Publish)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"invalid yaml":      "collaborators: [\n",
		"unknown key":       "colaborators: []\n",
		"bad lock timeout":  "lock_timeout: soon\n",
		"nested name":       "collaborators:\n  - name: a/b\n",
		"duplicate stage":   "stages:\n  - {name: a, kind: builtin}\n  - {name: a, kind: builtin}\n",
		"exec no command":   "stages:\n  - {name: a}\n",
		"unknown kind":      "stages:\n  - {name: a, kind: docker, command: x}\n",
		"unknown role":      "stages:\n  - {name: a, command: x, role: publish}\n",
		"unbalanced quote":  "stages:\n  - {name: a, command: \"echo 'x\"}\n",
		"volatile identity": "fingerprint:\n  identity_fields: [scraped_at]\n",
		"negative limit":    "publish:\n  list_limit: -1\n",
		"two diff outputs":  "collaborators:\n  - name: a\n    outputs:\n      - {name: x, diff: true}\n      - {name: y, diff: true}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path, false); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
