package runreport

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// SchemaVersion is the run_report_schema_version written by this producer.
const SchemaVersion = 1

const (
	StatusStarted      = "started"
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusShortCircuit = "short_circuit"
)

const (
	PointerWriteOK           = "ok"
	PointerWriteDryRun       = "dry_run"
	PointerWriteSkipped      = "skipped"
	PointerWriteFailed       = "failed"
	PointerWriteUploadFailed = "upload_failed"

	// PointerWriteGlobal is the pointer_write key of the aggregate pointer.
	PointerWriteGlobal = "global"
)

// Manifest is the single record of what one run did and produced. Fields this
// producer does not know are kept in Extra and written back unchanged.
type Manifest struct {
	SchemaVersion         int                            `json:"run_report_schema_version"`
	RunID                 string                         `json:"run_id"`
	Status                string                         `json:"status"`
	StartedAt             time.Time                      `json:"started_at"`
	EndedAt               time.Time                      `json:"ended_at"`
	ProducerVersion       string                         `json:"producer_version"`
	StageDurations        map[string]float64             `json:"stage_durations"`
	Stages                []StageOutcome                 `json:"stages"`
	FailedStage           string                         `json:"failed_stage,omitempty"`
	Error                 string                         `json:"error,omitempty"`
	ErrorCategory         string                         `json:"error_category,omitempty"`
	Collaborators         []string                       `json:"collaborators"`
	Datasets              []string                       `json:"datasets"`
	Flags                 RunFlags                       `json:"flags"`
	Inputs                []Input                        `json:"inputs"`
	ShortCircuit          *ShortCircuit                  `json:"short_circuit,omitempty"`
	OutputsByCollaborator map[string]map[string][]string `json:"outputs_by_collaborator"`
	VerifiableArtifacts   map[string]Artifact            `json:"verifiable_artifacts"`
	DiffCounts            map[string]DiffCounts          `json:"diff_counts"`
	DeltaSummary          map[string]DeltaSummary        `json:"delta_summary"`
	Publish               Publish                        `json:"publish"`
	EventsPath            string                         `json:"events_path,omitempty"`
	ManifestDigest        string                         `json:"manifest_digest"`

	Extra map[string]json.RawMessage `json:"-"`
}

type StageOutcome struct {
	Name            string  `json:"name"`
	Outcome         string  `json:"outcome"`
	Reason          string  `json:"reason,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type RunFlags struct {
	Offline          bool `json:"offline"`
	SnapshotOnly     bool `json:"snapshot_only"`
	Augment          bool `json:"augment"`
	PublishRequested bool `json:"publish_requested"`
	PublishRequired  bool `json:"publish_required"`
	PublishDryRun    bool `json:"publish_dry_run"`
}

// Input is one tracked input file and the digest observed at run time.
type Input struct {
	Key      string `json:"key"`
	Path     string `json:"path"`
	SHA256   string `json:"sha256,omitempty"`
	Bytes    int64  `json:"bytes"`
	Present  bool   `json:"present"`
	Previous string `json:"previous_sha256,omitempty"`
}

type ShortCircuit struct {
	Mode          string   `json:"mode"`
	Skipped       bool     `json:"skipped"`
	Reason        string   `json:"reason"`
	SkippedStages []string `json:"skipped_stages,omitempty"`
	ForcedStages  []string `json:"forced_stages,omitempty"`
}

// Artifact is an immutable record of one snapshotted output.
type Artifact struct {
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
	Bytes    int64  `json:"bytes"`
	HashAlgo string `json:"hash_algo"`
}

type DiffCounts struct {
	Added   int `json:"added"`
	Changed int `json:"changed"`
	Removed int `json:"removed"`
}

// DeltaSummary always satisfies New+Changed+Unchanged == RankedTotal.
type DeltaSummary struct {
	RankedTotal    int    `json:"ranked_total"`
	New            int    `json:"new"`
	Changed        int    `json:"changed"`
	Unchanged      int    `json:"unchanged"`
	Removed        int    `json:"removed"`
	BaselineRunID  string `json:"baseline_run_id,omitempty"`
	BaselineSource string `json:"baseline_source"`
}

type Publish struct {
	Requested    bool              `json:"requested"`
	Enabled      bool              `json:"enabled"`
	Required     bool              `json:"required"`
	DryRun       bool              `json:"dry_run"`
	Bucket       string            `json:"bucket"`
	Prefix       string            `json:"prefix"`
	SkipReason   string            `json:"skip_reason,omitempty"`
	Uploaded     []string          `json:"uploaded,omitempty"`
	PointerWrite map[string]string `json:"pointer_write"`
	Error        string            `json:"error,omitempty"`
}

// Pointer names the last run that was successful and, when required, published.
type Pointer struct {
	RunID       string                     `json:"run_id"`
	CompletedAt time.Time                  `json:"completed_at"`
	Artifacts   map[string]PointerArtifact `json:"artifacts"`
}

type PointerArtifact struct {
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

type manifestAlias Manifest

var manifestFieldNames = jsonFieldNames(reflect.TypeOf(manifestAlias{}))

func (manifest Manifest) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(manifestAlias(manifest))
	if err != nil || len(manifest.Extra) == 0 {
		return encoded, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return nil, err
	}
	for key, value := range manifest.Extra {
		if _, known := merged[key]; known {
			continue
		}
		if _, known := manifestFieldNames[key]; known {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

func (manifest *Manifest) UnmarshalJSON(data []byte) error {
	var alias manifestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key := range manifestFieldNames {
		delete(all, key)
	}
	*manifest = Manifest(alias)
	manifest.Extra = nil
	if len(all) > 0 {
		manifest.Extra = all
	}
	return nil
}

func jsonFieldNames(structType reflect.Type) map[string]struct{} {
	names := make(map[string]struct{}, structType.NumField())
	for index := 0; index < structType.NumField(); index++ {
		tag := structType.Field(index).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		names[name] = struct{}{}
	}
	return names
}
