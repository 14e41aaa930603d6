// Package runreport owns the run manifest: it snapshots a run's outputs into
// the immutable per-run tree, writes the manifest exactly once, reads it back
// under schema validation, and re-verifies recorded artifacts.
package runreport

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/davidahmann/postwatch/core/fsx"
	"github.com/davidahmann/postwatch/core/jcs"
	"github.com/davidahmann/postwatch/core/layout"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
	"github.com/davidahmann/postwatch/core/schema/validate"
)

var ErrSchema = errors.New("run report failed schema validation")

// MaxManifestBytes bounds manifest reads from disk or a remote store.
const MaxManifestBytes = 32 << 20

// NewManifest returns a started manifest with every collection initialized
// so the encoded form always satisfies the schema.
func NewManifest(runID string, startedAt time.Time, producerVersion string) schemarunreport.Manifest {
	return schemarunreport.Manifest{
		SchemaVersion:         schemarunreport.SchemaVersion,
		RunID:                 runID,
		Status:                schemarunreport.StatusStarted,
		StartedAt:             startedAt.UTC(),
		ProducerVersion:       producerVersion,
		StageDurations:        map[string]float64{},
		Stages:                []schemarunreport.StageOutcome{},
		Collaborators:         []string{},
		Datasets:              []string{},
		Inputs:                []schemarunreport.Input{},
		OutputsByCollaborator: map[string]map[string][]string{},
		VerifiableArtifacts:   map[string]schemarunreport.Artifact{},
		DiffCounts:            map[string]schemarunreport.DiffCounts{},
		DeltaSummary:          map[string]schemarunreport.DeltaSummary{},
		Publish:               schemarunreport.Publish{PointerWrite: map[string]string{}},
	}
}

// ComputeDigest is the JCS sha256 of the manifest with manifest_digest blank.
func ComputeDigest(manifest schemarunreport.Manifest) (string, error) {
	manifest.ManifestDigest = ""
	raw, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	return jcs.DigestJCS(raw)
}

// Encode stamps the digest, validates the result and returns indented JSON.
func Encode(manifest *schemarunreport.Manifest) ([]byte, error) {
	digest, err := ComputeDigest(*manifest)
	if err != nil {
		return nil, fmt.Errorf("compute manifest digest: %w", err)
	}
	manifest.ManifestDigest = digest
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := validate.RunReport(encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return append(encoded, '\n'), nil
}

// WriteManifest encodes and atomically writes a manifest.
func WriteManifest(target string, manifest *schemarunreport.Manifest) error {
	encoded, err := Encode(manifest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	return fsx.WriteFileAtomic(target, encoded, 0o600)
}

// ReadManifest loads a manifest and rejects it unless it validates.
func ReadManifest(target string) (schemarunreport.Manifest, error) {
	info, err := os.Stat(target)
	if err != nil {
		return schemarunreport.Manifest{}, err
	}
	if info.Size() > MaxManifestBytes {
		return schemarunreport.Manifest{}, fmt.Errorf("manifest %s exceeds %d bytes", target, MaxManifestBytes)
	}
	// #nosec G304 -- manifest path is explicit caller input.
	raw, err := os.ReadFile(target)
	if err != nil {
		return schemarunreport.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(raw)
}

// DecodeManifest parses and validates manifest bytes.
func DecodeManifest(raw []byte) (schemarunreport.Manifest, error) {
	var manifest schemarunreport.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return schemarunreport.Manifest{}, fmt.Errorf("%w: parse: %v", ErrSchema, err)
	}
	if manifest.SchemaVersion != schemarunreport.SchemaVersion {
		return schemarunreport.Manifest{}, fmt.Errorf("%w: unsupported run_report_schema_version %d", ErrSchema, manifest.SchemaVersion)
	}
	if err := validate.RunReport(raw); err != nil {
		return schemarunreport.Manifest{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return manifest, nil
}

// ResolveManifestPath accepts a manifest file or a run directory.
func ResolveManifestPath(target string) string {
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return filepath.Join(target, layout.ManifestName)
	}
	return target
}

// RemoteArtifactKey is where a snapshotted artifact lives below a remote prefix.
func RemoteArtifactKey(prefix, runID, logicalKey string, artifact schemarunreport.Artifact) (string, error) {
	collaborator, dataset, _, err := layout.ParseLogicalKey(logicalKey)
	if err != nil {
		return "", err
	}
	return layout.RemoteKey(prefix, layout.ArtifactPath(runID, collaborator, dataset, path.Base(artifact.Path))), nil
}

// RemoteManifestKey is where a run's manifest lives below a remote prefix.
func RemoteManifestKey(prefix, runID string) string {
	return layout.RemoteKey(prefix, layout.ManifestPath(runID))
}
