package runreport

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/davidahmann/postwatch/core/hashx"
	"github.com/davidahmann/postwatch/core/layout"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

const (
	ExitOK                 = 0
	ExitVerificationFailed = 2
)

const (
	ArtifactOK       = "ok"
	ArtifactMissing  = "missing"
	ArtifactMismatch = "mismatch"
)

// ManifestKey labels the manifest digest entry in mismatch lists.
const ManifestKey = "manifest"

type VerifyOptions struct {
	// DataRoot resolves relative artifact paths. Empty infers it from the
	// manifest location.
	DataRoot string
}

type ArtifactResult struct {
	Key           string `json:"key"`
	Path          string `json:"path"`
	Resolved      string `json:"resolved"`
	Status        string `json:"status"`
	Expected      string `json:"expected_sha256"`
	Actual        string `json:"actual_sha256,omitempty"`
	ExpectedBytes int64  `json:"expected_bytes"`
	ActualBytes   int64  `json:"actual_bytes,omitempty"`
}

type VerifyResult struct {
	RunID          string           `json:"run_id"`
	Status         string           `json:"status"`
	Manifest       string           `json:"manifest"`
	DataRoot       string           `json:"data_root,omitempty"`
	Source         string           `json:"source"`
	ManifestDigest string           `json:"manifest_digest,omitempty"`
	FilesChecked   int              `json:"files_checked"`
	Artifacts      []ArtifactResult `json:"artifacts"`
	Missing        []string         `json:"missing,omitempty"`
	Mismatched     []string         `json:"mismatched,omitempty"`
}

// OK is true when every artifact matched and the manifest digest held.
func (r VerifyResult) OK() bool {
	return len(r.Missing) == 0 && len(r.Mismatched) == 0
}

// ExitCode is always ExitOK in report-only mode.
func (r VerifyResult) ExitCode(strict bool) int {
	if strict && !r.OK() {
		return ExitVerificationFailed
	}
	return ExitOK
}

// Verify recomputes the hash of every verifiable artifact named by the
// manifest at manifestPath.
func Verify(manifestPath string, opts VerifyOptions) (VerifyResult, error) {
	resolvedManifest := ResolveManifestPath(manifestPath)
	manifest, err := ReadManifest(resolvedManifest)
	if err != nil {
		return VerifyResult{}, err
	}
	dataRoot := opts.DataRoot
	if dataRoot == "" {
		dataRoot = layout.DataRootForManifest(resolvedManifest)
	}
	absolute, err := filepath.Abs(dataRoot)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("resolve data root: %w", err)
	}
	root := layout.Root{Data: absolute}

	result := newResult(manifest, resolvedManifest, "local")
	result.DataRoot = absolute
	checkDigest(&result, manifest)
	for _, key := range sortedKeys(manifest.VerifiableArtifacts) {
		artifact := manifest.VerifiableArtifacts[key]
		entry := ArtifactResult{
			Key:           key,
			Path:          artifact.Path,
			Resolved:      root.Resolve(artifact.Path),
			Expected:      artifact.SHA256,
			ExpectedBytes: artifact.Bytes,
		}
		digest, err := hashx.File(entry.Resolved)
		switch {
		case err == nil:
			compare(&entry, digest)
		case errors.Is(err, fs.ErrNotExist):
			entry.Status = ArtifactMissing
		default:
			return VerifyResult{}, fmt.Errorf("hash %s: %w", key, err)
		}
		result.add(entry)
	}
	result.finish()
	return result, nil
}

func newResult(manifest schemarunreport.Manifest, location, source string) VerifyResult {
	return VerifyResult{
		RunID:          manifest.RunID,
		Status:         manifest.Status,
		Manifest:       location,
		Source:         source,
		ManifestDigest: manifest.ManifestDigest,
		FilesChecked:   len(manifest.VerifiableArtifacts),
		Artifacts:      []ArtifactResult{},
	}
}

func checkDigest(result *VerifyResult, manifest schemarunreport.Manifest) {
	if manifest.ManifestDigest == "" {
		return
	}
	computed, err := ComputeDigest(manifest)
	if err != nil || !hashx.Equal(computed, manifest.ManifestDigest) {
		result.Mismatched = append(result.Mismatched, ManifestKey)
	}
}

func compare(entry *ArtifactResult, digest hashx.Digest) {
	entry.Actual = digest.SHA256
	entry.ActualBytes = digest.Bytes
	if hashx.Equal(digest.SHA256, entry.Expected) && digest.Bytes == entry.ExpectedBytes {
		entry.Status = ArtifactOK
		return
	}
	entry.Status = ArtifactMismatch
}

func (r *VerifyResult) add(entry ArtifactResult) {
	r.Artifacts = append(r.Artifacts, entry)
	switch entry.Status {
	case ArtifactMissing:
		r.Missing = append(r.Missing, entry.Key)
	case ArtifactMismatch:
		r.Mismatched = append(r.Mismatched, entry.Key)
	}
}

func (r *VerifyResult) finish() {
	sort.Strings(r.Missing)
	sort.Strings(r.Mismatched)
}

func sortedKeys(artifacts map[string]schemarunreport.Artifact) []string {
	keys := make([]string, 0, len(artifacts))
	for key := range artifacts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
