// Package layout is the single authority for where runs, pointers, snapshots
// and remote objects live. Every function here is pure.
package layout

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	DefaultStateDir   = "state"
	RunsDir           = "runs"
	PointersDir       = "pointers"
	CacheDir          = "cache"
	ManifestName      = "run_report.json"
	EventsName        = "events.jsonl"
	LockName          = "run.lock"
	InputHashesName   = "input_hashes.json"
	GlobalPointerName = "global.json"
	MetricsName       = "postwatch.prom"
)

// ArtifactPath is the slash-separated location of one snapshotted artifact
// relative to the state root.
func ArtifactPath(runID, collaborator, dataset, name string) string {
	return path.Join(RunsDir, runID, collaborator, dataset, name)
}

// RunPath is the slash-separated run directory relative to the state root.
func RunPath(runID string) string {
	return path.Join(RunsDir, runID)
}

// ManifestPath is the slash-separated manifest location relative to the state root.
func ManifestPath(runID string) string {
	return path.Join(RunsDir, runID, ManifestName)
}

// ScopedPointerPath is the pointer for one (collaborator, dataset) relative to a
// pointer root (the local state root or the remote prefix).
func ScopedPointerPath(collaborator, dataset string) string {
	return path.Join(PointersDir, collaborator, dataset+".json")
}

func GlobalPointerPath() string {
	return path.Join(PointersDir, GlobalPointerName)
}

// LogicalKey renders <collaborator>:<dataset>:<output-name>.
func LogicalKey(collaborator, dataset, output string) string {
	return collaborator + ":" + dataset + ":" + output
}

// ParseLogicalKey splits a logical key into its three segments.
func ParseLogicalKey(key string) (collaborator, dataset, output string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("logical key must be <collaborator>:<dataset>:<output>: %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// ScopeKey renders the <collaborator>:<dataset> key used by diff counts,
// delta summaries and pointer write results.
func ScopeKey(collaborator, dataset string) string {
	return collaborator + ":" + dataset
}

// ValidateSegment rejects names that would escape their directory.
func ValidateSegment(kind, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if trimmed != value || strings.ContainsAny(value, `/\:`) || value == "." || value == ".." {
		return fmt.Errorf("%s %q must be a single path segment without ':'", kind, value)
	}
	return nil
}

// RemoteKey joins a remote prefix with a state-relative slash path.
func RemoteKey(prefix, relative string) string {
	cleanPrefix := strings.Trim(prefix, "/")
	if cleanPrefix == "" {
		return strings.TrimPrefix(relative, "/")
	}
	return cleanPrefix + "/" + strings.TrimPrefix(relative, "/")
}

// Root anchors the pure paths above to a data root and a state root.
type Root struct {
	Data  string
	State string
}

// NewRoot returns a Root. An empty stateDir means <data>/state; a relative
// stateDir is resolved against data.
func NewRoot(data, stateDir string) Root {
	cleanData := filepath.Clean(data)
	state := strings.TrimSpace(stateDir)
	switch {
	case state == "":
		state = filepath.Join(cleanData, DefaultStateDir)
	case !filepath.IsAbs(state):
		state = filepath.Join(cleanData, state)
	}
	return Root{Data: cleanData, State: filepath.Clean(state)}
}

func (r Root) Lock() string {
	return filepath.Join(r.State, LockName)
}

func (r Root) InputHashes() string {
	return filepath.Join(r.State, InputHashesName)
}

func (r Root) RunsRoot() string {
	return filepath.Join(r.State, RunsDir)
}

func (r Root) RunDir(runID string) string {
	return filepath.Join(r.State, filepath.FromSlash(RunPath(runID)))
}

func (r Root) Manifest(runID string) string {
	return filepath.Join(r.State, filepath.FromSlash(ManifestPath(runID)))
}

func (r Root) Events(runID string) string {
	return filepath.Join(r.RunDir(runID), EventsName)
}

func (r Root) Artifact(runID, collaborator, dataset, name string) string {
	return filepath.Join(r.State, filepath.FromSlash(ArtifactPath(runID, collaborator, dataset, name)))
}

func (r Root) ScopedPointer(collaborator, dataset string) string {
	return filepath.Join(r.State, filepath.FromSlash(ScopedPointerPath(collaborator, dataset)))
}

func (r Root) GlobalPointer() string {
	return filepath.Join(r.State, filepath.FromSlash(GlobalPointerPath()))
}

func (r Root) BaselineCache(runID, collaborator, dataset, name string) string {
	return filepath.Join(r.State, CacheDir, "baseline", runID, collaborator, dataset, name)
}

func (r Root) Metrics() string {
	return filepath.Join(r.State, MetricsName)
}

// Output is the live location a stage writes for one collaborator output.
func (r Root) Output(collaborator, dataset, file string) string {
	return filepath.Join(r.Data, collaborator, dataset, file)
}

// DataRelative expresses target relative to the data root with forward
// slashes, or returns it absolute when it lies outside the data root.
func (r Root) DataRelative(target string) string {
	rel, err := filepath.Rel(r.Data, target)
	if err != nil || !filepath.IsLocal(rel) {
		return filepath.Clean(target)
	}
	return filepath.ToSlash(rel)
}

// Resolve maps a manifest path back to the filesystem: absolute paths are
// used as-is, everything else is relative to the data root.
func (r Root) Resolve(recorded string) string {
	native := filepath.FromSlash(recorded)
	if filepath.IsAbs(native) {
		return filepath.Clean(native)
	}
	return filepath.Join(r.Data, native)
}

// DataRootForManifest infers the data root from a manifest stored at
// <data>/<state>/runs/<run_id>/run_report.json when the state root is the
// default <data>/state.
func DataRootForManifest(manifestPath string) string {
	runDir := filepath.Dir(filepath.Clean(manifestPath))
	return filepath.Dir(filepath.Dir(filepath.Dir(runDir)))
}
