package runreport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/davidahmann/postwatch/core/fsx"
	"github.com/davidahmann/postwatch/core/hashx"
	"github.com/davidahmann/postwatch/core/layout"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

var ErrAlreadyFinalized = errors.New("run manifest already finalized")

// Output is one declared collaborator output and where the stage wrote it.
type Output struct {
	Collaborator string
	Dataset      string
	Name         string
	Source       string
}

func (o Output) Key() string { return layout.LogicalKey(o.Collaborator, o.Dataset, o.Name) }

// Registry snapshots outputs for a single run and finalizes its manifest.
type Registry struct {
	root  layout.Root
	runID string

	mu        sync.Mutex
	finalized bool
}

func NewRegistry(root layout.Root, runID string) *Registry {
	return &Registry{root: root, runID: runID}
}

func (r *Registry) ManifestPath() string { return r.root.Manifest(r.runID) }

// Snapshot copies every declared output that exists into
// runs/<run_id>/<collaborator>/<dataset>/<file>, hashing the bytes as they are
// copied, and records it in the manifest. Outputs missing on disk are skipped.
func (r *Registry) Snapshot(manifest *schemarunreport.Manifest, outputs []Output) ([]string, error) {
	if manifest.VerifiableArtifacts == nil {
		manifest.VerifiableArtifacts = map[string]schemarunreport.Artifact{}
	}
	if manifest.OutputsByCollaborator == nil {
		manifest.OutputsByCollaborator = map[string]map[string][]string{}
	}
	recorded := []string{}
	for _, output := range outputs {
		info, err := os.Stat(output.Source)
		if err != nil || info.IsDir() {
			continue
		}
		destination := r.root.Artifact(r.runID, output.Collaborator, output.Dataset, filepath.Base(output.Source))
		counter := hashx.NewCounter()
		if _, err := fsx.CopyFileAtomic(output.Source, destination, 0o600, counter); err != nil {
			return recorded, fmt.Errorf("snapshot %s: %w", output.Key(), err)
		}
		digest := counter.Digest()
		key := output.Key()
		manifest.VerifiableArtifacts[key] = schemarunreport.Artifact{
			Path:     r.root.DataRelative(destination),
			SHA256:   digest.SHA256,
			Bytes:    digest.Bytes,
			HashAlgo: hashx.Algorithm,
		}
		byDataset := manifest.OutputsByCollaborator[output.Collaborator]
		if byDataset == nil {
			byDataset = map[string][]string{}
			manifest.OutputsByCollaborator[output.Collaborator] = byDataset
		}
		byDataset[output.Dataset] = appendUnique(byDataset[output.Dataset], key)
		recorded = append(recorded, key)
	}
	return recorded, nil
}

// Finalize re-checks every recorded artifact and writes the manifest. It
// succeeds at most once per Registry.
func (r *Registry) Finalize(manifest *schemarunreport.Manifest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return "", ErrAlreadyFinalized
	}
	if err := r.Check(manifest); err != nil {
		return "", err
	}
	target := r.ManifestPath()
	if err := WriteManifest(target, manifest); err != nil {
		return "", err
	}
	r.finalized = true
	return target, nil
}

// Check re-hashes every recorded artifact against the manifest.
func (r *Registry) Check(manifest *schemarunreport.Manifest) error {
	keys := make([]string, 0, len(manifest.VerifiableArtifacts))
	for key := range manifest.VerifiableArtifacts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		artifact := manifest.VerifiableArtifacts[key]
		digest, err := hashx.File(r.root.Resolve(artifact.Path))
		if err != nil {
			return fmt.Errorf("artifact %s not resolvable at finalize: %w", key, err)
		}
		if !hashx.Equal(digest.SHA256, artifact.SHA256) || digest.Bytes != artifact.Bytes {
			return fmt.Errorf("artifact %s changed before finalize", key)
		}
	}
	return nil
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	values = append(values, value)
	sort.Strings(values)
	return values
}
