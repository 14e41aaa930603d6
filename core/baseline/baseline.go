// Package baseline finds the output of the most recent successful run to diff
// the current run against. Resolution walks local pointers, local run
// directories, remote pointers and finally a bounded remote listing, and
// never fails: exhausting every tier means this is a first run.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/davidahmann/postwatch/core/fsx"
	"github.com/davidahmann/postwatch/core/hashx"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
	"github.com/davidahmann/postwatch/core/pointer"
	"github.com/davidahmann/postwatch/core/runreport"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

type Source string

const (
	SourceScopedLocal  Source = "scoped_local_pointer"
	SourceGlobalLocal  Source = "global_local_pointer"
	SourceLocalRun     Source = "local_run_scan"
	SourceScopedRemote Source = "scoped_remote_pointer"
	SourceGlobalRemote Source = "global_remote_pointer"
	SourceRemoteScan   Source = "remote_listing_scan"
	SourceNone         Source = "none"
)

const defaultListLimit = 1000

// Baseline names the prior run and a local file holding its output.
type Baseline struct {
	RunID  string `json:"run_id,omitempty"`
	Source Source `json:"source"`
	Path   string `json:"path,omitempty"`
	Key    string `json:"key"`
	SHA256 string `json:"sha256,omitempty"`
}

func (b Baseline) Found() bool { return b.Source != SourceNone && b.RunID != "" }

type Resolver struct {
	Root layout.Root
	// Store enables tiers four to six; nil keeps resolution local.
	Store     objstore.Store
	Prefix    string
	ListLimit int
	Logger    *zap.Logger
}

type tier struct {
	source Source
	try    func(ctx context.Context, q query) (Baseline, error)
}

type query struct {
	collaborator string
	dataset      string
	output       string
	key          string
	excluding    string
}

var errSkip = errors.New("tier does not apply")

// Resolve returns the baseline for one logical output, ignoring the run named
// by excludingRunID.
func (r *Resolver) Resolve(ctx context.Context, collaborator, dataset, output, excludingRunID string) Baseline {
	q := query{
		collaborator: collaborator,
		dataset:      dataset,
		output:       output,
		key:          layout.LogicalKey(collaborator, dataset, output),
		excluding:    excludingRunID,
	}
	logger := r.logger().With(zap.String("key", q.key))
	for _, current := range r.tiers() {
		if err := ctx.Err(); err != nil {
			logger.Warn("baseline resolution cancelled", zap.Error(err))
			break
		}
		found, err := current.try(ctx, q)
		if err == nil {
			found.Source = current.source
			found.Key = q.key
			logger.Info("baseline resolved", zap.String("source", string(found.Source)), zap.String("baseline_run_id", found.RunID))
			return found
		}
		if !errors.Is(err, errSkip) {
			logger.Debug("baseline tier fell through", zap.String("source", string(current.source)), zap.Error(err))
		}
	}
	logger.Info("no baseline found, treating as first run")
	return Baseline{Source: SourceNone, Key: q.key}
}

func (r *Resolver) tiers() []tier {
	return []tier{
		{source: SourceScopedLocal, try: func(_ context.Context, q query) (Baseline, error) {
			return r.fromLocalPointer(r.Root.ScopedPointer(q.collaborator, q.dataset), q)
		}},
		{source: SourceGlobalLocal, try: func(_ context.Context, q query) (Baseline, error) {
			return r.fromLocalPointer(r.Root.GlobalPointer(), q)
		}},
		{source: SourceLocalRun, try: func(_ context.Context, q query) (Baseline, error) {
			return r.fromLocalRuns(q)
		}},
		{source: SourceScopedRemote, try: func(ctx context.Context, q query) (Baseline, error) {
			return r.fromRemotePointer(ctx, layout.ScopedPointerPath(q.collaborator, q.dataset), q)
		}},
		{source: SourceGlobalRemote, try: func(ctx context.Context, q query) (Baseline, error) {
			return r.fromRemotePointer(ctx, layout.GlobalPointerPath(), q)
		}},
		{source: SourceRemoteScan, try: r.fromRemoteListing},
	}
}

func (r *Resolver) fromLocalPointer(pointerPath string, q query) (Baseline, error) {
	current, err := pointer.ReadLocal(pointerPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Baseline{}, errSkip
		}
		return Baseline{}, err
	}
	if current.RunID == q.excluding {
		return Baseline{}, fmt.Errorf("pointer names the current run")
	}
	expected, ok := current.Artifacts[q.key]
	if !ok {
		return Baseline{}, fmt.Errorf("pointer for run %s does not cover %s", current.RunID, q.key)
	}
	if err := layout.ValidateSegment("run id", current.RunID); err != nil {
		return Baseline{}, err
	}
	found, err := r.localArtifact(current.RunID, q)
	if err != nil {
		return Baseline{}, err
	}
	if !hashx.Equal(found.SHA256, expected.SHA256) {
		return Baseline{}, fmt.Errorf("pointer for run %s is stale: artifact hash differs", current.RunID)
	}
	return found, nil
}

// localArtifact resolves key from the manifest of runID and checks the
// snapshot still exists with the recorded hash.
func (r *Resolver) localArtifact(runID string, q query) (Baseline, error) {
	manifest, err := runreport.ReadManifest(r.Root.Manifest(runID))
	if err != nil {
		return Baseline{}, fmt.Errorf("run %s manifest: %w", runID, err)
	}
	artifact, ok := manifest.VerifiableArtifacts[q.key]
	if !ok {
		return Baseline{}, fmt.Errorf("run %s did not record %s", runID, q.key)
	}
	resolved := r.Root.Resolve(artifact.Path)
	digest, err := hashx.File(resolved)
	if err != nil {
		return Baseline{}, fmt.Errorf("run %s artifact: %w", runID, err)
	}
	if !hashx.Equal(digest.SHA256, artifact.SHA256) {
		return Baseline{}, fmt.Errorf("run %s artifact no longer matches its manifest", runID)
	}
	return Baseline{RunID: runID, Path: resolved, SHA256: digest.SHA256}, nil
}

func (r *Resolver) fromLocalRuns(q query) (Baseline, error) {
	entries, err := os.ReadDir(r.Root.RunsRoot())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Baseline{}, errSkip
		}
		return Baseline{}, err
	}
	type candidate struct {
		runID    string
		manifest schemarunreport.Manifest
	}
	candidates := []candidate{}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == q.excluding {
			continue
		}
		manifest, err := runreport.ReadManifest(r.Root.Manifest(entry.Name()))
		if err != nil || manifest.Status != schemarunreport.StatusSuccess || manifest.RunID != entry.Name() {
			continue
		}
		if _, ok := manifest.VerifiableArtifacts[q.key]; !ok {
			continue
		}
		candidates = append(candidates, candidate{runID: entry.Name(), manifest: manifest})
	}
	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i].manifest, candidates[j].manifest
		if !left.EndedAt.Equal(right.EndedAt) {
			return left.EndedAt.After(right.EndedAt)
		}
		return candidates[i].runID > candidates[j].runID
	})
	for _, current := range candidates {
		found, err := r.localArtifact(current.runID, q)
		if err == nil {
			return found, nil
		}
		r.logger().Debug("local run skipped", zap.String("run_id", current.runID), zap.Error(err))
	}
	return Baseline{}, fmt.Errorf("no successful local run recorded %s", q.key)
}

func (r *Resolver) fromRemotePointer(ctx context.Context, relative string, q query) (Baseline, error) {
	if r.Store == nil {
		return Baseline{}, errSkip
	}
	current, err := pointer.ReadRemote(ctx, r.Store, layout.RemoteKey(r.Prefix, relative))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return Baseline{}, errSkip
		}
		return Baseline{}, err
	}
	if current.RunID == q.excluding {
		return Baseline{}, fmt.Errorf("remote pointer names the current run")
	}
	expected, ok := current.Artifacts[q.key]
	if !ok {
		return Baseline{}, fmt.Errorf("remote pointer for run %s does not cover %s", current.RunID, q.key)
	}
	return r.remoteArtifact(ctx, current.RunID, q, expected.SHA256)
}

func (r *Resolver) fromRemoteListing(ctx context.Context, q query) (Baseline, error) {
	if r.Store == nil {
		return Baseline{}, errSkip
	}
	runsPrefix := layout.RemoteKey(r.Prefix, layout.RunsDir) + "/"
	limit := r.ListLimit
	if limit <= 0 {
		limit = defaultListLimit
	}
	// Keys list in ascending order, so the whole run level is listed and the
	// limit bounds how many candidate runs are fetched.
	listed, err := r.Store.List(ctx, runsPrefix, false, 0)
	if err != nil {
		return Baseline{}, err
	}
	runIDs := []string{}
	for _, object := range listed {
		if !object.IsPrefix() {
			continue
		}
		runID := strings.TrimSuffix(strings.TrimPrefix(object.Key, runsPrefix), "/")
		if runID == "" || runID == q.excluding || layout.ValidateSegment("run id", runID) != nil {
			continue
		}
		if q.excluding != "" && runID > q.excluding {
			continue
		}
		runIDs = append(runIDs, runID)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runIDs)))
	if len(runIDs) > limit {
		runIDs = runIDs[:limit]
	}
	for _, runID := range runIDs {
		found, err := r.remoteArtifact(ctx, runID, q, "")
		if err == nil {
			return found, nil
		}
		r.logger().Debug("remote run skipped", zap.String("run_id", runID), zap.Error(err))
	}
	return Baseline{}, fmt.Errorf("no listed remote run recorded %s", q.key)
}

// remoteArtifact downloads the output recorded by a published run into the
// baseline cache. expectedSHA, when set, is the value a pointer promised.
func (r *Resolver) remoteArtifact(ctx context.Context, runID string, q query, expectedSHA string) (Baseline, error) {
	if err := layout.ValidateSegment("run id", runID); err != nil {
		return Baseline{}, err
	}
	raw, err := objstore.ReadAll(ctx, r.Store, runreport.RemoteManifestKey(r.Prefix, runID), runreport.MaxManifestBytes)
	if err != nil {
		return Baseline{}, fmt.Errorf("remote manifest for %s: %w", runID, err)
	}
	manifest, err := runreport.DecodeManifest(raw)
	if err != nil {
		return Baseline{}, err
	}
	if manifest.Status != schemarunreport.StatusSuccess {
		return Baseline{}, fmt.Errorf("remote run %s did not succeed", runID)
	}
	artifact, ok := manifest.VerifiableArtifacts[q.key]
	if !ok {
		return Baseline{}, fmt.Errorf("remote run %s did not record %s", runID, q.key)
	}
	if expectedSHA != "" && !hashx.Equal(expectedSHA, artifact.SHA256) {
		return Baseline{}, fmt.Errorf("remote pointer for %s is stale", runID)
	}
	remoteKey, err := runreport.RemoteArtifactKey(r.Prefix, runID, q.key, artifact)
	if err != nil {
		return Baseline{}, err
	}
	body, err := r.Store.Get(ctx, remoteKey)
	if err != nil {
		return Baseline{}, fmt.Errorf("remote artifact %s: %w", remoteKey, err)
	}
	defer func() {
		_ = body.Close()
	}()
	cachePath := r.Root.BaselineCache(runID, q.collaborator, q.dataset, path.Base(artifact.Path))
	if _, err := fsx.WriteReaderAtomic(cachePath, body, 0o600); err != nil {
		return Baseline{}, fmt.Errorf("cache remote artifact: %w", err)
	}
	digest, err := hashx.File(cachePath)
	if err != nil {
		return Baseline{}, err
	}
	if !hashx.Equal(digest.SHA256, artifact.SHA256) {
		_ = os.Remove(cachePath)
		return Baseline{}, fmt.Errorf("remote artifact %s does not match its manifest", remoteKey)
	}
	return Baseline{RunID: runID, Path: cachePath, SHA256: digest.SHA256}, nil
}

func (r *Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
