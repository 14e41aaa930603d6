package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
	"github.com/davidahmann/postwatch/core/pointer"
	"github.com/davidahmann/postwatch/core/runreport"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

// Publisher mirrors a run to an object store and advances remote pointers.
type Publisher struct {
	Store  objstore.Store
	Prefix string
	DryRun bool
	Root   layout.Root
	Logger *zap.Logger
	Now    func() time.Time
}

// Mirror uploads every verifiable artifact, then writes one scoped pointer per
// (collaborator, dataset) that recorded artifacts plus the global pointer.
// Results land in manifest.Publish; the returned error is informational and
// the caller decides through Settle whether it fails the run.
func (p *Publisher) Mirror(ctx context.Context, manifest *schemarunreport.Manifest) error {
	logger := p.logger().With(zap.String("run_id", manifest.RunID))
	results := map[string]string{}
	manifest.Publish.PointerWrite = results
	manifest.Publish.Uploaded = []string{}
	scopes := scopesOf(manifest.VerifiableArtifacts)

	var uploadErr error
	for _, key := range sortedKeys(manifest.VerifiableArtifacts) {
		artifact := manifest.VerifiableArtifacts[key]
		remoteKey, err := runreport.RemoteArtifactKey(p.Prefix, manifest.RunID, key, artifact)
		if err != nil {
			uploadErr = errors.Join(uploadErr, err)
			continue
		}
		if !p.DryRun {
			if err := objstore.PutFile(ctx, p.Store, remoteKey, p.Root.Resolve(artifact.Path), contentType(artifact.Path)); err != nil {
				logger.Warn("artifact upload failed", zap.String("key", key), zap.Error(err))
				uploadErr = errors.Join(uploadErr, fmt.Errorf("upload %s: %w", key, err))
				continue
			}
		}
		manifest.Publish.Uploaded = append(manifest.Publish.Uploaded, remoteKey)
	}

	if p.DryRun {
		for _, scope := range scopes {
			results[layout.ScopeKey(scope[0], scope[1])] = schemarunreport.PointerWriteDryRun
		}
		results[schemarunreport.PointerWriteGlobal] = schemarunreport.PointerWriteDryRun
		logger.Info("publish dry run", zap.Int("artifacts", len(manifest.Publish.Uploaded)))
		return nil
	}
	if uploadErr != nil {
		for _, scope := range scopes {
			results[layout.ScopeKey(scope[0], scope[1])] = schemarunreport.PointerWriteUploadFailed
		}
		results[schemarunreport.PointerWriteGlobal] = schemarunreport.PointerWriteUploadFailed
		manifest.Publish.Error = uploadErr.Error()
		return soft(uploadErr, "publish_upload_failed")
	}

	completed := p.now().UTC()
	var pointerErr error
	for _, scope := range scopes {
		scopeKey := layout.ScopeKey(scope[0], scope[1])
		value := pointer.ForScope(manifest.RunID, completed, manifest.VerifiableArtifacts, scope[0], scope[1])
		key := layout.RemoteKey(p.Prefix, layout.ScopedPointerPath(scope[0], scope[1]))
		if err := pointer.WriteRemote(ctx, p.Store, key, value); err != nil {
			logger.Warn("remote pointer write failed", zap.String("scope", scopeKey), zap.Error(err))
			results[scopeKey] = schemarunreport.PointerWriteFailed
			pointerErr = errors.Join(pointerErr, fmt.Errorf("pointer %s: %w", scopeKey, err))
			continue
		}
		results[scopeKey] = schemarunreport.PointerWriteOK
	}
	if pointerErr != nil {
		results[schemarunreport.PointerWriteGlobal] = schemarunreport.PointerWriteSkipped
	} else {
		global := pointer.Global(manifest.RunID, completed, manifest.VerifiableArtifacts)
		if err := pointer.WriteRemote(ctx, p.Store, layout.RemoteKey(p.Prefix, layout.GlobalPointerPath()), global); err != nil {
			logger.Warn("remote global pointer write failed", zap.Error(err))
			results[schemarunreport.PointerWriteGlobal] = schemarunreport.PointerWriteFailed
			pointerErr = fmt.Errorf("global pointer: %w", err)
		} else {
			results[schemarunreport.PointerWriteGlobal] = schemarunreport.PointerWriteOK
		}
	}
	if pointerErr != nil {
		manifest.Publish.Error = pointerErr.Error()
		return soft(pointerErr, "publish_pointer_failed")
	}
	logger.Info("run published", zap.String("location", p.Store.Location()), zap.Int("artifacts", len(manifest.Publish.Uploaded)))
	return nil
}

func soft(err error, code string) error {
	return coreerrors.Wrap(err, coreerrors.CategoryPublishSoft, code, "check the remote store; a required publish fails the run", true)
}

// UploadManifest mirrors the finalized manifest file.
func (p *Publisher) UploadManifest(ctx context.Context, runID, manifestPath string) error {
	if p.DryRun {
		return nil
	}
	return objstore.PutFile(ctx, p.Store, runreport.RemoteManifestKey(p.Prefix, runID), manifestPath, "application/json")
}

func scopesOf(artifacts map[string]schemarunreport.Artifact) [][2]string {
	seen := map[string][2]string{}
	for key := range artifacts {
		collaborator, dataset, _, err := layout.ParseLogicalKey(key)
		if err != nil {
			continue
		}
		seen[layout.ScopeKey(collaborator, dataset)] = [2]string{collaborator, dataset}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, seen[key])
	}
	return out
}

func sortedKeys(artifacts map[string]schemarunreport.Artifact) []string {
	keys := make([]string, 0, len(artifacts))
	for key := range artifacts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(name, ".md"):
		return "text/markdown"
	default:
		return ""
	}
}

func (p *Publisher) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Publisher) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}
