package runreport

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidahmann/postwatch/core/hashx"
	"github.com/davidahmann/postwatch/core/layout"
	"github.com/davidahmann/postwatch/core/objstore"
)

type PublishedOptions struct {
	Store  objstore.Store
	Prefix string
	RunID  string
	// Offline compares the local snapshot against the local manifest and
	// never touches Store.
	Offline bool
	Root    layout.Root
}

// VerifyPublished proves that the objects mirrored for a run still hash to
// the values its manifest recorded.
func VerifyPublished(ctx context.Context, opts PublishedOptions) (VerifyResult, error) {
	if err := layout.ValidateSegment("run id", opts.RunID); err != nil {
		return VerifyResult{}, err
	}
	if opts.Offline {
		result, err := Verify(opts.Root.Manifest(opts.RunID), VerifyOptions{DataRoot: opts.Root.Data})
		if err != nil {
			return VerifyResult{}, err
		}
		result.Source = "offline"
		return result, nil
	}
	if opts.Store == nil {
		return VerifyResult{}, fmt.Errorf("remote store is required unless offline")
	}

	manifestKey := RemoteManifestKey(opts.Prefix, opts.RunID)
	raw, err := objstore.ReadAll(ctx, opts.Store, manifestKey, MaxManifestBytes)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("fetch published manifest: %w", err)
	}
	manifest, err := DecodeManifest(raw)
	if err != nil {
		return VerifyResult{}, err
	}
	if manifest.RunID != opts.RunID {
		return VerifyResult{}, fmt.Errorf("%w: published manifest names run %s", ErrSchema, manifest.RunID)
	}

	result := newResult(manifest, opts.Store.Location()+"/"+manifestKey, "remote")
	checkDigest(&result, manifest)
	for _, key := range sortedKeys(manifest.VerifiableArtifacts) {
		artifact := manifest.VerifiableArtifacts[key]
		remoteKey, err := RemoteArtifactKey(opts.Prefix, manifest.RunID, key, artifact)
		if err != nil {
			return VerifyResult{}, err
		}
		entry := ArtifactResult{
			Key:           key,
			Path:          artifact.Path,
			Resolved:      remoteKey,
			Expected:      artifact.SHA256,
			ExpectedBytes: artifact.Bytes,
		}
		digest, err := hashRemote(ctx, opts.Store, remoteKey)
		switch {
		case err == nil:
			compare(&entry, digest)
		case errors.Is(err, objstore.ErrNotFound):
			entry.Status = ArtifactMissing
		default:
			return VerifyResult{}, fmt.Errorf("hash published %s: %w", key, err)
		}
		result.add(entry)
	}
	result.finish()
	return result, nil
}

func hashRemote(ctx context.Context, store objstore.Store, key string) (hashx.Digest, error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return hashx.Digest{}, err
	}
	defer func() {
		_ = body.Close()
	}()
	return hashx.Reader(body)
}
