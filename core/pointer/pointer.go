// Package pointer reads and writes the documents naming the last run that
// finished successfully (and was published when publishing is required).
// Pointers are always replaced whole, never edited in place.
package pointer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/postwatch/core/fsx"
	"github.com/davidahmann/postwatch/core/objstore"
	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
	"github.com/davidahmann/postwatch/core/schema/validate"
)

// maxPointerBytes bounds remote pointer downloads.
const maxPointerBytes = 4 << 20

var ErrInvalid = errors.New("invalid pointer")

// ForScope builds the pointer for one (collaborator, dataset) from the
// artifacts a run recorded.
func ForScope(runID string, completedAt time.Time, artifacts map[string]schemarunreport.Artifact, collaborator, dataset string) schemarunreport.Pointer {
	prefix := collaborator + ":" + dataset + ":"
	return build(runID, completedAt, artifacts, func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// Global builds the pointer covering every recorded artifact.
func Global(runID string, completedAt time.Time, artifacts map[string]schemarunreport.Artifact) schemarunreport.Pointer {
	return build(runID, completedAt, artifacts, func(string) bool { return true })
}

func build(runID string, completedAt time.Time, artifacts map[string]schemarunreport.Artifact, include func(string) bool) schemarunreport.Pointer {
	out := schemarunreport.Pointer{
		RunID:       runID,
		CompletedAt: completedAt.UTC(),
		Artifacts:   map[string]schemarunreport.PointerArtifact{},
	}
	for key, artifact := range artifacts {
		if include(key) {
			out.Artifacts[key] = schemarunreport.PointerArtifact{SHA256: artifact.SHA256, Bytes: artifact.Bytes}
		}
	}
	return out
}

func Encode(value schemarunreport.Pointer) ([]byte, error) {
	if value.Artifacts == nil {
		value.Artifacts = map[string]schemarunreport.PointerArtifact{}
	}
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode pointer: %w", err)
	}
	return append(encoded, '\n'), nil
}

// Decode validates raw against the pointer schema before trusting it.
func Decode(raw []byte) (schemarunreport.Pointer, error) {
	var value schemarunreport.Pointer
	if err := json.Unmarshal(raw, &value); err != nil {
		return schemarunreport.Pointer{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate.Pointer(raw); err != nil {
		return schemarunreport.Pointer{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return value, nil
}

func WriteLocal(path string, value schemarunreport.Pointer) error {
	encoded, err := Encode(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pointer directory: %w", err)
	}
	return fsx.WriteFileAtomic(path, encoded, 0o600)
}

// ReadLocal returns an error satisfying os.ErrNotExist when no pointer exists.
func ReadLocal(path string) (schemarunreport.Pointer, error) {
	// #nosec G304 -- pointer paths are derived from the state root.
	raw, err := os.ReadFile(path)
	if err != nil {
		return schemarunreport.Pointer{}, err
	}
	return Decode(raw)
}

func WriteRemote(ctx context.Context, store objstore.Store, key string, value schemarunreport.Pointer) error {
	encoded, err := Encode(value)
	if err != nil {
		return err
	}
	return objstore.PutBytes(ctx, store, key, encoded, "application/json")
}

// ReadRemote returns an error satisfying objstore.ErrNotFound when the
// pointer object is absent.
func ReadRemote(ctx context.Context, store objstore.Store, key string) (schemarunreport.Pointer, error) {
	raw, err := objstore.ReadAll(ctx, store, key, maxPointerBytes)
	if err != nil {
		return schemarunreport.Pointer{}, err
	}
	return Decode(raw)
}
