// Package objstore is the remote side of publishing and baseline lookup: an
// S3-compatible bucket through MinIO, or a plain directory tree.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one object or, for non-recursive listings, one common
// prefix (Key ends with "/").
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

func (o ObjectInfo) IsPrefix() bool { return strings.HasSuffix(o.Key, "/") }

type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List returns at most limit entries under prefix in key order. A limit
	// of zero or less means unbounded.
	List(ctx context.Context, prefix string, recursive bool, limit int) ([]ObjectInfo, error)
	// Location names the target for manifests and logs.
	Location() string
}

// Config selects and parameterizes a Store. A bucket of the form file:///path
// opens a Dir store rooted at /path.
type Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

const filePrefix = "file://"

func Open(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if strings.HasPrefix(bucket, filePrefix) {
		return NewDir(strings.TrimPrefix(bucket, filePrefix))
	}
	return NewMinIO(cfg)
}

// PutFile uploads the file at path under key.
func PutFile(ctx context.Context, store Store, key, path, contentType string) error {
	// #nosec G304 -- path is a snapshotted artifact inside the state root.
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return store.Put(ctx, key, file, info.Size(), contentType)
}

// PutBytes uploads an in-memory payload.
func PutBytes(ctx context.Context, store Store, key string, payload []byte, contentType string) error {
	return store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), contentType)
}

// ReadAll downloads key, refusing objects larger than maxBytes when maxBytes > 0.
func ReadAll(ctx context.Context, store Store, key string, maxBytes int64) ([]byte, error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()
	reader := io.Reader(body)
	if maxBytes > 0 {
		reader = io.LimitReader(body, maxBytes+1)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if maxBytes > 0 && int64(len(payload)) > maxBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", key, maxBytes)
	}
	return payload, nil
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
