package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davidahmann/postwatch/core/fsx"
)

// Dir is a Store rooted at a local directory. Keys map to slash-separated
// paths below the root.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("directory store root is required")
	}
	absolute, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve directory store root: %w", err)
	}
	return &Dir{root: absolute}, nil
}

func (d *Dir) Location() string { return filePrefix + filepath.ToSlash(d.root) }

func (d *Dir) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := d.path(key)
	if err != nil {
		return err
	}
	if _, err := fsx.WriteReaderAtomic(target, body, 0o600); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (d *Dir) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := d.path(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- target is confined below the store root.
	file, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, notFound(err))
	}
	return file, nil
}

func (d *Dir) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	target, err := d.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, notFound(err))
	}
	if info.IsDir() {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, ErrNotFound)
	}
	return ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()}, nil
}

// List mirrors S3 listing semantics for directory-shaped prefixes.
func (d *Dir) List(ctx context.Context, prefix string, recursive bool, limit int) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := prefix
	if !strings.HasSuffix(base, "/") {
		base = path.Dir(base) + "/"
		if base == "./" {
			base = ""
		}
	}
	start := d.root
	if base != "" {
		resolved, err := d.path(strings.TrimSuffix(base, "/"))
		if err != nil {
			return nil, err
		}
		start = resolved
	}

	out := []ObjectInfo{}
	if recursive {
		err := filepath.WalkDir(start, func(current string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if errors.Is(walkErr, fs.ErrNotExist) {
					return nil
				}
				return walkErr
			}
			if entry.IsDir() || strings.Contains(entry.Name(), ".tmp-") {
				return nil
			}
			rel, err := filepath.Rel(d.root, current)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			out = append(out, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
	} else {
		entries, err := os.ReadDir(start)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return out, nil
			}
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, entry := range entries {
			if strings.Contains(entry.Name(), ".tmp-") {
				continue
			}
			key := base + entry.Name()
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if entry.IsDir() {
				out = append(out, ObjectInfo{Key: key + "/"})
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", prefix, err)
			}
			out = append(out, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *Dir) path(key string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(key))
	if clean == "/" || clean != "/"+strings.TrimSpace(key) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
