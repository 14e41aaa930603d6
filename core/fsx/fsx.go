package fsx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic writes content to a sibling temp file, fsyncs it and renames it
// over path. Readers observe either the previous file or the complete new one.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	return writeAtomic(path, mode, func(file *os.File) error {
		if _, err := file.Write(content); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		return nil
	})
}

// WriteJSONAtomic encodes value as indented JSON with a trailing newline and
// writes it with WriteFileAtomic, creating the parent directory when needed.
func WriteJSONAtomic(path string, value any, mode os.FileMode) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	payload = append(payload, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return WriteFileAtomic(path, payload, mode)
}

// CopyFileAtomic streams src into dst through a temp file and rename. Every byte
// read from src is also written to tee when tee is non-nil, so callers can hash
// exactly the bytes that landed in dst.
func CopyFileAtomic(src, dst string, mode os.FileMode, tee io.Writer) (int64, error) {
	// #nosec G304 -- source path comes from declared collaborator outputs.
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create destination directory: %w", err)
	}
	var reader io.Reader = in
	if tee != nil {
		reader = io.TeeReader(in, tee)
	}
	var copied int64
	err = writeAtomic(dst, mode, func(file *os.File) error {
		n, copyErr := io.Copy(file, reader)
		copied = n
		if copyErr != nil {
			return fmt.Errorf("copy to temp file: %w", copyErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

// WriteReaderAtomic streams reader into path through a temp file and rename,
// creating the parent directory when needed.
func WriteReaderAtomic(path string, reader io.Reader, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	var written int64
	err := writeAtomic(path, mode, func(file *os.File) error {
		n, copyErr := io.Copy(file, reader)
		written = n
		if copyErr != nil {
			return fmt.Errorf("copy to temp file: %w", copyErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func writeAtomic(path string, mode os.FileMode, fill func(*os.File) error) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if err := fill(tempFile); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false
	syncDirectory(parent)
	return nil
}

func syncDirectory(dir string) {
	// #nosec G304 -- directory is the parent of a caller-provided destination.
	if handle, err := os.Open(dir); err == nil {
		_ = handle.Sync()
		_ = handle.Close()
	}
}
