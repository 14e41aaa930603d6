// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteJSON writes value as indented JSON.
func WriteJSON(t *testing.T, path string, value any) {
	t.Helper()
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	WriteFile(t, path, append(encoded, '\n'))
}

// Records is shorthand for a record file body.
func Records(records ...map[string]any) []map[string]any {
	if records == nil {
		return []map[string]any{}
	}
	return records
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

func ReadJSON(t *testing.T, path string, target any) {
	t.Helper()
	if err := json.Unmarshal(MustReadFile(t, path), target); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

// FlipByte inverts the first byte of a file in place.
func FlipByte(t *testing.T, path string) {
	t.Helper()
	content := MustReadFile(t, path)
	if len(content) == 0 {
		t.Fatalf("cannot flip a byte of empty file %s", path)
	}
	content[0] ^= 0xff
	WriteFile(t, path, content)
}

// Touch sets the modification time of path.
func Touch(t *testing.T, path string, at time.Time) {
	t.Helper()
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// Clock returns a deterministic clock that advances by step on every call.
func Clock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		now := current
		current = current.Add(step)
		return now
	}
}

func FormatJSON(raw []byte) string {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	encoded, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return string(raw)
	}
	return fmt.Sprintf("%s\n", string(encoded))
}
