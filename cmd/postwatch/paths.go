package main

import (
	"os"
	"path/filepath"

	"github.com/davidahmann/postwatch/core/layout"
)

func absOrSelf(path string) string {
	if path == "" {
		path = "."
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return absolute
}

// resolveRunTarget accepts a manifest path, a run directory or a bare run id.
func resolveRunTarget(root layout.Root, target string) string {
	if _, err := os.Stat(target); err == nil {
		return target
	}
	if layout.ValidateSegment("run id", target) == nil {
		return root.RunDir(target)
	}
	return target
}
