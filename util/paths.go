package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir is the per-user fedengine directory below os.UserConfigDir, created on demand.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath maps a configured file name to a path. Absolute names and files present in the
// working directory are used as they are, everything else lives in ConfigDir.
func ResolveFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := ConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
