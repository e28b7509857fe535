package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned by Within when the joined path escapes its root.
var ErrOutsideRoot = errors.New("path escapes root directory")

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/plugins
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// IsRegularFile reports whether path exists and is a regular file.
func IsRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Within joins rel onto root and returns the absolute result, or ErrOutsideRoot
// if the cleaned path is not root itself or a descendant of it. Absolute rel
// values are rejected.
func Within(root, rel string) (string, error) {
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", ErrOutsideRoot
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	joined := filepath.Join(absRoot, rel)
	r, err := filepath.Rel(absRoot, joined)
	if err != nil {
		return "", ErrOutsideRoot
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return joined, nil
}

// ResolveSymlinksWithin is Within followed by a symlink check: if the target
// exists, its real path must still be under the real root.
func ResolveSymlinksWithin(root, rel string) (string, error) {
	p, err := Within(root, rel)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		// missing targets are reported by the caller's existence check
		return p, nil
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return p, nil
	}
	absRoot, _ := filepath.Abs(realRoot)
	r, err := filepath.Rel(absRoot, resolved)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return p, nil
}
