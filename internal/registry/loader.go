package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"loginus/internal/common/fsutil"
	"loginus/internal/plugin"
)

// Discovered is a manifest found on disk.
type Discovered struct {
	Slug     string
	Dir      string
	File     string
	Manifest *plugin.Manifest
}

// DirError records a plugin directory that could not be read.
type DirError struct {
	Dir string
	Err error
}

func (e DirError) Error() string { return fmt.Sprintf("%s: %v", e.Dir, e.Err) }

// Discover scans root for <slug>/plugin.{json,yaml,yml}. Directories without
// a manifest are skipped; unreadable or invalid ones are returned as
// DirErrors without aborting the scan. A manifest whose slug differs from its
// directory name is rejected, since the loader resolves code by directory.
func Discover(root string) ([]Discovered, []DirError, error) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("read dir: %w", err)
	}
	var found []Discovered
	var bad []DirError
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(abs, e.Name())
		file, ok := plugin.FindManifest(dir)
		if !ok {
			continue
		}
		if !plugin.ValidSlug(e.Name()) {
			bad = append(bad, DirError{Dir: dir, Err: fmt.Errorf("directory name %q is not a valid slug", e.Name())})
			continue
		}
		m, err := plugin.LoadManifest(file)
		if err != nil {
			bad = append(bad, DirError{Dir: dir, Err: err})
			continue
		}
		if m.Slug != e.Name() {
			bad = append(bad, DirError{Dir: dir, Err: fmt.Errorf("manifest slug %q does not match directory", m.Slug)})
			continue
		}
		found = append(found, Discovered{Slug: m.Slug, Dir: dir, File: file, Manifest: m})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Slug < found[j].Slug })
	return found, bad, nil
}
