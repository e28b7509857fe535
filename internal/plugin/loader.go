package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loginus/internal/common/fsutil"
)

// Handle is a loaded plugin module.
type Handle struct {
	Slug     string
	Version  string
	Path     string
	Export   string
	Module   Module
	LoadedAt time.Time
}

// Loader resolves plugin backends under a root directory and keeps one live
// handle per slug.
type Loader struct {
	root    string
	opener  Opener
	log     zerolog.Logger
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewLoader returns a Loader rooted at root (usually the plugins directory).
func NewLoader(root string, opener Opener, log zerolog.Logger) *Loader {
	return &Loader{
		root:    root,
		opener:  opener,
		log:     log.With().Str("component", "loader").Logger(),
		handles: make(map[string]*Handle),
	}
}

// Root returns the plugins directory.
func (l *Loader) Root() string { return l.root }

// LoadPluginModule resolves and opens the backend declared by m. A manifest
// without an enabled backend yields a handle with an empty module. Loading a
// slug that already has a handle replaces it; the old module is closed.
func (l *Loader) LoadPluginModule(ctx context.Context, slug string, m *Manifest) (h *Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("slug", slug).Str("stack", string(debug.Stack())).Msgf("module load panic: %v", r)
			h, err = nil, &LoadError{Kind: KindOpenFailed, Slug: slug, Cause: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				loadFailures.WithLabelValues(string(le.Kind)).Inc()
			}
		}
	}()

	if !ValidSlug(slug) {
		return nil, &LoadError{Kind: KindPathTraversal, Slug: slug, Cause: fmt.Errorf("invalid slug")}
	}
	if m == nil {
		return nil, &LoadError{Kind: KindInvalidModule, Slug: slug, Cause: ErrInvalidManifest}
	}

	h = &Handle{Slug: slug, Version: m.Version, LoadedAt: time.Now()}
	if !m.HasBackend() {
		h.Module = emptyModule{}
		l.store(h)
		return h, nil
	}

	// the slug directory and the module file must both resolve under the root
	dir, err := fsutil.ResolveSymlinksWithin(l.root, slug)
	if err != nil {
		return nil, &LoadError{Kind: KindPathTraversal, Slug: slug, Path: slug, Cause: err}
	}
	path, err := fsutil.ResolveSymlinksWithin(dir, m.Backend.ModulePath)
	if err == nil {
		_, err = fsutil.ResolveSymlinksWithin(l.root, filepath.Join(slug, m.Backend.ModulePath))
	}
	if err != nil {
		return nil, &LoadError{Kind: KindPathTraversal, Slug: slug, Path: m.Backend.ModulePath, Cause: err}
	}
	if !fsutil.IsRegularFile(path) {
		return nil, &LoadError{Kind: KindModuleNotFound, Slug: slug, Path: m.Backend.ModulePath}
	}
	lib, err := l.opener.Open(ctx, path)
	if err != nil {
		return nil, &LoadError{Kind: KindOpenFailed, Slug: slug, Path: m.Backend.ModulePath, Cause: err}
	}
	export := m.ExportName()
	mod, err := lib.Lookup(export)
	if err == nil && mod == nil {
		err = fmt.Errorf("export %s produced no module", export)
	}
	if err != nil {
		if c, ok := lib.(Closer); ok {
			_ = c.Close()
		}
		kind := KindInvalidModule
		if errors.Is(err, ErrExportNotFound) {
			kind = KindExportNotFound
		}
		return nil, &LoadError{Kind: kind, Slug: slug, Path: m.Backend.ModulePath, Cause: err}
	}

	h.Path = path
	h.Export = export
	h.Module = mod
	l.store(h)
	l.log.Info().Str("slug", slug).Str("export", export).Str("path", m.Backend.ModulePath).Msg("module loaded")
	return h, nil
}

func (l *Loader) store(h *Handle) {
	l.mu.Lock()
	prev, replaced := l.handles[h.Slug]
	l.handles[h.Slug] = h
	l.mu.Unlock()
	if replaced {
		l.release(prev)
	} else {
		loadedModules.Inc()
	}
}

// GetLoadedModule returns the live handle for slug.
func (l *Loader) GetLoadedModule(slug string) (*Handle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handles[slug]
	return h, ok
}

// UnloadPluginModule drops the handle for slug and reports whether one existed.
func (l *Loader) UnloadPluginModule(slug string) bool {
	l.mu.Lock()
	h, ok := l.handles[slug]
	delete(l.handles, slug)
	l.mu.Unlock()
	if !ok {
		return false
	}
	loadedModules.Dec()
	l.release(h)
	l.log.Info().Str("slug", slug).Msg("module unloaded")
	return true
}

// Loaded returns the slugs with a live handle, sorted.
func (l *Loader) Loaded() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.handles))
	for s := range l.handles {
		out = append(out, s)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (l *Loader) release(h *Handle) {
	c, ok := h.Module.(Closer)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("slug", h.Slug).Msgf("module close panic: %v", r)
		}
	}()
	if err := c.Close(); err != nil {
		l.log.Warn().Err(err).Str("slug", h.Slug).Msg("module close failed")
	}
}
