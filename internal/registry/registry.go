// Package registry keeps the durable record of installed plugins and finds
// plugin manifests on disk.
package registry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"loginus/internal/plugin"
	"loginus/internal/store"
)

// ErrNotFound is returned when no record exists for a slug.
var ErrNotFound = store.ErrNotFound

// ErrDuplicate is returned when installing a slug that already exists.
var ErrDuplicate = store.ErrDuplicate

// LoadChecker reports whether a slug has a live module handle.
type LoadChecker interface {
	GetLoadedModule(slug string) (*plugin.Handle, bool)
}

// Registry is the CRUD surface over extension records.
type Registry struct {
	store   *store.ExtensionStore
	checker LoadChecker
	log     zerolog.Logger
}

// New wraps s. When checker is non-nil, FindBySlug never reports a record as
// enabled unless the checker holds a handle for it.
func New(s *store.ExtensionStore, checker LoadChecker, log zerolog.Logger) *Registry {
	return &Registry{store: s, checker: checker, log: log.With().Str("component", "registry").Logger()}
}

// Create inserts a disabled record for m.
func (r *Registry) Create(ctx context.Context, m plugin.Manifest) (*store.Extension, error) {
	return r.store.Create(ctx, m)
}

// FindBySlug returns the record for slug, or (nil, nil) if none exists. A
// record claiming enabled without a loaded module is persisted as disabled
// before it is returned.
func (r *Registry) FindBySlug(ctx context.Context, slug string) (*store.Extension, error) {
	ext, err := r.store.Get(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ext.Enabled && r.checker != nil {
		if _, ok := r.checker.GetLoadedModule(slug); !ok {
			r.log.Warn().Str("slug", slug).Msg("record enabled without a loaded module; forcing disabled")
			if err := r.store.SetEnabled(ctx, slug, false); err != nil {
				return nil, err
			}
			ext.Enabled = false
		}
	}
	return ext, nil
}

// List returns every record as persisted, ordered by slug.
func (r *Registry) List(ctx context.Context) ([]store.Extension, error) {
	return r.store.List(ctx)
}

// SetEnabled flips the flag. Only the lifecycle controller calls this with
// true, after a successful load.
func (r *Registry) SetEnabled(ctx context.Context, slug string, enabled bool) error {
	return r.store.SetEnabled(ctx, slug, enabled)
}

// Update replaces the stored manifest.
func (r *Registry) Update(ctx context.Context, slug string, m plugin.Manifest) (*store.Extension, error) {
	return r.store.UpdateManifest(ctx, slug, m)
}

// Delete removes the record.
func (r *Registry) Delete(ctx context.Context, slug string) error {
	return r.store.Delete(ctx, slug)
}
