package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"loginus/internal/plugin"
)

// ExtensionStore persists Extension rows.
type ExtensionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewExtensionStore wraps db.
func NewExtensionStore(db *gorm.DB) *ExtensionStore {
	return &ExtensionStore{db: db, now: time.Now}
}

// Create inserts a disabled record. A taken slug yields ErrDuplicate.
func (s *ExtensionStore) Create(ctx context.Context, m plugin.Manifest) (*Extension, error) {
	now := s.now().UTC()
	ext := &Extension{
		Slug:        m.Slug,
		Name:        m.Name,
		Version:     m.Version,
		Manifest:    m,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(ext).Error; err != nil {
		return nil, translate(err, "create extension %q", m.Slug)
	}
	return ext, nil
}

// Get returns the record for slug or ErrNotFound.
func (s *ExtensionStore) Get(ctx context.Context, slug string) (*Extension, error) {
	var ext Extension
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&ext).Error; err != nil {
		return nil, translate(err, "get extension %q", slug)
	}
	return &ext, nil
}

// List returns every record ordered by slug.
func (s *ExtensionStore) List(ctx context.Context) ([]Extension, error) {
	var out []Extension
	if err := s.db.WithContext(ctx).Order("slug").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	return out, nil
}

// SetEnabled flips the enabled flag.
func (s *ExtensionStore) SetEnabled(ctx context.Context, slug string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&Extension{}).Where("slug = ?", slug).
		Updates(map[string]any{"enabled": enabled, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("set enabled %q: %w", slug, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set enabled %q: %w", slug, ErrNotFound)
	}
	return nil
}

// UpdateManifest replaces the stored manifest, name and version.
func (s *ExtensionStore) UpdateManifest(ctx context.Context, slug string, m plugin.Manifest) (*Extension, error) {
	var out *Extension
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ext Extension
		if err := tx.Where("slug = ?", slug).First(&ext).Error; err != nil {
			return translate(err, "update extension %q", slug)
		}
		ext.Manifest = m
		ext.Name = m.Name
		ext.Version = m.Version
		ext.UpdatedAt = s.now().UTC()
		if err := tx.Save(&ext).Error; err != nil {
			return fmt.Errorf("update extension %q: %w", slug, err)
		}
		out = &ext
		return nil
	})
	return out, err
}

// Delete removes the record. Missing records yield ErrNotFound.
func (s *ExtensionStore) Delete(ctx context.Context, slug string) error {
	res := s.db.WithContext(ctx).Where("slug = ?", slug).Delete(&Extension{})
	if res.Error != nil {
		return fmt.Errorf("delete extension %q: %w", slug, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete extension %q: %w", slug, ErrNotFound)
	}
	return nil
}

func translate(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		err = ErrDuplicate
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
