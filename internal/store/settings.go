package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsRepo persists ModuleSetting rows with upsert semantics.
type SettingsRepo struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSettingsRepo wraps db.
func NewSettingsRepo(db *gorm.DB) *SettingsRepo {
	return &SettingsRepo{db: db, now: time.Now}
}

// Get returns the row for moduleID or ErrNotFound.
func (r *SettingsRepo) Get(ctx context.Context, moduleID string) (*ModuleSetting, error) {
	var ms ModuleSetting
	if err := r.db.WithContext(ctx).Where("module_id = ?", moduleID).First(&ms).Error; err != nil {
		return nil, translate(err, "get module %q", moduleID)
	}
	if ms.Config == nil {
		ms.Config = map[string]any{}
	}
	return &ms, nil
}

// List returns every row ordered by module id.
func (r *SettingsRepo) List(ctx context.Context) ([]ModuleSetting, error) {
	var out []ModuleSetting
	if err := r.db.WithContext(ctx).Order("module_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	return out, nil
}

// SetEnabled creates or updates the enabled flag, leaving config untouched.
func (r *SettingsRepo) SetEnabled(ctx context.Context, moduleID string, enabled bool) error {
	row := ModuleSetting{ModuleID: moduleID, Enabled: enabled, Config: map[string]any{}, UpdatedAt: r.now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "module_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set module %q enabled: %w", moduleID, err)
	}
	return nil
}

// SetConfig creates or replaces the configuration, leaving the flag untouched.
// A new row starts disabled.
func (r *SettingsRepo) SetConfig(ctx context.Context, moduleID string, cfg map[string]any) error {
	if cfg == nil {
		cfg = map[string]any{}
	}
	row := ModuleSetting{ModuleID: moduleID, Config: cfg, UpdatedAt: r.now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "module_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set module %q config: %w", moduleID, err)
	}
	return nil
}
