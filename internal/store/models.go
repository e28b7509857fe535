package store

import (
	"time"

	"loginus/internal/plugin"
)

// Extension is the persisted record of an installed plugin.
type Extension struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	Slug        string          `gorm:"uniqueIndex;size:64;not null" json:"slug"`
	Name        string          `gorm:"size:128" json:"name"`
	Version     string          `gorm:"size:64" json:"version"`
	Manifest    plugin.Manifest `gorm:"type:text;serializer:json" json:"manifest"`
	Enabled     bool            `gorm:"not null;default:false" json:"enabled"`
	InstalledAt time.Time       `gorm:"not null" json:"installed_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Extension) TableName() string { return "extensions" }

// EventLog is one row of the append-only emission audit trail. Each handler
// outcome of an emission is a row; emissions nobody handled get a single
// row with status "unhandled".
type EventLog struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	EmissionID      string    `gorm:"index;size:36;not null" json:"emission_id"`
	EventName       string    `gorm:"index;size:128;not null" json:"event_name"`
	Payload         string    `gorm:"type:text" json:"payload,omitempty"`
	PluginID        *string   `gorm:"index;size:64" json:"plugin_id,omitempty"`
	Status          string    `gorm:"index;size:16;not null" json:"status"`
	Error           *string   `gorm:"type:text" json:"error,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

func (EventLog) TableName() string { return "event_logs" }

// ModuleSetting is the persisted switch and configuration of a micro-module.
type ModuleSetting struct {
	ModuleID  string         `gorm:"primaryKey;size:128" json:"module_id"`
	Enabled   bool           `gorm:"not null;default:false" json:"enabled"`
	Config    map[string]any `gorm:"type:text;serializer:json" json:"config"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (ModuleSetting) TableName() string { return "module_settings" }
