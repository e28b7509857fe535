package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"loginus/internal/events"
)

// DefaultModuleName is the export looked up when a manifest omits moduleName.
const DefaultModuleName = "PluginModule"

// Manifest files searched in a plugin directory, in order.
var ManifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Manifest describes a plugin's identity, backend entry point and the event
// patterns its backend may subscribe to.
type Manifest struct {
	Slug        string   `json:"slug" yaml:"slug" validate:"required,slug"`
	Name        string   `json:"name" yaml:"name" validate:"required,max=128"`
	Version     string   `json:"version" yaml:"version" validate:"required,semver"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Backend     *Backend `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Events lists the patterns the backend declares. When non-empty, a module
	// subscribing outside this list fails to enable.
	Events []string `json:"events,omitempty" yaml:"events,omitempty" validate:"dive,event_pattern"`
}

// Backend points at the plugin's server-side code, relative to its directory.
type Backend struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ModulePath string `json:"modulePath" yaml:"modulePath" validate:"required_if=Enabled true"`
	ModuleName string `json:"moduleName,omitempty" yaml:"moduleName,omitempty"`
}

// HasBackend reports whether the manifest declares code to load.
func (m *Manifest) HasBackend() bool {
	return m != nil && m.Backend != nil && m.Backend.Enabled
}

// ExportName returns Backend.ModuleName or DefaultModuleName.
func (m *Manifest) ExportName() string {
	if m.Backend != nil && m.Backend.ModuleName != "" {
		return m.Backend.ModuleName
	}
	return DefaultModuleName
}

// Declares reports whether pattern is covered by the declared event list.
// An empty list declares nothing and therefore permits anything.
func (m *Manifest) Declares(pattern events.Name) bool {
	if len(m.Events) == 0 {
		return true
	}
	for _, d := range m.Events {
		if events.Name(d) == pattern {
			return true
		}
		// a declared wildcard covers concrete names in its domain
		if dn := events.Name(d); dn.IsWildcard() && !pattern.IsWildcard() && dn.Matches(pattern) {
			return true
		}
	}
	return false
}

// ErrInvalidManifest wraps every manifest validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

var (
	slugPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return ValidSlug(fl.Field().String())
	})
	_ = v.RegisterValidation("event_pattern", func(fl validator.FieldLevel) bool {
		return events.Name(fl.Field().String()).ValidPattern()
	})
	// the built-in semver rule rejects some build metadata forms we accept
	_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		return semverPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidSlug reports whether s is usable as a plugin slug and directory name.
func ValidSlug(s string) bool { return slugPattern.MatchString(s) }

// Validate checks required fields and formats.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: manifest is nil", ErrInvalidManifest)
	}
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return nil
}

// ParseManifest decodes JSON or YAML depending on ext (".json", ".yaml", ".yml").
func ParseManifest(data []byte, ext string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported manifest extension %q", ErrInvalidManifest, ext)
	}
	return &m, nil
}

// LoadManifest reads and validates a manifest file. A missing slug defaults
// to the name of the directory holding the file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if m.Slug == "" {
		m.Slug = filepath.Base(filepath.Dir(path))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindManifest returns the first manifest file present in dir.
func FindManifest(dir string) (string, bool) {
	for _, name := range ManifestFiles {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}
