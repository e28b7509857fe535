package plugin

import (
	"errors"
	"fmt"
)

// ErrExportNotFound is returned by Library.Lookup for a missing export.
var ErrExportNotFound = errors.New("export not found")

// LoadErrorKind classifies a failed module load.
type LoadErrorKind string

const (
	KindPathTraversal  LoadErrorKind = "path_traversal"
	KindModuleNotFound LoadErrorKind = "module_not_found"
	KindExportNotFound LoadErrorKind = "export_not_found"
	KindOpenFailed     LoadErrorKind = "open_failed"
	KindInvalidModule  LoadErrorKind = "invalid_module"
)

// LoadError reports why LoadPluginModule failed.
type LoadError struct {
	Kind  LoadErrorKind
	Slug  string
	Path  string
	Cause error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load plugin %q: %s", e.Slug, e.Kind)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Cause }

// IsLoadError reports whether err is a *LoadError of the given kind. An empty
// kind matches any LoadError.
func IsLoadError(err error, kind LoadErrorKind) bool {
	var le *LoadError
	if !errors.As(err, &le) {
		return false
	}
	return kind == "" || le.Kind == kind
}

// IsPathTraversal reports whether err is a path_traversal LoadError.
func IsPathTraversal(err error) bool { return IsLoadError(err, KindPathTraversal) }

// IsModuleNotFound reports whether err is a module_not_found LoadError.
func IsModuleNotFound(err error) bool { return IsLoadError(err, KindModuleNotFound) }

// IsExportNotFound reports whether err is an export_not_found LoadError.
func IsExportNotFound(err error) bool { return IsLoadError(err, KindExportNotFound) }
