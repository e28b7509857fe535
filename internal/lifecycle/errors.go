package lifecycle

import (
	"errors"

	"loginus/internal/plugin"
)

// ErrInvalidManifest is re-exported for callers mapping errors to responses.
var ErrInvalidManifest = plugin.ErrInvalidManifest

// duplicateSlugError signals an install for a slug that is already registered (409).
type duplicateSlugError struct{ slug string }

func (e duplicateSlugError) Error() string { return "plugin already installed: " + e.slug }

// ErrDuplicateSlug constructs a duplicateSlugError.
func ErrDuplicateSlug(slug string) error { return duplicateSlugError{slug: slug} }

// IsDuplicateSlug reports whether err indicates a duplicate install.
func IsDuplicateSlug(err error) bool {
	var e duplicateSlugError
	return errors.As(err, &e)
}

// notInstalledError signals a transition on an unknown slug (404).
type notInstalledError struct{ slug string }

func (e notInstalledError) Error() string { return "plugin not installed: " + e.slug }

// ErrNotInstalled constructs a notInstalledError.
func ErrNotInstalled(slug string) error { return notInstalledError{slug: slug} }

// IsNotInstalled reports whether err indicates an unknown slug.
func IsNotInstalled(err error) bool {
	var e notInstalledError
	return errors.As(err, &e)
}

// enableFailedError wraps the reason an enable was rolled back (422).
type enableFailedError struct {
	slug  string
	cause error
}

func (e enableFailedError) Error() string {
	return "enable " + e.slug + " failed: " + e.cause.Error()
}

func (e enableFailedError) Unwrap() error { return e.cause }

// ErrEnableFailed constructs an enableFailedError.
func ErrEnableFailed(slug string, cause error) error {
	return enableFailedError{slug: slug, cause: cause}
}

// IsEnableFailed reports whether err indicates a rolled-back enable.
func IsEnableFailed(err error) bool {
	var e enableFailedError
	return errors.As(err, &e)
}

// IsInvalidManifest reports whether err indicates a manifest validation failure.
func IsInvalidManifest(err error) bool { return errors.Is(err, ErrInvalidManifest) }

// undeclaredEventError is returned when a module subscribes to a pattern its
// manifest does not list.
type undeclaredEventError struct{ pattern string }

func (e undeclaredEventError) Error() string {
	return "subscription to undeclared event pattern " + e.pattern
}

// transitionPanicError reports a recovered panic inside a transition.
type transitionPanicError struct {
	transition string
	value      any
}

func (e transitionPanicError) Error() string {
	return "panic during " + e.transition
}

// IsTransitionPanic reports whether err came from a recovered panic.
func IsTransitionPanic(err error) bool {
	var e transitionPanicError
	return errors.As(err, &e)
}
