package events

import (
	"fmt"
	"regexp"
	"strings"
)

// Name is a namespaced event name ("payment.success") or a wildcard
// pattern covering a whole domain ("payment.*").
type Name string

// CoreOwner owns subscriptions registered by host services.
const CoreOwner = "core"

const wildcardSuffix = ".*"

var (
	segmentRe  = `[a-z0-9][a-z0-9_-]*`
	concreteRe = regexp.MustCompile(`^` + segmentRe + `(\.` + segmentRe + `)+$`)
	wildcardRe = regexp.MustCompile(`^` + segmentRe + `\.\*$`)
)

// IsWildcard reports whether n is a domain wildcard pattern.
func (n Name) IsWildcard() bool { return strings.HasSuffix(string(n), wildcardSuffix) }

// Domain returns the segment before the first dot.
func (n Name) Domain() string {
	s := string(n)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// ValidConcrete reports whether n can be emitted.
func (n Name) ValidConcrete() bool { return concreteRe.MatchString(string(n)) }

// ValidPattern reports whether n can be subscribed to.
func (n Name) ValidPattern() bool {
	return concreteRe.MatchString(string(n)) || wildcardRe.MatchString(string(n))
}

// Matches reports whether the pattern n matches the concrete event name.
func (n Name) Matches(event Name) bool {
	if n.IsWildcard() {
		return strings.TrimSuffix(string(n), wildcardSuffix) == event.Domain()
	}
	return n == event
}

func (n Name) String() string { return string(n) }

// ValidatePattern returns ErrInvalidEventName unless n is a concrete name or
// a domain wildcard.
func ValidatePattern(n Name) error {
	if !n.ValidPattern() {
		return fmt.Errorf("%w: %q is not a valid pattern", ErrInvalidEventName, string(n))
	}
	return nil
}

// ValidateConcrete returns ErrInvalidEventName unless n is a concrete name.
func ValidateConcrete(n Name) error {
	if n.IsWildcard() {
		return fmt.Errorf("%w: cannot emit wildcard %q", ErrInvalidEventName, string(n))
	}
	if !n.ValidConcrete() {
		return fmt.Errorf("%w: %q", ErrInvalidEventName, string(n))
	}
	return nil
}
