package events

import "errors"

var (
	// ErrInvalidEventName is returned for malformed patterns on Subscribe and
	// for wildcard or malformed names passed to Emit.
	ErrInvalidEventName = errors.New("invalid event name")

	// ErrNilHandler is returned when Subscribe is called without a handler.
	ErrNilHandler = errors.New("event handler is nil")

	// ErrPayloadMismatch is returned by Catalog.ValidatePayload when a known
	// event is emitted with a payload of the wrong shape.
	ErrPayloadMismatch = errors.New("event payload does not match catalog")

	// ErrHandlerTimeout is recorded on outcomes whose handler exceeded the
	// per-handler deadline.
	ErrHandlerTimeout = errors.New("event handler timed out")
)

// IsInvalidEventName reports whether err is a caller error about an event name.
func IsInvalidEventName(err error) bool { return errors.Is(err, ErrInvalidEventName) }
