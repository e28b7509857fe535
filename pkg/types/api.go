package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: plugin already installed: calc
	Error string `json:"error" example:"plugin already installed: calc"`
	// HTTP status code.
	// example: 409
	Code int `json:"code" example:"409"`
}

// ModuleStatusResponse is returned by GET /micro-modules/{id}/status.
type ModuleStatusResponse struct {
	// Whether the micro-module is switched on. Unknown modules report false.
	// example: true
	Enabled bool `json:"enabled" example:"true"`
	// Module configuration with secret fields masked.
	Config map[string]any `json:"config"`
}

// ToggleModuleRequest is the body of POST /micro-modules/{id}/toggle.
type ToggleModuleRequest struct {
	// Required target state.
	// example: true
	Enabled *bool `json:"enabled" example:"true"`
}

// ToggleModuleResponse acknowledges a toggle.
type ToggleModuleResponse struct {
	// Always true on success.
	// example: true
	Success bool `json:"success" example:"true"`
	// Resulting state.
	// example: true
	Enabled bool `json:"enabled" example:"true"`
}

// EmitEventRequest is the body of POST /events/emit.
type EmitEventRequest struct {
	// Concrete event name; wildcards are rejected.
	// example: user.after_create
	Event string `json:"event" example:"user.after_create"`
	// Free-form payload delivered to handlers.
	Payload map[string]any `json:"payload,omitempty"`
}

// SuccessResponse acknowledges operations without a richer result.
type SuccessResponse struct {
	// example: true
	Success bool `json:"success" example:"true"`
}
