package plugin

import (
	"github.com/go-chi/chi/v5"

	"loginus/internal/events"
)

// Module is the contract a plugin backend implements once loaded.
type Module interface {
	// Routes registers the module's HTTP handlers. The router is already
	// scoped to /plugins/{slug}.
	Routes(r chi.Router)
	// Subscriptions lists the event handlers to attach while enabled.
	Subscriptions() []Subscription
}

// Subscription pairs an event pattern with its handler.
type Subscription struct {
	Pattern events.Name
	Handler events.Handler
}

// Closer is implemented by modules holding resources released on unload.
type Closer interface {
	Close() error
}

// Funcs adapts plain functions to Module. Nil fields contribute nothing.
type Funcs struct {
	RoutesFunc func(r chi.Router)
	Subs       []Subscription
	CloseFunc  func() error
}

func (f Funcs) Routes(r chi.Router) {
	if f.RoutesFunc != nil {
		f.RoutesFunc(r)
	}
}

func (f Funcs) Subscriptions() []Subscription { return f.Subs }

func (f Funcs) Close() error {
	if f.CloseFunc != nil {
		return f.CloseFunc()
	}
	return nil
}

// emptyModule backs plugins without server-side code.
type emptyModule struct{}

func (emptyModule) Routes(chi.Router)             {}
func (emptyModule) Subscriptions() []Subscription { return nil }
