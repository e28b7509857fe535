package httpapi

import (
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
)

const (
	dispatchServed     = "served"
	dispatchNotMounted = "not_mounted"
)

// MountTable routes /plugins/{slug}/* to the router attached for slug. chi
// cannot remove a mounted sub-router, so plugins are attached here instead
// and the table is consulted on every request.
type MountTable struct {
	mu       sync.RWMutex
	handlers map[string]http.Handler
}

// NewMountTable returns an empty table.
func NewMountTable() *MountTable {
	return &MountTable{handlers: make(map[string]http.Handler)}
}

// Attach installs or replaces the handler for slug.
func (m *MountTable) Attach(slug string, h http.Handler) {
	m.mu.Lock()
	m.handlers[slug] = h
	m.mu.Unlock()
}

// Detach removes the handler for slug and reports whether one was present.
func (m *MountTable) Detach(slug string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[slug]
	delete(m.handlers, slug)
	return ok
}

// Mounted returns the attached slugs, sorted.
func (m *MountTable) Mounted() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.handlers))
	for s := range m.handlers {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *MountTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	m.mu.RLock()
	h, ok := m.handlers[slug]
	m.mu.RUnlock()
	if !ok {
		countDispatch(slug, dispatchNotMounted)
		writeJSONError(w, http.StatusNotFound, "plugin not found or disabled: "+slug)
		return
	}
	// route the remainder of the path inside the plugin router, as chi's Mount does
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		rctx.RoutePath = "/" + chi.URLParam(r, "*")
	}
	countDispatch(slug, dispatchServed)
	ctx, cancel := handlerContext(r)
	defer cancel()
	h.ServeHTTP(w, r.WithContext(ctx))
}
