package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loginus/internal/events"
	"loginus/internal/lifecycle"
	"loginus/internal/plugin"
	"loginus/internal/settings"
	"loginus/internal/store"
	"loginus/pkg/types"
)

// Extensions is the plugin administration surface.
type Extensions interface {
	List(ctx context.Context) ([]lifecycle.PluginStatus, error)
	Get(ctx context.Context, slug string) (*lifecycle.PluginStatus, error)
	Install(ctx context.Context, m plugin.Manifest) (*store.Extension, error)
	Update(ctx context.Context, slug string, m plugin.Manifest) (*store.Extension, error)
	Enable(ctx context.Context, slug string) error
	Disable(ctx context.Context, slug string) error
	Uninstall(ctx context.Context, slug string) error
	DiscoverAndInstall(ctx context.Context) (lifecycle.DiscoverReport, error)
}

// Modules is the micro-module settings surface.
type Modules interface {
	GetModuleStatus(ctx context.Context, moduleID string) (bool, error)
	GetRedactedConfig(ctx context.Context, moduleID string) (map[string]any, error)
	ToggleModule(ctx context.Context, moduleID string, enabled bool) error
	SetModuleConfig(ctx context.Context, moduleID string, cfg map[string]any) error
	List(ctx context.Context) ([]settings.Status, error)
}

// Emitter is the event bus as seen by the admin endpoints.
type Emitter interface {
	Emit(ctx context.Context, name events.Name, payload any) (events.EmissionResult, error)
	Subscriptions() []events.SubscriptionInfo
}

// EventLogs queries the emission audit trail.
type EventLogs interface {
	Query(ctx context.Context, q store.EventLogQuery) ([]store.EventLog, error)
}

// Services defines what the HTTP API layer serves. Logs may be nil when the
// audit trail is off; Ready may be nil to report ready unconditionally.
type Services struct {
	Extensions Extensions
	Modules    Modules
	Bus        Emitter
	Catalog    *events.Catalog
	Logs       EventLogs
	Mounts     *MountTable
	Ready      func() bool
}

type handlers struct {
	svc Services
}

func NewMux(svc Services) http.Handler {
	if svc.Mounts == nil {
		svc.Mounts = NewMountTable()
	}
	if svc.Catalog == nil {
		svc.Catalog = events.DefaultCatalog()
	}
	h := &handlers{svc: svc}

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		origins, methods, headers := corsDefaults()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Route("/micro-modules", func(r chi.Router) {
		r.Get("/", h.listModules)
		r.Get("/{id}/status", h.moduleStatus)
		r.Post("/{id}/toggle", h.toggleModule)
		r.Get("/{id}/config", h.moduleConfig)
		r.Put("/{id}/config", h.setModuleConfig)
	})

	r.Route("/extensions", func(r chi.Router) {
		r.Get("/", h.listExtensions)
		r.Post("/", h.installExtension)
		r.Post("/discover", h.discoverExtensions)
		r.Get("/{slug}", h.getExtension)
		r.Put("/{slug}", h.updateExtension)
		r.Delete("/{slug}", h.uninstallExtension)
		r.Post("/{slug}/enable", h.enableExtension)
		r.Post("/{slug}/disable", h.disableExtension)
	})

	r.Route("/events", func(r chi.Router) {
		r.Get("/catalog", h.catalog)
		r.Get("/subscriptions", h.subscriptions)
		r.Post("/emit", h.emit)
		r.Get("/logs", h.eventLogs)
	})

	r.Handle("/plugins/{slug}", svc.Mounts)
	r.Handle("/plugins/{slug}/*", svc.Mounts)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready == nil || svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps err to a status, writes the error body and logs the outcome.
func fail(w http.ResponseWriter, r *http.Request, op string, start time.Time, err error) {
	status := statusFor(err)
	writeJSONError(w, status, err.Error())
	logOutcome(r, op, status, start, err)
}

// decodeJSON enforces the JSON content type and body limit. It writes the
// error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// oversized bodies also land here; the size limit is not disclosed
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// listModules godoc
// @Summary  List persisted micro-modules
// @Produce  json
// @Success  200 {array} settings.Status
// @Router   /micro-modules [get]
func (h *handlers) listModules(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	list, err := h.svc.Modules.List(r.Context())
	if err != nil {
		fail(w, r, "modules.list", start, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// moduleStatus godoc
// @Summary  Report whether a micro-module is enabled
// @Produce  json
// @Param    id  path  string  true  "module id"
// @Success  200 {object} types.ModuleStatusResponse
// @Failure  400 {object} types.ErrorResponse
// @Router   /micro-modules/{id}/status [get]
func (h *handlers) moduleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	enabled, err := h.svc.Modules.GetModuleStatus(r.Context(), id)
	if err != nil {
		fail(w, r, "modules.status", start, err)
		return
	}
	cfg, err := h.svc.Modules.GetRedactedConfig(r.Context(), id)
	if err != nil {
		fail(w, r, "modules.status", start, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ModuleStatusResponse{Enabled: enabled, Config: cfg})
}

// toggleModule godoc
// @Summary  Enable or disable a micro-module
// @Accept   json
// @Produce  json
// @Param    id    path  string                     true  "module id"
// @Param    body  body  types.ToggleModuleRequest  true  "target state"
// @Success  200 {object} types.ToggleModuleResponse
// @Failure  400 {object} types.ErrorResponse
// @Router   /micro-modules/{id}/toggle [post]
func (h *handlers) toggleModule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.ToggleModuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.Modules.ToggleModule(r.Context(), id, *req.Enabled); err != nil {
		fail(w, r, "modules.toggle", start, err)
		return
	}
	logOutcome(r, "modules.toggle", http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, types.ToggleModuleResponse{Success: true, Enabled: *req.Enabled})
}

// moduleConfig godoc
// @Summary  Read a micro-module configuration with secrets masked
// @Produce  json
// @Param    id  path  string  true  "module id"
// @Success  200 {object} map[string]interface{}
// @Router   /micro-modules/{id}/config [get]
func (h *handlers) moduleConfig(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg, err := h.svc.Modules.GetRedactedConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, "modules.config", start, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// setModuleConfig godoc
// @Summary  Replace a micro-module configuration
// @Description Masked secret values are kept as stored.
// @Accept   json
// @Produce  json
// @Param    id    path  string                  true  "module id"
// @Param    body  body  map[string]interface{}  true  "configuration"
// @Success  200 {object} map[string]interface{}
// @Router   /micro-modules/{id}/config [put]
func (h *handlers) setModuleConfig(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var cfg map[string]any
	if !decodeJSON(w, r, &cfg) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.Modules.SetModuleConfig(r.Context(), id, cfg); err != nil {
		fail(w, r, "modules.set_config", start, err)
		return
	}
	out, err := h.svc.Modules.GetRedactedConfig(r.Context(), id)
	if err != nil {
		fail(w, r, "modules.set_config", start, err)
		return
	}
	logOutcome(r, "modules.set_config", http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, out)
}

// listExtensions godoc
// @Summary  List installed plugins with runtime state
// @Produce  json
// @Success  200 {array} lifecycle.PluginStatus
// @Router   /extensions [get]
func (h *handlers) listExtensions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	list, err := h.svc.Extensions.List(r.Context())
	if err != nil {
		fail(w, r, "extensions.list", start, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// installExtension godoc
// @Summary  Install a plugin from its manifest (disabled)
// @Accept   json
// @Produce  json
// @Param    body  body  plugin.Manifest  true  "manifest"
// @Success  201 {object} store.Extension
// @Failure  400 {object} types.ErrorResponse
// @Failure  409 {object} types.ErrorResponse
// @Router   /extensions [post]
func (h *handlers) installExtension(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var m plugin.Manifest
	if !decodeJSON(w, r, &m) {
		return
	}
	ext, err := h.svc.Extensions.Install(r.Context(), m)
	if err != nil {
		fail(w, r, "extensions.install", start, err)
		return
	}
	logOutcome(r, "extensions.install", http.StatusCreated, start, nil)
	writeJSON(w, http.StatusCreated, ext)
}

// discoverExtensions godoc
// @Summary  Install every manifest found under the plugins directory
// @Produce  json
// @Success  200 {object} lifecycle.DiscoverReport
// @Router   /extensions/discover [post]
func (h *handlers) discoverExtensions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rep, err := h.svc.Extensions.DiscoverAndInstall(r.Context())
	if err != nil {
		fail(w, r, "extensions.discover", start, err)
		return
	}
	logOutcome(r, "extensions.discover", http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) getExtension(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st, err := h.svc.Extensions.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		fail(w, r, "extensions.get", start, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) updateExtension(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var m plugin.Manifest
	if !decodeJSON(w, r, &m) {
		return
	}
	ext, err := h.svc.Extensions.Update(r.Context(), chi.URLParam(r, "slug"), m)
	if err != nil {
		fail(w, r, "extensions.update", start, err)
		return
	}
	logOutcome(r, "extensions.update", http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, ext)
}

func (h *handlers) uninstallExtension(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.svc.Extensions.Uninstall(r.Context(), chi.URLParam(r, "slug")); err != nil {
		fail(w, r, "extensions.uninstall", start, err)
		return
	}
	logOutcome(r, "extensions.uninstall", http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, types.SuccessResponse{Success: true})
}

// enableExtension godoc
// @Summary  Load a plugin module and attach its routes and subscriptions
// @Produce  json
// @Param    slug  path  string  true  "plugin slug"
// @Success  200 {object} lifecycle.PluginStatus
// @Failure  404 {object} types.ErrorResponse
// @Failure  422 {object} types.ErrorResponse
// @Router   /extensions/{slug}/enable [post]
func (h *handlers) enableExtension(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "extensions.enable", h.svc.Extensions.Enable)
}

func (h *handlers) disableExtension(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "extensions.disable", h.svc.Extensions.Disable)
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error) {
	start := time.Now()
	slug := chi.URLParam(r, "slug")
	if err := fn(r.Context(), slug); err != nil {
		fail(w, r, op, start, err)
		return
	}
	st, err := h.svc.Extensions.Get(r.Context(), slug)
	if err != nil {
		fail(w, r, op, start, err)
		return
	}
	logOutcome(r, op, http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, st)
}

// catalog godoc
// @Summary  List the built-in event taxonomy
// @Produce  json
// @Success  200 {object} types.CatalogResponse
// @Router   /events/catalog [get]
func (h *handlers) catalog(w http.ResponseWriter, r *http.Request) {
	c := h.svc.Catalog
	resp := types.CatalogResponse{Version: c.Version()}
	for _, dom := range c.Domains() {
		d := types.CatalogDomain{Name: dom}
		for _, def := range c.Events(dom) {
			d.Events = append(d.Events, types.CatalogEvent{
				Name:        string(def.Name),
				Description: def.Description,
				Payload:     def.PayloadType(),
			})
		}
		resp.Domains = append(resp.Domains, d)
	}
	for _, n := range c.SortedEventNames() {
		resp.Events = append(resp.Events, string(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) subscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Bus.Subscriptions())
}

// emit godoc
// @Summary  Emit an event to every matching subscriber
// @Accept   json
// @Produce  json
// @Param    body  body  types.EmitEventRequest  true  "event"
// @Success  200 {object} events.EmissionResult
// @Failure  400 {object} types.ErrorResponse
// @Router   /events/emit [post]
func (h *handlers) emit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.EmitEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var payload any
	if req.Payload != nil {
		payload = events.Fields(req.Payload)
	}
	ctx, cancel := handlerContext(r)
	defer cancel()
	res, err := h.svc.Bus.Emit(ctx, events.Name(req.Event), payload)
	if err != nil {
		fail(w, r, "events.emit", start, err)
		return
	}
	logOutcome(r, "events.emit", http.StatusOK, start, nil)
	writeJSON(w, http.StatusOK, res)
}

// eventLogs godoc
// @Summary  Query the emission audit trail, newest first
// @Produce  json
// @Param    event     query  string  false  "event name"
// @Param    plugin    query  string  false  "plugin slug"
// @Param    status    query  string  false  "success, error, timeout or unhandled"
// @Param    emission  query  string  false  "emission id"
// @Param    since     query  string  false  "RFC3339 lower bound"
// @Param    limit     query  int     false  "page size"
// @Param    offset    query  int     false  "page offset"
// @Success  200 {array} store.EventLog
// @Router   /events/logs [get]
func (h *handlers) eventLogs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.svc.Logs == nil {
		writeJSONError(w, http.StatusNotFound, "event audit is disabled")
		return
	}
	qv := r.URL.Query()
	q := store.EventLogQuery{
		EventName:  qv.Get("event"),
		PluginID:   qv.Get("plugin"),
		Status:     qv.Get("status"),
		EmissionID: qv.Get("emission"),
	}
	var err error
	if q.Limit, err = intParam(qv.Get("limit")); err != nil {
		writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if q.Offset, err = intParam(qv.Get("offset")); err != nil {
		writeJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	if s := qv.Get("since"); s != "" {
		if q.Since, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
	}
	rows, err := h.svc.Logs.Query(r.Context(), q)
	if err != nil {
		fail(w, r, "events.logs", start, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
