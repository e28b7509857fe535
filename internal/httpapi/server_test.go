package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"loginus/internal/events"
	"loginus/internal/lifecycle"
	"loginus/internal/plugin"
	"loginus/internal/settings"
	"loginus/internal/store"
	"loginus/pkg/types"
)

type mockModules struct {
	mu      sync.Mutex
	enabled map[string]bool
	config  map[string]map[string]any
	err     error
}

func newMockModules() *mockModules {
	return &mockModules{enabled: map[string]bool{}, config: map[string]map[string]any{}}
}

func (m *mockModules) GetModuleStatus(ctx context.Context, id string) (bool, error) {
	if err := settings.ValidateModuleID(id); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[id], m.err
}

func (m *mockModules) GetRedactedConfig(ctx context.Context, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return settings.RedactedConfig(m.config[id]), m.err
}

func (m *mockModules) ToggleModule(ctx context.Context, id string, enabled bool) error {
	if err := settings.ValidateModuleID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[id] = enabled
	return m.err
}

func (m *mockModules) SetModuleConfig(ctx context.Context, id string, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[id] = cfg
	return m.err
}

func (m *mockModules) List(ctx context.Context) ([]settings.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settings.Status
	for id, on := range m.enabled {
		out = append(out, settings.Status{ModuleID: id, Enabled: on})
	}
	return out, m.err
}

type mockExtensions struct {
	exts      map[string]*store.Extension
	enableErr error
	calls     []string
}

func newMockExtensions() *mockExtensions {
	return &mockExtensions{exts: map[string]*store.Extension{}}
}

func (m *mockExtensions) List(ctx context.Context) ([]lifecycle.PluginStatus, error) {
	var out []lifecycle.PluginStatus
	for _, e := range m.exts {
		out = append(out, lifecycle.PluginStatus{Extension: *e, Loaded: e.Enabled})
	}
	return out, nil
}

func (m *mockExtensions) Get(ctx context.Context, slug string) (*lifecycle.PluginStatus, error) {
	e, ok := m.exts[slug]
	if !ok {
		return nil, lifecycle.ErrNotInstalled(slug)
	}
	return &lifecycle.PluginStatus{Extension: *e, Loaded: e.Enabled}, nil
}

func (m *mockExtensions) Install(ctx context.Context, man plugin.Manifest) (*store.Extension, error) {
	if err := man.Validate(); err != nil {
		return nil, err
	}
	if _, ok := m.exts[man.Slug]; ok {
		return nil, lifecycle.ErrDuplicateSlug(man.Slug)
	}
	e := &store.Extension{Slug: man.Slug, Name: man.Name, Version: man.Version, Manifest: man}
	m.exts[man.Slug] = e
	return e, nil
}

func (m *mockExtensions) Update(ctx context.Context, slug string, man plugin.Manifest) (*store.Extension, error) {
	e, ok := m.exts[slug]
	if !ok {
		return nil, lifecycle.ErrNotInstalled(slug)
	}
	e.Version = man.Version
	return e, nil
}

func (m *mockExtensions) Enable(ctx context.Context, slug string) error {
	m.calls = append(m.calls, "enable "+slug)
	if _, ok := m.exts[slug]; !ok {
		return lifecycle.ErrNotInstalled(slug)
	}
	if m.enableErr != nil {
		return lifecycle.ErrEnableFailed(slug, m.enableErr)
	}
	m.exts[slug].Enabled = true
	return nil
}

func (m *mockExtensions) Disable(ctx context.Context, slug string) error {
	m.calls = append(m.calls, "disable "+slug)
	if e, ok := m.exts[slug]; ok {
		e.Enabled = false
	}
	return nil
}

func (m *mockExtensions) Uninstall(ctx context.Context, slug string) error {
	if _, ok := m.exts[slug]; !ok {
		return lifecycle.ErrNotInstalled(slug)
	}
	delete(m.exts, slug)
	return nil
}

func (m *mockExtensions) DiscoverAndInstall(ctx context.Context) (lifecycle.DiscoverReport, error) {
	return lifecycle.DiscoverReport{Installed: []string{"hello"}, Skipped: []string{}}, nil
}

type mockLogs struct {
	got store.EventLogQuery
}

func (m *mockLogs) Query(ctx context.Context, q store.EventLogQuery) ([]store.EventLog, error) {
	m.got = q
	return []store.EventLog{{ID: "1", EventName: "user.login", Status: "success"}}, nil
}

type fixture struct {
	mux     http.Handler
	modules *mockModules
	exts    *mockExtensions
	bus     *events.Bus
	logs    *mockLogs
	mounts  *MountTable
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		modules: newMockModules(),
		exts:    newMockExtensions(),
		bus:     events.NewBus(events.WithCatalog(events.DefaultCatalog())),
		logs:    &mockLogs{},
		mounts:  NewMountTable(),
	}
	f.mux = NewMux(Services{
		Extensions: f.exts,
		Modules:    f.modules,
		Bus:        f.bus,
		Logs:       f.logs,
		Mounts:     f.mounts,
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v body=%q", err, w.Body.String())
	}
	return v
}

func TestModuleStatus_DefaultsToDisabled(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/micro-modules/telegram/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	body := decodeBody[types.ModuleStatusResponse](t, w)
	if body.Enabled {
		t.Fatal("unknown module must report disabled")
	}
}

func TestToggleModule(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/micro-modules/telegram/toggle", `{"enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody[types.ToggleModuleResponse](t, w)
	if !body.Success || !body.Enabled {
		t.Fatalf("unexpected body: %+v", body)
	}
	w = f.do(http.MethodGet, "/micro-modules/telegram/status", "")
	if !decodeBody[types.ModuleStatusResponse](t, w).Enabled {
		t.Fatal("toggle not visible in status")
	}
}

func TestToggleModule_RequiresEnabledField(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodPost, "/micro-modules/telegram/toggle", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestToggleModule_RequiresJSONContentType(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/micro-modules/telegram/toggle", bytes.NewBufferString(`{"enabled":true}`))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}
}

func TestToggleModule_InvalidIDMaps400(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/micro-modules/Bad%20Id/toggle", `{"enabled":true}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestModuleConfig_NeverReturnsSecrets(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPut, "/micro-modules/telegram/config",
		`{"bot_token":"123:abc","botToken":"456:def","clientSecret":"cs-9","chat":{"webhook_secret":"s3","accessToken":"at-7"},"channel":"news"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	for _, path := range []string{"/micro-modules/telegram/config", "/micro-modules/telegram/status"} {
		w = f.do(http.MethodGet, path, "")
		for _, secret := range []string{"123:abc", "456:def", "cs-9", "s3", "at-7"} {
			if strings.Contains(w.Body.String(), secret) {
				t.Fatalf("%s leaked %q: %s", path, secret, w.Body.String())
			}
		}
		if !strings.Contains(w.Body.String(), "news") {
			t.Fatalf("%s dropped a plain field: %s", path, w.Body.String())
		}
	}
}

func TestInstallExtension(t *testing.T) {
	f := newFixture(t)
	manifest := `{"slug":"calc","name":"Calc","version":"1.0.0"}`
	w := f.do(http.MethodPost, "/extensions", manifest)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	ext := decodeBody[store.Extension](t, w)
	if ext.Slug != "calc" || ext.Enabled {
		t.Fatalf("unexpected record: %+v", ext)
	}

	w = f.do(http.MethodPost, "/extensions", manifest)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate install: expected 409, got %d", w.Code)
	}
	er := decodeBody[types.ErrorResponse](t, w)
	if er.Code != http.StatusConflict || !strings.Contains(er.Error, "calc") {
		t.Fatalf("unexpected error body: %+v", er)
	}
}

func TestInstallExtension_InvalidManifestMaps400(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/extensions", `{"slug":"../x","name":"X","version":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestInstallExtension_BodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	f := newFixture(t)
	w := f.do(http.MethodPost, "/extensions", `{"slug":"calc","name":"Calc","version":"1.0.0"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnableDisableExtension(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/extensions", `{"slug":"calc","name":"Calc","version":"1.0.0"}`)

	w := f.do(http.MethodPost, "/extensions/calc/enable", "")
	if w.Code != http.StatusOK {
		t.Fatalf("enable status=%d body=%s", w.Code, w.Body.String())
	}
	st := decodeBody[lifecycle.PluginStatus](t, w)
	if !st.Enabled || !st.Loaded {
		t.Fatalf("unexpected status: %+v", st)
	}

	w = f.do(http.MethodPost, "/extensions/calc/disable", "")
	if w.Code != http.StatusOK {
		t.Fatalf("disable status=%d", w.Code)
	}
	if decodeBody[lifecycle.PluginStatus](t, w).Enabled {
		t.Fatal("expected disabled")
	}
}

func TestEnableExtension_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodPost, "/extensions/ghost/enable", ""); w.Code != http.StatusNotFound {
		t.Fatalf("not installed: expected 404, got %d", w.Code)
	}
	f.do(http.MethodPost, "/extensions", `{"slug":"broken","name":"Broken","version":"1.0.0"}`)
	f.exts.enableErr = errors.New("module not found")
	w := f.do(http.MethodPost, "/extensions/broken/enable", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("enable failure: expected 422, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "module not found") {
		t.Fatalf("cause missing from body: %s", w.Body.String())
	}
}

func TestUninstallAndGetExtension(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/extensions", `{"slug":"calc","name":"Calc","version":"1.0.0"}`)
	if w := f.do(http.MethodGet, "/extensions/calc", ""); w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}
	if w := f.do(http.MethodDelete, "/extensions/calc", ""); w.Code != http.StatusOK {
		t.Fatalf("delete status=%d", w.Code)
	}
	if w := f.do(http.MethodGet, "/extensions/calc", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after uninstall, got %d", w.Code)
	}
	if w := f.do(http.MethodDelete, "/extensions/calc", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second uninstall: expected 404, got %d", w.Code)
	}
}

func TestDiscoverExtensions(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/extensions/discover", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	rep := decodeBody[lifecycle.DiscoverReport](t, w)
	if len(rep.Installed) != 1 || rep.Installed[0] != "hello" {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestEventsCatalog(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/events/catalog", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody[types.CatalogResponse](t, w)
	if body.Version != events.CatalogVersion || len(body.Domains) == 0 {
		t.Fatalf("unexpected catalog: %+v", body)
	}
	found := false
	for _, n := range body.Events {
		if n == string(events.UserAfterCreate) {
			found = true
		}
	}
	if !found {
		t.Fatal("user.after_create missing from catalog")
	}
}

func TestEmitEvent(t *testing.T) {
	f := newFixture(t)
	got := make(chan events.Envelope, 1)
	if _, err := f.bus.Subscribe("user.*", func(ctx context.Context, env events.Envelope) error {
		got <- env
		return nil
	}, "audit"); err != nil {
		t.Fatal(err)
	}
	w := f.do(http.MethodPost, "/events/emit", `{"event":"user.after_create","payload":{"user_id":"u1"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	res := decodeBody[events.EmissionResult](t, w)
	if res.Matched != 1 || res.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	env := <-got
	if p, ok := env.Payload.(events.Fields); !ok || p["user_id"] != "u1" {
		t.Fatalf("payload not delivered: %#v", env.Payload)
	}
}

func TestEmitEvent_WildcardMaps400(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/events/emit", `{"event":"user.*"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEventLogs_ParsesFilters(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/events/logs?event=user.login&plugin=calc&status=error&limit=5&offset=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	q := f.logs.got
	if q.EventName != "user.login" || q.PluginID != "calc" || q.Status != "error" || q.Limit != 5 || q.Offset != 10 {
		t.Fatalf("unexpected query: %+v", q)
	}
	if w := f.do(http.MethodGet, "/events/logs?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: expected 400, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/events/logs?since=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad since: expected 400, got %d", w.Code)
	}
}

func TestEventLogs_AuditDisabled(t *testing.T) {
	mux := NewMux(Services{Extensions: newMockExtensions(), Modules: newMockModules(), Bus: events.NewBus()})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/logs", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPluginRoutes_DispatchThroughMountTable(t *testing.T) {
	f := newFixture(t)
	pr := chi.NewRouter()
	pr.Get("/add", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("sum=" + r.URL.Query().Get("a") + r.URL.Query().Get("b")))
	})
	pr.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("item " + chi.URLParam(r, "id")))
	})

	if w := f.do(http.MethodGet, "/plugins/calc/add?a=1&b=2", ""); w.Code != http.StatusNotFound {
		t.Fatalf("before attach: expected 404, got %d", w.Code)
	}
	f.mounts.Attach("calc", pr)

	w := f.do(http.MethodGet, "/plugins/calc/add?a=1&b=2", "")
	if w.Code != http.StatusOK || w.Body.String() != "sum=12" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	w = f.do(http.MethodGet, "/plugins/calc/items/42", "")
	if w.Body.String() != "item 42" {
		t.Fatalf("nested param: body=%q", w.Body.String())
	}
	if w := f.do(http.MethodGet, "/plugins/calc/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown plugin route: expected 404, got %d", w.Code)
	}

	if !f.mounts.Detach("calc") {
		t.Fatal("expected detach to report a mounted handler")
	}
	if w := f.do(http.MethodGet, "/plugins/calc/add", ""); w.Code != http.StatusNotFound {
		t.Fatalf("after detach: expected 404, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	ready := false
	mux := NewMux(Services{Ready: func() bool { return ready }})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	ready = true
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestHealthzAndSecurityHeader(t *testing.T) {
	mux := NewMux(Services{})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
}

func TestCORS_OptIn(t *testing.T) {
	SetCORSOptions(true, []string{"https://admin.example"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	mux := NewMux(Services{})
	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example" {
		t.Fatalf("allow-origin=%q", got)
	}
}
