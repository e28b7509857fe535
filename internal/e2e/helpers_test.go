package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"loginus/internal/events"
	"loginus/internal/httpapi"
	"loginus/internal/lifecycle"
	"loginus/internal/plugin"
	"loginus/internal/registry"
	"loginus/internal/settings"
	"loginus/internal/store"
)

type stack struct {
	srv  *httptest.Server
	root string
	bus  *events.Bus
	ctrl *lifecycle.Controller
	logs *store.EventLogStore
}

// newStack wires the real runtime over an in-memory database and a plugins
// root in a temp dir.
func newStack(t *testing.T) *stack {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })

	root := t.TempDir()
	logs := store.NewEventLogStore(db)
	bus := events.NewBus(
		events.WithCatalog(events.DefaultCatalog()),
		events.WithHandlerTimeout(time.Second),
		events.WithSink(logs),
	)
	loader := plugin.NewLoader(root, plugin.NewMultiOpener(plugin.NewBuiltinOpener(), plugin.NewLuaOpener(zerolog.Nop())), zerolog.Nop())
	reg := registry.New(store.NewExtensionStore(db), loader, zerolog.Nop())
	mounts := httpapi.NewMountTable()
	ctrl := lifecycle.New(reg, loader, bus, lifecycle.WithRoutes(mounts))
	set := settings.New(store.NewSettingsRepo(db), settings.WithEmitter(bus))

	srv := httptest.NewServer(httpapi.NewMux(httpapi.Services{
		Extensions: ctrl,
		Modules:    set,
		Bus:        bus,
		Logs:       logs,
		Mounts:     mounts,
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(ctrl.Shutdown)
	return &stack{srv: srv, root: root, bus: bus, ctrl: ctrl, logs: logs}
}

// copyPlugin copies a plugin directory shipped with the repository into the
// stack's plugins root.
func (s *stack) copyPlugin(t *testing.T, slug string) {
	t.Helper()
	src := filepath.Join("..", "..", "plugins", slug)
	entries, err := os.ReadDir(src)
	if err != nil {
		t.Fatalf("read %s: %v", src, err)
	}
	dst := filepath.Join(s.root, slug)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), b, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func (s *stack) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func (s *stack) expect(t *testing.T, method, path string, body any, status int) []byte {
	t.Helper()
	resp, b := s.do(t, method, path, body)
	if resp.StatusCode != status {
		t.Fatalf("%s %s: status=%d want %d body=%s", method, path, resp.StatusCode, status, string(b))
	}
	return b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("json: %v body=%s", err, string(b))
	}
	return v
}
