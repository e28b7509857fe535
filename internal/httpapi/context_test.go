package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestHandlerContext_CanceledByBase(t *testing.T) {
	baseCtx, stop := context.WithCancel(context.Background())
	SetBaseContext(baseCtx)
	t.Cleanup(func() { SetBaseContext(nil) })

	ctx, cancel := handlerContext(httptest.NewRequest(http.MethodPost, "/events/emit", nil))
	defer cancel()
	stop()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler context survived shutdown")
	}
}

func TestHandlerContext_FollowsRequest(t *testing.T) {
	SetBaseContext(nil)
	reqCtx, endRequest := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodPost, "/events/emit", nil).WithContext(reqCtx)
	ctx, cancel := handlerContext(r)
	defer cancel()
	endRequest()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler context outlived the request")
	}
}

func TestPluginRoute_StopsOnShutdown(t *testing.T) {
	baseCtx, shutdown := context.WithCancel(context.Background())
	SetBaseContext(baseCtx)
	t.Cleanup(func() { SetBaseContext(nil) })

	entered := make(chan struct{})
	m := NewMountTable()
	m.Attach("slow", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	r := chi.NewRouter()
	r.Handle("/plugins/{slug}/*", m)

	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/plugins/slow/report", nil))
		close(done)
	}()
	<-entered
	shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("plugin handler was not canceled on shutdown")
	}
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
}
