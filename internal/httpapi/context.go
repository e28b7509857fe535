package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
)

type baseHolder struct{ ctx context.Context }

// base is canceled on process shutdown. Emissions and plugin routes started
// by a request end when either it or the request context is done.
var base atomic.Pointer[baseHolder]

// SetBaseContext sets the process-level context. nil resets to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	base.Store(&baseHolder{ctx: ctx})
}

func baseContext() context.Context {
	if h := base.Load(); h != nil {
		return h.ctx
	}
	return context.Background()
}

// handlerContext derives a context from r that is also canceled by the base
// context. The cancel func must be called when the handler returns.
func handlerContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(baseContext(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
