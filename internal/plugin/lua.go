package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"loginus/internal/events"
)

// DefaultLuaCallTimeout bounds chunk evaluation and route handlers.
const DefaultLuaCallTimeout = 5 * time.Second

const luaMaxBody = 1 << 20

var errLuaClosed = errors.New("lua module closed")

// LuaOpener evaluates Lua module files in a sandboxed interpreter. A module
// file defines a global table named after the export:
//
//	PluginModule = {
//	  routes = { { method = "GET", path = "/hello", handler = function(req) return 200, "hi" end } },
//	  events = { ["user.after_create"] = function(evt) log(evt.payload.user_id) end },
//	}
//
// Route handlers receive {method, path, body, query, params, headers} and
// return a status and an optional body; tables are encoded as JSON. Event
// handlers receive {id, name, emitted_at, payload} and fail by raising an
// error or returning nil plus a message.
type LuaOpener struct {
	Log         zerolog.Logger
	CallTimeout time.Duration
}

// NewLuaOpener returns an opener logging through log.
func NewLuaOpener(log zerolog.Logger) *LuaOpener {
	return &LuaOpener{Log: log, CallTimeout: DefaultLuaCallTimeout}
}

func (o *LuaOpener) timeout() time.Duration {
	if o.CallTimeout > 0 {
		return o.CallTimeout
	}
	return DefaultLuaCallTimeout
}

func (o *LuaOpener) Open(ctx context.Context, path string) (Library, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	owner := filepath.Base(filepath.Dir(path))
	st := newLuaState(o.Log.With().Str("plugin", owner).Logger())

	cctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()
	st.mu.Lock()
	st.L.SetContext(cctx)
	err = protect(func() error { return st.L.DoString(string(src)) })
	st.L.RemoveContext()
	st.mu.Unlock()
	if err != nil {
		st.close()
		return nil, fmt.Errorf("evaluate %s: %w", filepath.Base(path), err)
	}
	return &luaLibrary{state: st, timeout: o.timeout()}, nil
}

// luaState serializes access to one interpreter; *lua.LState is not safe
// for concurrent use.
type luaState struct {
	mu     sync.Mutex
	L      *lua.LState
	log    zerolog.Logger
	closed bool
}

func newLuaState(log zerolog.Logger) *luaState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	// io, os, debug and package stay closed
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	st := &luaState{L: L, log: log}
	logFn := L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		st.log.Info().Msg(strings.Join(parts, " "))
		return 0
	})
	L.SetGlobal("log", logFn)
	L.SetGlobal("print", logFn)
	return st
}

// call invokes fn with the arguments produced by args and converts the
// results to Go values, all while holding the interpreter lock.
func (s *luaState) call(ctx context.Context, fn *lua.LFunction, args func(L *lua.LState) []lua.LValue) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errLuaClosed
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	s.L.Push(fn)
	var argv []lua.LValue
	if args != nil {
		argv = args(s.L)
	}
	for _, a := range argv {
		s.L.Push(a)
	}
	if err := protect(func() error { return s.L.PCall(len(argv), lua.MultRet, nil) }); err != nil {
		s.L.SetTop(top)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	n := s.L.GetTop() - top
	out := make([]any, n)
	for i := 0; i < n; i++ {
		out[i] = luaToGo(s.L.Get(top+i+1), nil)
	}
	s.L.SetTop(top)
	return out, nil
}

func (s *luaState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.L.Close()
		s.closed = true
	}
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

type luaLibrary struct {
	state   *luaState
	timeout time.Duration
}

type luaRoute struct {
	method  string
	path    string
	handler *lua.LFunction
}

type luaEvent struct {
	pattern events.Name
	handler *lua.LFunction
}

var luaMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
	http.MethodOptions: true,
}

func (l *luaLibrary) Lookup(export string) (Module, error) {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	if l.state.closed {
		return nil, errLuaClosed
	}
	v := l.state.L.GetGlobal(export)
	if v == lua.LNil {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, export)
	}
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("export %s is a %s, want table", export, v.Type())
	}

	m := &luaModule{state: l.state, timeout: l.timeout}
	if rv := tbl.RawGetString("routes"); rv != lua.LNil {
		rt, ok := rv.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%s.routes must be a list", export)
		}
		for i := 1; i <= rt.Len(); i++ {
			e, ok := rt.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, fmt.Errorf("%s.routes[%d] must be a table", export, i)
			}
			method := strings.ToUpper(lua.LVAsString(e.RawGetString("method")))
			if method == "" {
				method = http.MethodGet
			}
			path := lua.LVAsString(e.RawGetString("path"))
			fn, ok := e.RawGetString("handler").(*lua.LFunction)
			switch {
			case !luaMethods[method]:
				return nil, fmt.Errorf("%s.routes[%d]: unsupported method %q", export, i, method)
			case !strings.HasPrefix(path, "/"):
				return nil, fmt.Errorf("%s.routes[%d]: path must start with /", export, i)
			case !ok:
				return nil, fmt.Errorf("%s.routes[%d]: handler must be a function", export, i)
			}
			m.routes = append(m.routes, luaRoute{method: method, path: path, handler: fn})
		}
	}
	if ev := tbl.RawGetString("events"); ev != lua.LNil {
		et, ok := ev.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%s.events must be a table", export)
		}
		var bad error
		et.ForEach(func(k, v lua.LValue) {
			fn, ok := v.(*lua.LFunction)
			if !ok || k.Type() != lua.LTString {
				bad = fmt.Errorf("%s.events[%s] must map a pattern to a function", export, k.String())
				return
			}
			m.events = append(m.events, luaEvent{pattern: events.Name(k.String()), handler: fn})
		})
		if bad != nil {
			return nil, bad
		}
		sort.Slice(m.events, func(i, j int) bool { return m.events[i].pattern < m.events[j].pattern })
	}
	return m, nil
}

type luaModule struct {
	state   *luaState
	timeout time.Duration
	routes  []luaRoute
	events  []luaEvent
}

func (m *luaModule) Routes(r chi.Router) {
	for _, rt := range m.routes {
		r.Method(rt.method, rt.path, m.serve(rt))
	}
}

func (m *luaModule) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(m.events))
	for _, e := range m.events {
		fn := e.handler
		out = append(out, Subscription{
			Pattern: e.pattern,
			Handler: func(ctx context.Context, env events.Envelope) error {
				payload := normalize(env.Payload)
				res, err := m.state.call(ctx, fn, func(L *lua.LState) []lua.LValue {
					evt := L.NewTable()
					evt.RawSetString("id", lua.LString(env.ID))
					evt.RawSetString("name", lua.LString(env.Name))
					evt.RawSetString("emitted_at", lua.LString(env.EmittedAt.UTC().Format(time.RFC3339Nano)))
					evt.RawSetString("payload", goToLua(L, payload))
					return []lua.LValue{evt}
				})
				if err != nil {
					return err
				}
				if len(res) >= 2 && (res[0] == nil || res[0] == false) {
					if msg, ok := res[1].(string); ok && msg != "" {
						return errors.New(msg)
					}
				}
				return nil
			},
		})
	}
	return out
}

func (m *luaModule) Close() error {
	m.state.close()
	return nil
}

func (m *luaModule) serve(rt luaRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, luaMaxBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		params := map[string]any{}
		if rc := chi.RouteContext(r.Context()); rc != nil {
			for i, k := range rc.URLParams.Keys {
				if k != "*" && i < len(rc.URLParams.Values) {
					params[k] = rc.URLParams.Values[i]
				}
			}
		}
		query := map[string]any{}
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
		headers := map[string]any{}
		for k, v := range r.Header {
			if len(v) > 0 {
				headers[strings.ToLower(k)] = v[0]
			}
		}
		req := map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"body":    string(body),
			"query":   query,
			"params":  params,
			"headers": headers,
		}

		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()
		res, err := m.state.call(ctx, rt.handler, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{goToLua(L, req)}
		})
		if err != nil {
			m.state.log.Error().Err(err).Str("path", r.URL.Path).Msg("lua route failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if len(res) > 0 {
			switch v := res[0].(type) {
			case int64:
				status = int(v)
			case float64:
				status = int(v)
			}
		}
		if status < 100 || status > 999 {
			status = http.StatusInternalServerError
		}
		var out any
		if len(res) > 1 {
			out = res[1]
		}
		switch v := out.(type) {
		case nil:
			w.WriteHeader(status)
		case string:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, v)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(v)
		}
	}
}

// normalize flattens typed payloads into JSON-shaped values.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, e := range val {
			t.Append(goToLua(L, e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, e := range val {
			t.RawSetString(k, goToLua(L, e))
		}
		return t
	default:
		return goToLua(L, normalize(val))
	}
}

// luaToGo converts a Lua value to JSON-shaped Go data. Tables with a dense
// 1..n integer key range become slices; other tables become maps.
func luaToGo(v lua.LValue, seen map[*lua.LTable]bool) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if seen == nil {
			seen = map[*lua.LTable]bool{}
		}
		if seen[val] {
			return nil
		}
		seen[val] = true
		defer delete(seen, val)

		n := val.Len()
		count := 0
		val.ForEach(func(_, _ lua.LValue) { count++ })
		if n > 0 && n == count {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = luaToGo(val.RawGetInt(i), seen)
			}
			return arr
		}
		m := make(map[string]any, count)
		val.ForEach(func(k, e lua.LValue) {
			m[k.String()] = luaToGo(e, seen)
		})
		return m
	default:
		return nil
	}
}

func (l *luaLibrary) Close() error {
	l.state.close()
	return nil
}
