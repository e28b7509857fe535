package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Library is an opened module file.
type Library interface {
	// Lookup returns the named export as a Module. A missing export yields
	// an error wrapping ErrExportNotFound.
	Lookup(export string) (Module, error)
}

// Opener turns a module file into a Library.
type Opener interface {
	Open(ctx context.Context, path string) (Library, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Library, error)

func (f OpenerFunc) Open(ctx context.Context, path string) (Library, error) { return f(ctx, path) }

// MultiOpener picks an Opener by file extension. Files without a registered
// extension go to Fallback.
type MultiOpener struct {
	ByExt    map[string]Opener
	Fallback Opener
}

// NewMultiOpener wires the stock openers: ".lua" runs in the Lua sandbox,
// ".so" is a Go plugin and anything else resolves against builtins.
func NewMultiOpener(builtins *BuiltinOpener, lua *LuaOpener) *MultiOpener {
	return &MultiOpener{
		ByExt: map[string]Opener{
			".lua": lua,
			".so":  SharedObjectOpener{},
		},
		Fallback: builtins,
	}
}

func (m *MultiOpener) Open(ctx context.Context, path string) (Library, error) {
	if o, ok := m.ByExt[strings.ToLower(filepath.Ext(path))]; ok && o != nil {
		return o.Open(ctx, path)
	}
	if m.Fallback == nil {
		return nil, fmt.Errorf("no opener for %s", filepath.Base(path))
	}
	return m.Fallback.Open(ctx, path)
}

// Factory builds a fresh Module instance.
type Factory func() (Module, error)

// BuiltinOpener resolves module files against factories compiled into the
// host binary. Entries are keyed by "<slug>/<file>" or by file name alone.
type BuiltinOpener struct {
	mu      sync.RWMutex
	entries map[string]map[string]Factory
}

// NewBuiltinOpener returns an empty registry.
func NewBuiltinOpener() *BuiltinOpener {
	return &BuiltinOpener{entries: make(map[string]map[string]Factory)}
}

// Register binds export of entry to f. Registering the same pair twice
// replaces the earlier factory.
func (b *BuiltinOpener) Register(entry, export string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry = filepath.ToSlash(entry)
	if b.entries[entry] == nil {
		b.entries[entry] = make(map[string]Factory)
	}
	b.entries[entry][export] = f
}

func (b *BuiltinOpener) Open(_ context.Context, path string) (Library, error) {
	base := filepath.Base(path)
	keyed := filepath.Base(filepath.Dir(path)) + "/" + base
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, k := range []string{keyed, base} {
		if exports, ok := b.entries[k]; ok {
			cp := make(map[string]Factory, len(exports))
			for name, f := range exports {
				cp[name] = f
			}
			return builtinLibrary(cp), nil
		}
	}
	return nil, fmt.Errorf("no builtin module registered for %s", keyed)
}

type builtinLibrary map[string]Factory

func (l builtinLibrary) Lookup(export string) (Module, error) {
	f, ok := l[export]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, export)
	}
	return f()
}
