package plugin

import (
	"context"
	"fmt"
	stdplugin "plugin"
)

// SharedObjectOpener loads Go plugins built with -buildmode=plugin. The
// export must be a func() Module, a func() (Module, error) or a Module value.
type SharedObjectOpener struct{}

func (SharedObjectOpener) Open(_ context.Context, path string) (Library, error) {
	p, err := stdplugin.Open(path)
	if err != nil {
		return nil, err
	}
	return soLibrary{p: p}, nil
}

type soLibrary struct{ p *stdplugin.Plugin }

func (l soLibrary) Lookup(export string) (Module, error) {
	sym, err := l.p.Lookup(export)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, export)
	}
	switch v := sym.(type) {
	case func() Module:
		return v(), nil
	case func() (Module, error):
		return v()
	case *Module:
		return *v, nil
	case Module:
		return v, nil
	default:
		return nil, fmt.Errorf("export %s has unsupported type %T", export, sym)
	}
}
