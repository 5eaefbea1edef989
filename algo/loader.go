package algo

import (
	"path/filepath"
	"plugin"

	"github.com/chromiumos/camalgo/errors"
)

// Library is a loaded vendor implementation.
type Library interface {
	Ops() Ops
	Close() error
}

// Loader resolves the vendor library. A load failure is fatal for the session that asked for it.
type Loader interface {
	Load() (Library, error)
}

// PluginLoader loads LibraryName from Dir as a Go plugin and resolves SymbolName. The symbol may be declared in the
// plugin either as a variable of type Ops or as a pointer to one.
type PluginLoader struct {
	Dir string
}

func (p *PluginLoader) Load() (Library, error) {
	path := filepath.Join(p.Dir, LibraryName)
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	sym, err := plug.Lookup(SymbolName)
	if err != nil {
		return nil, errors.Wrapf(err, "symbol %s not found in %s", SymbolName, path)
	}
	var ops Ops
	switch s := sym.(type) {
	case *Ops:
		ops = *s
	case Ops:
		ops = s
	default:
		return nil, errors.Errorf("symbol %s in %s has unexpected type %T", SymbolName, path, sym)
	}
	if ops == nil {
		return nil, errors.Errorf("symbol %s in %s is nil", SymbolName, path)
	}
	return &pluginLibrary{ops: ops}, nil
}

// Go plugins can never be unloaded, so closing only drops the reference.
type pluginLibrary struct {
	ops Ops
}

func (p *pluginLibrary) Ops() Ops {
	return p.ops
}

func (p *pluginLibrary) Close() error {
	p.ops = nil
	return nil
}

// StaticLoader serves an implementation linked into the process. New is called once per Load.
type StaticLoader struct {
	New func() (Ops, error)
}

func (s *StaticLoader) Load() (Library, error) {
	if s.New == nil {
		return nil, errors.Errorf("no static %s provider", SymbolName)
	}
	ops, err := s.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &staticLibrary{ops: ops}, nil
}

type staticLibrary struct {
	ops Ops
}

func (s *staticLibrary) Ops() Ops {
	return s.ops
}

// Close closes the implementation when it holds resources of its own.
func (s *staticLibrary) Close() error {
	if c, ok := s.ops.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
