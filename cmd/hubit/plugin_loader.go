package main

import (
	"fmt"
	"plugin"
	"sync"

	"github.com/mrsonne/hubit-go/pkg/hubit/component"
)

// pluginLocator is where a component's callable lives: a compiled Go
// plugin (spec §6's "path (callable locator; ... a filesystem
// location)") plus the exported symbol name to look up in it.
type pluginLocator struct {
	Path     string
	FuncName string
}

// PluginLoader is a component.Loader backed by Go's standard plugin
// package — the only dynamic-code-loading mechanism the standard
// library offers and, absent a third-party alternative anywhere in the
// corpus, the mechanism DESIGN.md grounds this file on. Each model
// file entry names a .so built with `go build -buildmode=plugin` and
// the exported symbol (a var of type component.Callable, optionally
// paired with a `<FuncName>Version func() string`) to bind.
type PluginLoader struct {
	locators map[string]pluginLocator

	mu   sync.Mutex
	open map[string]*plugin.Plugin
}

// NewPluginLoader indexes entries by componentID so Load can find each
// component's locator by the id model.New passes back in.
func NewPluginLoader(entries []modelFileEntry) *PluginLoader {
	l := &PluginLoader{locators: map[string]pluginLocator{}, open: map[string]*plugin.Plugin{}}
	for _, e := range entries {
		l.locators[componentID(e)] = pluginLocator{Path: e.Path, FuncName: e.FuncName}
	}
	return l
}

// Load implements component.Loader.
func (l *PluginLoader) Load(id, provides string, consumesInput, consumesResults []string) (component.Entry, error) {
	loc, ok := l.locators[id]
	if !ok {
		return component.Entry{}, fmt.Errorf("hubit: no plugin locator registered for component %q", id)
	}

	p, err := l.openPlugin(loc.Path)
	if err != nil {
		return component.Entry{}, fmt.Errorf("hubit: open plugin %q: %w", loc.Path, err)
	}

	sym, err := p.Lookup(loc.FuncName)
	if err != nil {
		return component.Entry{}, fmt.Errorf("hubit: lookup %q in %q: %w", loc.FuncName, loc.Path, err)
	}
	fn, ok := sym.(*component.Callable)
	if !ok {
		return component.Entry{}, fmt.Errorf("hubit: symbol %q in %q is not a *component.Callable", loc.FuncName, loc.Path)
	}

	version := ""
	if vsym, err := p.Lookup(loc.FuncName + "Version"); err == nil {
		switch v := vsym.(type) {
		case func() string:
			version = v()
		case component.Versioned:
			version = v.Version()
		}
	}

	return component.Entry{
		ID:              id,
		Fn:              *fn,
		Version:         version,
		ConsumesInput:   consumesInput,
		ConsumesResults: consumesResults,
		Provides:        provides,
	}, nil
}

func (l *PluginLoader) openPlugin(path string) (*plugin.Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.open[path]; ok {
		return p, nil
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	l.open[path] = p
	return p, nil
}
