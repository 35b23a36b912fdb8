// Package component holds the calling convention and registry for the
// external callables a model wires against its providers-results model
// paths. Component resolution itself (finding a callable from a source
// file or plugin) is explicitly out of scope of the engine core per
// spec.md §1; this package only defines the interface the engine core
// dispatches through and a pluggable Loader for populating it.
package component

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

// Snapshot is the read-only view of model input and prior results a
// component receives, per spec §3's ownership rule: a component may read
// it freely but must never mutate it.
type Snapshot = store.Flat

// Sink is how a component reports the values it computed for the paths
// it provides. Implementations (the worker, in production) translate
// Set calls into flat-store writes at dispatch time.
type Sink interface {
	Set(path string, value interface{})
}

// Callable is the calling convention every component implements:
// `fn(input, results, sink) error`, spec §6.
type Callable func(input, results Snapshot, sink Sink) error

// Versioned is optionally implemented by a component to participate in
// the worker cache key (spec §4.E); a component that does not implement
// it is treated as version "".
type Versioned interface {
	Version() string
}

// Entry is a single registered component: its callable plus optional
// version string, resolved once at load time instead of re-queried on
// every cache-key computation.
type Entry struct {
	ID              string
	Fn              Callable
	Version         string
	ConsumesInput   []string // model paths this component reads from input
	ConsumesResults []string // model paths this component reads from prior results
	Provides        string   // model path this component provides
}

// LoadFunc resolves a component id to its callable, version string, and
// error. The default Loader used by model.New wraps a caller-supplied
// map of LoadFuncs (in-memory registration); cmd/hubit additionally
// supplies a Go-plugin-based implementation.
type LoadFunc func(id string) (fn Callable, version string, err error)

// Loader resolves component ids to Entries at model-construction time.
type Loader interface {
	Load(id, provides string, consumesInput, consumesResults []string) (Entry, error)
}

// MapLoader is the default in-memory Loader: the caller pre-registers
// one LoadFunc per component id.
type MapLoader map[string]LoadFunc

// Load implements Loader.
func (m MapLoader) Load(id, provides string, consumesInput, consumesResults []string) (Entry, error) {
	fn, ok := m[id]
	if !ok {
		return Entry{}, fmt.Errorf("component loader: no callable registered for id %q", id)
	}
	callable, version, err := fn(id)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:              id,
		Fn:              callable,
		Version:         version,
		ConsumesInput:   consumesInput,
		ConsumesResults: consumesResults,
		Provides:        provides,
	}, nil
}

// Registry maps a provider model path to the Entry that provides it.
// Built once by model.New from the configured Loader and held read-only
// for the lifetime of the model.
type Registry struct {
	mu       sync.RWMutex
	byPath   map[string]Entry
	byID     map[string]Entry
	provides []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byPath: map[string]Entry{}, byID: map[string]Entry{}}
}

// Register records e, keyed by its Provides path. It is the caller's
// (model.New's) job to detect and reject duplicate providers; Register
// itself just overwrites.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPath[e.Provides]; !exists {
		r.provides = append(r.provides, e.Provides)
	}
	r.byPath[e.Provides] = e
	r.byID[e.ID] = e
}

// ByPath returns the Entry providing exactly model path p.
func (r *Registry) ByPath(p string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byPath[p]
	return e, ok
}

// ByID returns the Entry with the given component id.
func (r *Registry) ByID(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// ProviderPaths returns every registered provider model path, sorted for
// deterministic iteration (query expansion's ambiguous-match error
// message construction depends on stable ordering).
func (r *Registry) ProviderPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string{}, r.provides...)
	sort.Strings(out)
	return out
}

// Duplicates returns provider model paths registered by more than one
// component id, for model.New's validation pass (spec §7's
// ValidationError).
func (r *Registry) Duplicates(entries []Entry) map[string][]string {
	byPath := map[string][]string{}
	for _, e := range entries {
		byPath[e.Provides] = append(byPath[e.Provides], e.ID)
	}
	dups := map[string][]string{}
	for p, ids := range byPath {
		if len(ids) > 1 {
			dups[p] = ids
		}
	}
	return dups
}
