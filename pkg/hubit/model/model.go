// Package model implements the model façade (spec module G): owns
// config, input, the per-index-context length-tree cache, and the flat
// results store, and exposes the public Get/SetInput/SetResults/Log
// surface the rest of the engine is driven through.
//
// Grounded on hubit/model.py's HubitModel (set_input, get, set_results,
// log, clear_log) and on spec.md §9's design note re-architecting
// dynamic component dispatch into an explicit component.Registry built
// once at construction time via a pluggable component.Loader.
package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cppforlife/go-patch/patch"
	"github.com/mitchellh/hashstructure"

	"github.com/mrsonne/hubit-go/internal/hlog"
	"github.com/mrsonne/hubit-go/pkg/hubit/component"
	"github.com/mrsonne/hubit-go/pkg/hubit/engine"
	"github.com/mrsonne/hubit-go/pkg/hubit/herrors"
	"github.com/mrsonne/hubit-go/pkg/hubit/ltree"
	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

// ComponentSpec is one model-file component entry (spec §6's "model
// file"): a component id, its loader arguments, and the three binding
// directions. Model/input file parsing itself stays external per
// spec.md §1 — ComponentSpec is the already-decoded form cmd/hubit's
// YAML loader produces, or that any caller can build directly.
type ComponentSpec struct {
	ID              string
	Provides        string
	ConsumesInput   []string
	ConsumesResults []string
}

// CacheBackend is the persisted, model-level cache (spec §4.H);
// pkg/hubit/cache provides concrete implementations. Declared here
// rather than imported from pkg/hubit/cache, so this package does not
// depend on it; a backend only needs store.Flat and an identity string.
type CacheBackend interface {
	Load(identity string) (store.Flat, bool, error)
	Store(identity string, data store.Flat) error
}

// CachingMode selects how the persisted (model-level) cache is written,
// spec §4.F.
type CachingMode int

const (
	CacheNever CachingMode = iota
	CacheIncremental
	CacheAfterExecution
)

// ReuseMode controls whether Get seeds its flat results store from the
// persisted cache backend or from the model's current in-memory store.
type ReuseMode int

const (
	ReuseNone ReuseMode = iota
	ReuseCached
	ReuseCurrent
)

// GetOptions bundles per-Get knobs: the engine's cooperative/parallel
// dispatch options plus the two model-level concerns (reuse and
// persisted-cache mode) that only make sense at the façade layer.
type GetOptions struct {
	Engine       engine.Options
	Reuse        ReuseMode
	ModelCaching CachingMode
}

// Log is the per-Get diagnostic spec §4.G's log() method returns:
// worker counts by component, cache hit count, elapsed time.
type Log struct {
	WorkersByComponent map[string]int
	CacheHits          int
	Elapsed            time.Duration
}

// Model is the façade: config + input + length trees + results store.
type Model struct {
	mu       sync.Mutex
	registry *component.Registry
	specs    map[string]ComponentSpec

	input     interface{}
	inputFlat store.Flat
	trees     map[string]ltree.ShapeTree // idxContext -> tree

	resultStore  *store.Store
	cacheBackend CacheBackend

	lastLog Log
}

// New constructs a Model, validating that no two components provide the
// same model path (spec §7's validation-error, aggregated into one
// herrors.MultiError rather than failing on the first conflict).
func New(specs []ComponentSpec, loader component.Loader, cacheBackend CacheBackend) (*Model, error) {
	registry := component.NewRegistry()
	specByID := map[string]ComponentSpec{}
	var entries []component.Entry
	merr := herrors.NewMultiError()

	for _, spec := range specs {
		specByID[spec.ID] = spec
		entry, err := loader.Load(spec.ID, spec.Provides, spec.ConsumesInput, spec.ConsumesResults)
		if err != nil {
			merr.Append(fmt.Errorf("loading component %q: %w", spec.ID, err))
			continue
		}
		entries = append(entries, entry)
	}

	if dups := registry.Duplicates(entries); len(dups) > 0 {
		for p, ids := range dups {
			merr.Append(herrors.ValidationError{Path: p, Components: ids})
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		registry.Register(e)
	}

	return &Model{
		registry:     registry,
		specs:        specByID,
		trees:        map[string]ltree.ShapeTree{},
		resultStore:  store.New(nil),
		cacheBackend: cacheBackend,
	}, nil
}

// SetInput records input and (re)builds the per-index-context length
// tree cache, spec §4.G / §3's "trees are constructed once per
// model+input and cached per index-context".
func (m *Model) SetInput(input interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.input = input
	m.inputFlat = store.Flatten(input, nil)
	m.trees = map[string]ltree.ShapeTree{}
	m.resultStore = store.New(nil)

	for _, spec := range m.specs {
		for _, p := range spec.ConsumesInput {
			tr, err := ltree.Build(p, input)
			if err != nil {
				return err
			}
			m.trees[tr.IdxContext()] = tr
		}
		tr, err := ltree.Build(spec.Provides, input)
		if err != nil {
			return err
		}
		if _, ok := m.trees[tr.IdxContext()]; !ok {
			m.trees[tr.IdxContext()] = tr
		}
	}
	return nil
}

// treeFor implements engine.TreeProvider against this model's
// per-context cache.
func (m *Model) treeFor(idxContext string) (ltree.ShapeTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idxContext == "" {
		return ltree.DummyTree{}, nil
	}
	tr, ok := m.trees[idxContext]
	if !ok {
		return nil, fmt.Errorf("model: no length tree cached for index context %q", idxContext)
	}
	return tr, nil
}

// SetResults injects already-known values into the results store,
// bypassing whichever component would otherwise provide them (spec
// §4.G: "used to bypass components"). The injection is expressed as a
// go-patch ReplaceOp per path applied to the store's nested form,
// grounded on applyGoPatch (gopatch_document.go / merge_builder_impl.go:
// build one patch.Ops, call ops.Apply(data) once).
func (m *Model) SetResults(flat store.Flat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, err := setResultsOps(flat)
	if err != nil {
		return err
	}

	tree := patchTreeFromFlat(m.resultStore.Snapshot())
	patched, err := ops.Apply(tree)
	if err != nil {
		return fmt.Errorf("model: apply set-results patch: %w", err)
	}

	m.resultStore = store.New(store.Flatten(patched, nil))
	return nil
}

// Diff reports which paths a pending SetResults(flat) call would
// override in the model's current results.
func (m *Model) Diff(flat store.Flat) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var overridden []string
	for p := range flat {
		if m.resultStore.Has(p) {
			overridden = append(overridden, p)
		}
	}
	sort.Strings(overridden)
	return overridden
}

// setResultsOps builds one ReplaceOp per path, sorted for deterministic
// application order.
func setResultsOps(flat store.Flat) (patch.Ops, error) {
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var ops patch.Ops
	for _, p := range paths {
		ptr, err := patch.NewPointerFromString("/" + strings.ReplaceAll(p, ".", "/"))
		if err != nil {
			return nil, fmt.Errorf("model: set-results path %q: %w", p, err)
		}
		ops = append(ops, patch.ReplaceOp{Path: ptr, Value: flat[p]})
	}
	return ops, nil
}

// patchTreeFromFlat rebuilds a flat store as nested map[interface{}]
// interface{} containers only (never []interface{}, even for numeric
// path segments), since go-patch's ReplaceOp auto-vivifies missing map
// keys as it walks but does not auto-extend slices. store.Flatten
// later reads this shape back out into identical dotted paths either
// way, so the map-only detour is invisible to every other caller.
func patchTreeFromFlat(flat store.Flat) map[interface{}]interface{} {
	root := map[interface{}]interface{}{}
	for k, v := range flat {
		segs := strings.Split(k, ".")
		cur := root
		for _, seg := range segs[:len(segs)-1] {
			next, ok := cur[seg]
			m, ok2 := next.(map[interface{}]interface{})
			if !ok || !ok2 {
				m = map[interface{}]interface{}{}
				cur[seg] = m
			}
			cur = m
		}
		cur[segs[len(segs)-1]] = v
	}
	return root
}

// Get resolves query against the registry and input, spawning and
// dispatching workers via pkg/hubit/engine, and returns the reshaped
// response mapping each query path to its (possibly nested) value.
func (m *Model) Get(query []string, opts GetOptions) (map[string]interface{}, error) {
	if m.input == nil {
		return nil, herrors.NoInputError{}
	}

	m.mu.Lock()
	switch opts.Reuse {
	case ReuseNone:
		m.resultStore = store.New(nil)
	case ReuseCached:
		if m.cacheBackend != nil {
			identity := m.identityLocked()
			seed, hit, err := m.cacheBackend.Load(identity)
			if err != nil {
				m.mu.Unlock()
				return nil, err
			}
			if hit {
				m.resultStore = store.New(seed)
			}
		}
	case ReuseCurrent:
		// keep m.resultStore as-is
	}
	resultStore := m.resultStore
	registry := m.registry
	m.mu.Unlock()

	start := time.Now()

	engineOpts := opts.Engine
	if opts.ModelCaching == CacheIncremental && m.cacheBackend != nil {
		identity := m.identity()
		base := engineOpts.OnWorkerComplete
		engineOpts.OnWorkerComplete = func(componentID string) {
			if base != nil {
				base(componentID)
			}
			if err := m.cacheBackend.Store(identity, resultStore.Snapshot()); err != nil {
				hlog.WARN("model: incremental cache write failed: %s", err)
			}
		}
	}

	runner := engine.New(registry, resultStore, m.inputFlat, m.treeFor, engineOpts)
	resp, runLog, err := runner.Run(query)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lastLog = Log{WorkersByComponent: runLog.WorkersByComponent, CacheHits: runLog.CacheHits, Elapsed: time.Since(start)}
	m.mu.Unlock()

	if opts.ModelCaching == CacheAfterExecution && m.cacheBackend != nil {
		identity := m.identity()
		if err := m.cacheBackend.Store(identity, resultStore.Snapshot()); err != nil {
			hlog.WARN("model: persisted cache write failed: %s", err)
		}
	}

	return resp, nil
}

// identity is the model identity hash for the persisted cache (spec
// §6: "hash of (normalized config, input)"), computed with the same
// hashstructure dependency the worker cache key uses.
func (m *Model) identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identityLocked()
}

func (m *Model) identityLocked() string {
	h, err := hashstructure.Hash(struct {
		Specs map[string]ComponentSpec
		Input interface{}
	}{Specs: m.specs, Input: m.input}, nil)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", h)
}

// ClearLog resets the last Get's diagnostic record.
func (m *Model) ClearLog() { m.mu.Lock(); m.lastLog = Log{}; m.mu.Unlock() }

// LastLog returns the diagnostic record from the most recent Get call.
func (m *Model) LastLog() Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLog
}
