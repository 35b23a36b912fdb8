// Package worker implements a single component activation (spec module
// E): bindings resolved to concrete paths, pending-input/pending-results
// tracking, and — when caching is enabled — a content-addressed
// identity for the activation.
//
// Grounded on hubit/worker.py's _Worker class: set_values/work_if_ready
// drive the created -> subscribed -> working -> completed lifecycle
// spec.md §4.E describes; idstr() is generalized into a real
// value-aware hash via mitchellh/hashstructure, since hubit's own
// idstr() only ever hashed index positions.
package worker

import (
	"sort"

	"github.com/mitchellh/hashstructure"

	"github.com/mrsonne/hubit-go/internal/hlog"
	"github.com/mrsonne/hubit-go/pkg/hubit/component"
	"github.com/mrsonne/hubit-go/pkg/hubit/herrors"
)

// State is the worker's lifecycle stage.
type State int

const (
	Created State = iota
	Subscribed
	Working
	Completed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Subscribed:
		return "subscribed"
	case Working:
		return "working"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Binding associates a local name (as seen by the component callable)
// with the concrete paths resolved for it. A binding without a wildcard
// resolves to exactly one path; a binding against a wildcard-bound
// identifier resolves to a nested list of paths mirroring the length
// tree's surviving shape.
type Binding struct {
	LocalName string
	Paths     interface{} // string, or nested []interface{} of strings
}

// Worker is a single bound component invocation.
type Worker struct {
	ComponentID string
	QueryPath   string // the concrete path that caused this worker's creation
	Entry       component.Entry
	Dryrun      bool
	Caching     bool

	ConsumesInput   []Binding
	ConsumesResults []Binding
	ProvidesResults []Binding

	state State

	pendingInputs  map[string]bool
	pendingResults map[string]bool
	inputValues    component.Snapshot
	resultValues   component.Snapshot

	outputs component.Snapshot

	// cacheKey is the key most recently computed by CacheKey: a hash of
	// the values this worker consumed, including result values delivered
	// by upstream workers. Upstream workers' own cache keys are not part
	// of it.
	cacheKey string
}

// New constructs a worker in the Created state. Binding resolution
// (substituting the query path's concrete indices, then expanding any
// remaining wildcard-bound identifiers via the length tree) is the
// caller's job — the runner has the length-tree registry this package
// does not hold — so New accepts already-resolved bindings.
func New(componentID, queryPath string, entry component.Entry, consumesInput, consumesResults, providesResults []Binding, dryrun, caching bool) *Worker {
	w := &Worker{
		ComponentID:     componentID,
		QueryPath:       queryPath,
		Entry:           entry,
		Dryrun:          dryrun,
		Caching:         caching,
		ConsumesInput:   consumesInput,
		ConsumesResults: consumesResults,
		ProvidesResults: providesResults,
		state:           Created,
		pendingInputs:   map[string]bool{},
		pendingResults:  map[string]bool{},
		inputValues:     component.Snapshot{},
		resultValues:    component.Snapshot{},
		outputs:         component.Snapshot{},
	}
	return w
}

// State returns the worker's current lifecycle stage.
func (w *Worker) State() State { return w.state }

// ProvidedPaths flattens every ProvidesResults binding's path set.
func (w *Worker) ProvidedPaths() []string {
	return flattenPaths(w.ProvidesResults)
}

// ConsumedInputPaths flattens every ConsumesInput binding's path set.
func (w *Worker) ConsumedInputPaths() []string {
	return flattenPaths(w.ConsumesInput)
}

// ConsumedResultPaths flattens every ConsumesResults binding's path set.
func (w *Worker) ConsumedResultPaths() []string {
	return flattenPaths(w.ConsumesResults)
}

func flattenPaths(bindings []Binding) []string {
	var out []string
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []interface{}:
			for _, item := range t {
				walk(item)
			}
		case []string:
			for _, item := range t {
				out = append(out, item)
			}
		}
	}
	for _, b := range bindings {
		walk(b.Paths)
	}
	return out
}

// SetValues implements the created -> subscribed transition: probe
// input and results for every consumed path, recording what is already
// present and reporting what is still missing. Callers pass nil maps on
// a first call that has no results store to check yet.
func (w *Worker) SetValues(input, results component.Snapshot) (missingInputs, missingResults []string) {
	for _, p := range w.ConsumedInputPaths() {
		if v, ok := input[p]; ok {
			w.inputValues[p] = v
		} else if _, already := w.inputValues[p]; !already {
			w.pendingInputs[p] = true
		}
	}
	for _, p := range w.ConsumedResultPaths() {
		if v, ok := results[p]; ok {
			w.resultValues[p] = v
			delete(w.pendingResults, p)
		} else if _, already := w.resultValues[p]; !already {
			w.pendingResults[p] = true
		}
	}

	if w.state == Created {
		w.state = Subscribed
	}

	for p := range w.pendingInputs {
		missingInputs = append(missingInputs, p)
	}
	for p := range w.pendingResults {
		missingResults = append(missingResults, p)
	}
	sort.Strings(missingInputs)
	sort.Strings(missingResults)
	return missingInputs, missingResults
}

// Deliver supplies a single dependency's resolved value, clearing it
// from whichever pending set it was in. Used by the runner's dispatch
// loop to wake a worker one path at a time as upstream workers finish.
func (w *Worker) Deliver(path string, value interface{}) {
	if w.pendingInputs[path] {
		w.inputValues[path] = value
		delete(w.pendingInputs, path)
		return
	}
	if w.pendingResults[path] {
		w.resultValues[path] = value
		delete(w.pendingResults, path)
	}
}

// Ready reports whether both pending sets are empty: the subscribed ->
// working transition's precondition.
func (w *Worker) Ready() bool {
	return len(w.pendingInputs) == 0 && len(w.pendingResults) == 0
}

// Run invokes the component (or, in dryrun mode, fills every provided
// path with nil) and records the outputs. It is the caller's
// responsibility to only call Run when Ready() is true.
func (w *Worker) Run() error {
	w.state = Working
	hlog.DEBUG("worker %s: running for %s", w.ComponentID, w.QueryPath)

	sink := &outputSink{w: w}
	if w.Dryrun || w.Entry.Fn == nil {
		for _, p := range w.ProvidedPaths() {
			w.outputs[p] = nil
		}
	} else if err := w.Entry.Fn(w.inputValues, w.resultValues, sink); err != nil {
		return herrors.ComponentError{ComponentID: w.ComponentID, Path: w.QueryPath, Err: err}
	}
	w.state = Completed
	return nil
}

// Outputs returns the paths the worker has computed. Only meaningful
// once State() == Completed.
func (w *Worker) Outputs() component.Snapshot { return w.outputs }

// ApplyCached short-circuits Run by copying a cache hit's outputs
// directly into this worker (spec §4.F step 3's "inject them and mark
// completed").
func (w *Worker) ApplyCached(outputs component.Snapshot) {
	for k, v := range outputs {
		w.outputs[k] = v
	}
	w.state = Completed
}

type outputSink struct{ w *Worker }

func (s *outputSink) Set(path string, value interface{}) { s.w.outputs[path] = value }

// cacheEntry is the canonical struct hashed for the worker's identity.
// Field order is fixed by the struct declaration, and consumed values
// are hashed by sorted local name so that map/slice iteration order
// never perturbs the hash (spec §4.E / open question on canonical
// encoding).
type cacheEntry struct {
	ComponentID string
	Version     string
	Consumed    []pathValue
}

// pathValue pairs a binding's declared local name — not the concrete
// resolved path, which differs per sibling index — with the value the
// worker saw there, so two workers of the same component fed the same
// values at different list positions hash identically (spec §4.E's
// "sorted list of (consumed-path, consumed-value)", where "path" means
// the local-name the same section derives bindings against).
type pathValue struct {
	LocalName string
	Value     interface{}
}

// CacheKey computes the worker's own input-only identity: the hash of
// (component-id, component-version, sorted (local-name, value) pairs)
// over everything this worker consumes directly, per spec §4.E. Upstream
// workers' cache keys are not folded in: a subscribed-to path counts
// only through the value delivered for it, like any other consumed
// value, so the key is meaningful once all Deliver calls have landed.
func (w *Worker) CacheKey() (string, error) {
	consumed := append(bindingValues(w.ConsumesInput, w.inputValues), bindingValues(w.ConsumesResults, w.resultValues)...)
	sort.SliceStable(consumed, func(i, j int) bool { return consumed[i].LocalName < consumed[j].LocalName })

	entry := cacheEntry{ComponentID: w.ComponentID, Version: w.Entry.Version, Consumed: consumed}
	h, err := hashstructure.Hash(entry, nil)
	if err != nil {
		return "", err
	}
	key := hashToString(h)
	w.cacheKey = key
	return key, nil
}

// bindingValues walks each binding's (possibly nested, for a surviving
// wildcard) Paths and looks up the value resolved at each concrete
// path, pairing it with the binding's LocalName.
func bindingValues(bindings []Binding, values component.Snapshot) []pathValue {
	var out []pathValue
	var walk func(name string, v interface{})
	walk = func(name string, v interface{}) {
		switch t := v.(type) {
		case string:
			out = append(out, pathValue{LocalName: name, Value: values[t]})
		case []interface{}:
			for _, item := range t {
				walk(name, item)
			}
		}
	}
	for _, b := range bindings {
		walk(b.LocalName, b.Paths)
	}
	return out
}

func hashToString(h uint64) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(b)
}
