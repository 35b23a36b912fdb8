// Package engine implements the query runner: the central
// dependency-resolution loop that expands a query, recursively spawns
// workers for whatever paths are still missing, dispatches ready
// workers either inline or across a bounded pool, and reshapes the
// completed flat results back into the query's nested response.
//
// Grounded on hubit/qrun.py's _QueryRunner (_worker_for_query,
// results_for_results_id, subscribers_for_results_id), with the
// worker-registry bookkeeping kept as a map keyed by identity and
// status transitions tracked explicitly rather than inferred.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mrsonne/hubit-go/internal/bus"
	"github.com/mrsonne/hubit-go/internal/hlog"
	"github.com/mrsonne/hubit-go/internal/workerpool"
	"github.com/mrsonne/hubit-go/pkg/hubit/component"
	"github.com/mrsonne/hubit-go/pkg/hubit/herrors"
	"github.com/mrsonne/hubit-go/pkg/hubit/path"
	"github.com/mrsonne/hubit-go/pkg/hubit/query"
	"github.com/mrsonne/hubit-go/pkg/hubit/store"
	"github.com/mrsonne/hubit-go/pkg/hubit/worker"
)

// Mode selects cooperative vs parallel dispatch, spec §5.
type Mode int

const (
	Cooperative Mode = iota
	Parallel
)

// WakeStrategy selects how the watcher learns that terminal paths have
// landed in the results store.
type WakeStrategy int

const (
	// WakePoll is the literal spec behavior: a ticking goroutine.
	WakePoll WakeStrategy = iota
	// WakeBus uses an embedded NATS subject instead of polling.
	WakeBus
)

// Options configures one Run call.
type Options struct {
	Mode              Mode
	WakeStrategy      WakeStrategy
	Caching           bool // worker-level content-addressed caching, spec §4.E/§4.F
	PoolWorkers       int  // parallel mode only; 0 selects a small default
	PollInterval      time.Duration
	DispatchRateLimit float64 // requests/sec, 0 disables the limiter
	OnWorkerComplete  func(componentID string)
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return 50 * time.Millisecond
	}
	return o.PollInterval
}

func (o Options) poolWorkers() int {
	if o.PoolWorkers <= 0 {
		return 4
	}
	return o.PoolWorkers
}

// TreeProvider resolves the length tree for an index context; the
// model façade implements it against its per-context tree cache.
type TreeProvider = query.TreeProvider

// RunLog is the diagnostic record a single Run produces, surfaced by
// the model façade's Log method, spec §4.G.
type RunLog struct {
	WorkersByComponent map[string]int
	CacheHits          int
}

// Runner drives one Get call's worker graph to completion.
type Runner struct {
	registry *component.Registry
	results  *store.Store
	input    component.Snapshot
	treeFor  TreeProvider
	opts     Options

	mu          sync.Mutex // guards everything below, per spec §5's single-mutex policy
	workers     map[string]*worker.Worker   // worker-id -> worker
	subscribers map[string][]*worker.Worker // concrete path -> workers waiting on it
	spawned     map[string]bool             // concrete path -> a worker already promises it

	cachedResults map[string]component.Snapshot // cache key -> outputs
	runningCache  map[string]string             // cache key -> worker-id currently computing it
	cacheWaiters  map[string][]*worker.Worker    // cache key -> workers queued on the in-flight computation

	sf singleflight.Group // wraps maybeDispatch's cache lookup and dispatch, keyed by cache key

	log RunLog

	pool    *workerpool.Pool
	bus     *bus.Bus
	limiter *rate.Limiter

	firstErr  error
	errOnce   sync.Once
	errSignal chan struct{} // closed once by recordErr, wakes watch() in parallel mode
}

// New constructs a Runner for one Run call. input is the model's
// flattened input store, read-only for the lifetime of the run.
func New(registry *component.Registry, results *store.Store, input store.Flat, treeFor TreeProvider, opts Options) *Runner {
	return &Runner{
		registry:      registry,
		results:       results,
		input:         component.Snapshot(input),
		treeFor:       treeFor,
		opts:          opts,
		workers:       map[string]*worker.Worker{},
		subscribers:   map[string][]*worker.Worker{},
		spawned:       map[string]bool{},
		cachedResults: map[string]component.Snapshot{},
		runningCache:  map[string]string{},
		cacheWaiters:  map[string][]*worker.Worker{},
		log:           RunLog{WorkersByComponent: map[string]int{}},
		errSignal:     make(chan struct{}),
	}
}

// Run expands every query path, spawns and dispatches workers until
// every terminal path is present in the results store, then reshapes
// the response, spec §4.F.
func (r *Runner) Run(queryPaths []string) (map[string]interface{}, RunLog, error) {
	if r.opts.Mode == Parallel {
		r.pool = workerpool.New(workerpool.Config{Workers: r.opts.poolWorkers()})
		defer r.pool.Shutdown()
	}
	if r.opts.WakeStrategy == WakeBus {
		b, err := bus.Start()
		if err != nil {
			return nil, r.log, err
		}
		r.bus = b
		defer b.Close()
	}

	expansions := make([]*query.Expansion, len(queryPaths))
	terminals := map[string]bool{}
	for i, q := range queryPaths {
		exp, err := query.Expand(q, r.registry.ProviderPaths(), r.treeFor)
		if err != nil {
			return nil, r.log, err
		}
		expansions[i] = exp
		for _, t := range exp.Terminals() {
			terminals[t] = true
		}
	}

	var want []string
	for t := range terminals {
		want = append(want, t)
	}
	if err := r.spawnAll(want); err != nil {
		return nil, r.log, err
	}

	if err := r.watch(terminals); err != nil {
		return nil, r.log, err
	}

	return r.reshape(expansions)
}

// spawnAll spawns providers for a batch of requested paths, per spec
// §4.F step 3.
func (r *Runner) spawnAll(paths []string) error {
	for _, p := range paths {
		if err := r.spawn(p, nil); err != nil {
			return err
		}
	}
	return nil
}

// spawn recursively constructs and dispatches the worker that provides
// p, skipping paths already satisfied, with stack carrying the
// in-progress recursion path for cycle detection (spec §9).
func (r *Runner) spawn(p string, stack []string) error {
	for _, s := range stack {
		if s == p {
			return herrors.CycleDetectedError{Path: p, Stack: append(append([]string{}, stack...), p)}
		}
	}

	r.mu.Lock()
	if r.results.Has(p) || r.spawned[p] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	entry, err := r.findProvider(p)
	if err != nil {
		return err
	}

	consumesInput, consumesResults, providesResults, err := r.resolveBindings(entry, p)
	if err != nil {
		return err
	}

	workerID := entry.ID + "|" + p
	r.mu.Lock()
	if _, exists := r.workers[workerID]; exists {
		r.mu.Unlock()
		return nil
	}
	w := worker.New(entry.ID, p, entry, consumesInput, consumesResults, providesResults, false, r.opts.Caching)
	r.workers[workerID] = w
	for _, provided := range w.ProvidedPaths() {
		r.spawned[provided] = true
	}
	r.mu.Unlock()

	missingIn, missingRes := w.SetValues(r.input, r.resultsSnapshot())

	missing := append(append([]string{}, missingIn...), missingRes...)
	r.mu.Lock()
	for _, m := range missing {
		r.subscribers[m] = append(r.subscribers[m], w)
	}
	r.mu.Unlock()

	nextStack := append(append([]string{}, stack...), p)
	for _, m := range missing {
		if err := r.spawn(m, nextStack); err != nil {
			return err
		}
	}

	return r.maybeDispatch(w)
}

func (r *Runner) resultsSnapshot() component.Snapshot {
	return component.Snapshot(r.results.Snapshot())
}

// findProvider locates the unique component providing concrete path p.
func (r *Runner) findProvider(p string) (component.Entry, error) {
	var matches []component.Entry
	for _, mp := range r.registry.ProviderPaths() {
		ok, err := path.Match(p, mp)
		if err != nil {
			return component.Entry{}, err
		}
		if ok {
			e, _ := r.registry.ByPath(mp)
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return component.Entry{}, herrors.NoProviderError{Query: p}
	}
	if len(matches) > 1 {
		var ids []string
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		return component.Entry{}, herrors.AmbiguousProviderError{Query: p, Components: ids}
	}
	return matches[0], nil
}

// resolveBindings substitutes the concrete indices found in p into
// every binding path the component declares, expanding any remaining
// wildcard-bound identifiers via the length tree, spec §4.E.
func (r *Runner) resolveBindings(entry component.Entry, p string) (consumesInput, consumesResults, providesResults []worker.Binding, err error) {
	values, err := r.indexValues(entry.Provides, p)
	if err != nil {
		return nil, nil, nil, err
	}

	build := func(paths []string) ([]worker.Binding, error) {
		var out []worker.Binding
		for _, mp := range paths {
			resolved, err := r.resolveBindingPath(mp, values)
			if err != nil {
				return nil, err
			}
			out = append(out, worker.Binding{LocalName: mp, Paths: resolved})
		}
		return out, nil
	}

	consumesInput, err = build(entry.ConsumesInput)
	if err != nil {
		return nil, nil, nil, err
	}
	consumesResults, err = build(entry.ConsumesResults)
	if err != nil {
		return nil, nil, nil, err
	}
	providesResults, err = build([]string{entry.Provides})
	if err != nil {
		return nil, nil, nil, err
	}
	return consumesInput, consumesResults, providesResults, nil
}

// indexValues matches a fully concrete path p against the component's
// provider model path, returning identifier -> resolved digit string.
func (r *Runner) indexValues(providerModelPath, p string) (map[string]string, error) {
	mSpecs, err := path.ModelSpecs(providerModelPath)
	if err != nil {
		return nil, err
	}
	pSpecifiers, err := path.GetIndexSpecifiers(p)
	if err != nil {
		return nil, err
	}
	if len(mSpecs) != len(pSpecifiers) {
		return nil, herrors.MalformedPathError{Path: p, Reason: "index arity does not match provider"}
	}
	values := map[string]string{}
	for i, s := range mSpecs {
		switch s.Kind {
		case path.KindIdentifier, path.KindWildcardIdent:
			values[s.Identifier] = pSpecifiers[i]
		}
	}
	return values, nil
}

// resolveBindingPath substitutes known identifier values into modelPath
// and, if any identifier remains unresolved, expands it via the length
// tree into a nested list of concrete paths.
func (r *Runner) resolveBindingPath(modelPath string, values map[string]string) (interface{}, error) {
	specs, err := path.ModelSpecs(modelPath)
	if err != nil {
		return nil, err
	}
	strs := make([]string, len(specs))
	remaining := false
	for i, s := range specs {
		switch s.Kind {
		case path.KindDigit:
			strs[i] = strconv.Itoa(s.Digit)
		case path.KindIdentifier, path.KindWildcardIdent:
			if v, ok := values[s.Identifier]; ok {
				strs[i] = v
			} else {
				strs[i] = ":"
				remaining = true
			}
		}
	}
	partial, err := path.SetIndices(modelPath, strs)
	if err != nil {
		return nil, err
	}
	if !remaining {
		return partial, nil
	}

	idxCtx, err := path.IdxContext(modelPath)
	if err != nil {
		return nil, err
	}
	tree, err := r.treeFor(idxCtx)
	if err != nil {
		return nil, err
	}
	pruned, err := tree.PruneFrom(partial, false)
	if err != nil {
		return nil, err
	}
	return pruned.Expand(partial, false)
}

// maybeDispatch applies caching policy (spec §4.F step 3) and dispatches
// the worker if it is ready.
func (r *Runner) maybeDispatch(w *worker.Worker) error {
	if !w.Ready() {
		return nil
	}

	if !r.opts.Caching {
		return r.dispatch(w)
	}

	key, err := w.CacheKey()
	if err != nil {
		return err
	}

	_, err, _ = r.sf.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		if outputs, ok := r.cachedResults[key]; ok {
			r.mu.Unlock()
			r.applyCacheHit(w, outputs)
			return nil, nil
		}
		if providerID, running := r.runningCache[key]; running && providerID != w.ComponentID+"|"+w.QueryPath {
			// Another worker is already computing this exact cache key:
			// queue w as a subscriber on it instead of re-running the
			// component. complete drains this list once the in-flight
			// worker finishes, applying the shared outputs to each
			// waiter in turn.
			r.cacheWaiters[key] = append(r.cacheWaiters[key], w)
			r.mu.Unlock()
			return nil, nil
		}
		r.runningCache[key] = w.ComponentID + "|" + w.QueryPath
		r.mu.Unlock()
		return nil, r.dispatch(w)
	})
	return err
}

// dispatch runs w inline (cooperative mode) or hands it to the pool
// (parallel mode). Parallel submission is fire-and-forget: the pool
// goroutine calls complete/publishCompletion itself once w finishes, so
// spawn's recursive loop keeps submitting siblings instead of waiting
// on each one in turn. A failed run is surfaced through recordErr and
// picked up by watch, not returned synchronously, since by the time it
// runs the original caller may already have returned.
func (r *Runner) dispatch(w *worker.Worker) error {
	hlog.DEBUG("dispatch %s for %s", w.ComponentID, w.QueryPath)

	run := func() error {
		if err := r.runRateLimited(w); err != nil {
			return err
		}
		r.complete(w)
		return nil
	}

	if r.opts.Mode == Cooperative || r.pool == nil {
		return run()
	}

	taskID := w.ComponentID + "|" + w.QueryPath
	return r.pool.Submit(poolTask{id: taskID, fn: func() error {
		err := run()
		if err != nil {
			r.recordErr(err)
		}
		return err
	}})
}

// recordErr keeps the first error reported by an asynchronous dispatch
// and wakes any watch call blocked waiting for terminal paths.
func (r *Runner) recordErr(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
	r.errOnce.Do(func() { close(r.errSignal) })
}

func (r *Runner) runRateLimited(w *worker.Worker) error {
	if r.opts.DispatchRateLimit > 0 {
		if err := r.dispatchLimiter().Wait(context.Background()); err != nil {
			return err
		}
	}
	if w.State() != worker.Completed {
		return w.Run()
	}
	return nil
}

// dispatchLimiter lazily builds the shared rate.Limiter the first time
// it is needed, so runs with DispatchRateLimit == 0 never allocate one.
func (r *Runner) dispatchLimiter() *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(rate.Limit(r.opts.DispatchRateLimit), 1)
	}
	return r.limiter
}

// complete writes w's outputs to the results store, wakes every path
// subscriber, then records w in the cached-results table and resolves
// any workers that queued behind w's cache key while it was running.
func (r *Runner) complete(w *worker.Worker) {
	outputs := w.Outputs()
	var waiters []*worker.Worker

	r.mu.Lock()
	for p, v := range outputs {
		r.results.Set(p, v)
	}
	if r.opts.Caching {
		if key, err := w.CacheKey(); err == nil {
			r.cachedResults[key] = outputs
			delete(r.runningCache, key)
			waiters = r.cacheWaiters[key]
			delete(r.cacheWaiters, key)
		}
	}
	r.log.WorkersByComponent[w.ComponentID]++
	r.mu.Unlock()

	r.publishCompletion(w)
	for _, waiter := range waiters {
		r.applyCacheHit(waiter, outputs)
	}

	if r.opts.OnWorkerComplete != nil {
		r.opts.OnWorkerComplete(w.ComponentID)
	}
}

// applyCacheHit installs a cache hit's outputs onto w: a cache key is
// shared by value, not by path, so the stored snapshot's keys (the
// providing worker's own concrete path) are remapped onto w's own
// provided paths before anything is written. Completes w exactly as a
// freshly run worker would — written to the results store, counted,
// subscribers woken — just without invoking the component.
func (r *Runner) applyCacheHit(w *worker.Worker, outputs component.Snapshot) {
	remapped := remapOutputs(outputs, w.ProvidedPaths())
	w.ApplyCached(remapped)

	r.mu.Lock()
	for p, v := range remapped {
		r.results.Set(p, v)
	}
	r.log.WorkersByComponent[w.ComponentID]++
	r.log.CacheHits++
	r.mu.Unlock()

	r.publishCompletion(w)
}

// remapOutputs reassigns a cached snapshot's values onto toPaths. A
// worker's Provides binding is always resolved against its own already-
// concrete query path, so in practice both sides have exactly one
// entry; pairing is done positionally over sorted keys so the mapping
// stays well-defined if that ever isn't the case.
func remapOutputs(outputs component.Snapshot, toPaths []string) component.Snapshot {
	from := make([]string, 0, len(outputs))
	for k := range outputs {
		from = append(from, k)
	}
	sort.Strings(from)
	to := append([]string{}, toPaths...)
	sort.Strings(to)

	remapped := component.Snapshot{}
	for i, p := range to {
		if i < len(from) {
			remapped[p] = outputs[from[i]]
		}
	}
	return remapped
}

// publishCompletion wakes every subscriber waiting on one of w's
// provided paths, delivering the resolved value and re-checking
// readiness, spec §4.F step 4 / §5's suspension-point description.
func (r *Runner) publishCompletion(w *worker.Worker) {
	outputs := w.Outputs()
	for p, v := range outputs {
		r.mu.Lock()
		subs := append([]*worker.Worker{}, r.subscribers[p]...)
		delete(r.subscribers, p)
		r.mu.Unlock()

		for _, sub := range subs {
			sub.Deliver(p, v)
			if sub.Ready() && sub.State() != worker.Completed {
				_ = r.maybeDispatch(sub)
			}
		}

		if r.bus != nil {
			_ = r.bus.Publish("hubit.results.run", p)
		}
	}
}

// watch blocks until every terminal path is present in the results
// store, or a dispatch error was recorded, spec §4.F step 5.
func (r *Runner) watch(terminals map[string]bool) error {
	allPresent := func() bool {
		for t := range terminals {
			if !r.results.Has(t) {
				return false
			}
		}
		return true
	}

	if allPresent() {
		return nil
	}

	if r.bus != nil {
		done := make(chan struct{})
		var doneOnce sync.Once
		signalDone := func() { doneOnce.Do(func() { close(done) }) }
		unsub, err := r.bus.Subscribe("hubit.results.run", func(string) {
			if allPresent() {
				signalDone()
			}
		})
		if err != nil {
			return err
		}
		defer unsub()
		if allPresent() {
			return nil
		}
		select {
		case <-done:
		case <-r.errSignal:
		}
		return r.firstErrOrNil()
	}

	ticker := time.NewTicker(r.opts.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if allPresent() {
				return r.firstErrOrNil()
			}
			if err := r.firstErrOrNil(); err != nil {
				return err
			}
		case <-r.errSignal:
			return r.firstErrOrNil()
		}
	}
}

func (r *Runner) firstErrOrNil() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// reshape builds the response, producing either a scalar or a
// wildcard-shaped nested list per expansion, spec §4.F step 6.
func (r *Runner) reshape(expansions []*query.Expansion) (map[string]interface{}, RunLog, error) {
	resp := map[string]interface{}{}
	for _, exp := range expansions {
		if !exp.HadWildcard {
			terminal := exp.Terminals()
			if len(terminal) != 1 {
				return nil, r.log, fmt.Errorf("engine: expected exactly one terminal for non-wildcard query %q", exp.Query)
			}
			v, ok := r.results.Get(terminal[0])
			if !ok {
				return nil, r.log, fmt.Errorf("engine: missing result for %q", terminal[0])
			}
			resp[exp.Query] = v
			continue
		}

		var flatValues []interface{}
		for _, d := range exp.Decomposed {
			for _, t := range exp.ExpandedFor[d] {
				v, ok := r.results.Get(t)
				if !ok {
					return nil, r.log, fmt.Errorf("engine: missing result for %q", t)
				}
				flatValues = append(flatValues, v)
			}
		}

		idxCtx, err := r.providerContext(exp)
		if err != nil {
			return nil, r.log, err
		}
		if idxCtx == "" {
			// Decomposition across fully concrete providers (spec §4.C's
			// tanks[0]/tanks[1] example) shares no index identifier, so
			// there is no length tree to reshape through: the decomposed
			// digit order (ascending, per decompose's sort) already is
			// the response list order.
			resp[exp.Query] = flatValues
			continue
		}
		tree, err := r.treeFor(idxCtx)
		if err != nil {
			return nil, r.log, err
		}
		pruned, err := tree.PruneFrom(exp.Decomposed[0], false)
		if err != nil {
			return nil, r.log, err
		}
		reshaped, err := pruned.Reshape(flatValues)
		if err != nil {
			return nil, r.log, err
		}
		resp[exp.Query] = reshaped
	}
	return resp, r.log, nil
}

func (r *Runner) providerContext(exp *query.Expansion) (string, error) {
	provider := exp.ProviderFor[exp.Decomposed[0]]
	return path.IdxContext(provider)
}

type poolTask struct {
	id string
	fn func() error
}

func (t poolTask) ID() string { return t.id }
func (t poolTask) Execute(ctx context.Context) error {
	return t.fn()
}
