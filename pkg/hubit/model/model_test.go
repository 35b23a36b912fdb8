package model_test

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsonne/hubit-go/pkg/hubit/component"
	"github.com/mrsonne/hubit-go/pkg/hubit/engine"
	"github.com/mrsonne/hubit-go/pkg/hubit/model"
)

// suffixSwap is the pass-through shape nearly every fixture component
// below needs: read every consumed value, write it (possibly
// transformed) under the sibling path obtained by swapping one dotted
// suffix for another. A worker only ever sees the concrete resolved
// paths its bindings were substituted against (pkg/hubit/worker), never
// the component's own declared local names, so deriving the output
// path this way is the only option a callable has.
func suffixSwap(from, to string, transform func(float64) float64) component.Callable {
	return func(input, results component.Snapshot, sink component.Sink) error {
		for p, v := range input {
			out := strings.TrimSuffix(p, from) + to
			sink.Set(out, transform(v.(float64)))
		}
		return nil
	}
}

func identity(v float64) float64 { return v }

func TestGetSingleScalar(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "double", Provides: "out", ConsumesInput: []string{"in"}},
	}
	loader := component.MapLoader{
		"double": func(string) (component.Callable, string, error) {
			return func(input, results component.Snapshot, sink component.Sink) error {
				sink.Set("out", 2*input["in"].(float64))
				return nil
			}, "1", nil
		},
	}

	m, err := model.New(specs, loader, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetInput(map[string]interface{}{"in": 3.0}))

	resp, err := m.Get([]string{"out"}, model.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6.0, resp["out"])
}

func TestGetWildcardedList(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "double_items", Provides: "items[IDX].y", ConsumesInput: []string{"items[IDX].x"}},
	}
	loader := component.MapLoader{
		"double_items": func(string) (component.Callable, string, error) {
			return suffixSwap(".x", ".y", func(v float64) float64 { return 2 * v }), "1", nil
		},
	}

	m, err := model.New(specs, loader, nil)
	require.NoError(t, err)
	input := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"x": 1.0},
			map[string]interface{}{"x": 2.0},
			map[string]interface{}{"x": 3.0},
		},
	}
	require.NoError(t, m.SetInput(input))

	resp, err := m.Get([]string{"items[:].y"}, model.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2.0, 4.0, 6.0}, resp["items[:].y"])
}

func TestGetDependencyChain(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "incr", Provides: "a[IDX].b", ConsumesInput: []string{"a[IDX].raw"}},
		{ID: "mul10", Provides: "a[IDX].c", ConsumesResults: []string{"a[IDX].b"}},
	}
	loader := component.MapLoader{
		"incr": func(string) (component.Callable, string, error) {
			return func(input, results component.Snapshot, sink component.Sink) error {
				for p, v := range input {
					sink.Set(strings.TrimSuffix(p, ".raw")+".b", v.(float64)+1)
				}
				return nil
			}, "1", nil
		},
		"mul10": func(string) (component.Callable, string, error) {
			return func(input, results component.Snapshot, sink component.Sink) error {
				for p, v := range results {
					sink.Set(strings.TrimSuffix(p, ".b")+".c", v.(float64)*10)
				}
				return nil
			}, "1", nil
		},
	}

	m, err := model.New(specs, loader, nil)
	require.NoError(t, err)
	input := map[string]interface{}{
		"a": []interface{}{
			map[string]interface{}{"raw": 0.0},
			map[string]interface{}{"raw": 1.0},
		},
	}
	require.NoError(t, m.SetInput(input))

	resp, err := m.Get([]string{"a[:].c"}, model.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{10.0, 20.0}, resp["a[:].c"])
}

func TestGetDecomposesAcrossTwoProviders(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "tank0", Provides: "tanks[0].v", ConsumesInput: []string{"tanks[0].raw"}},
		{ID: "tank1", Provides: "tanks[1].v", ConsumesInput: []string{"tanks[1].raw"}},
	}
	loader := component.MapLoader{
		"tank0": func(string) (component.Callable, string, error) { return suffixSwap(".raw", ".v", identity), "1", nil },
		"tank1": func(string) (component.Callable, string, error) { return suffixSwap(".raw", ".v", identity), "1", nil },
	}

	m, err := model.New(specs, loader, nil)
	require.NoError(t, err)
	input := map[string]interface{}{
		"tanks": []interface{}{
			map[string]interface{}{"raw": 10.0},
			map[string]interface{}{"raw": 20.0},
		},
	}
	require.NoError(t, m.SetInput(input))

	resp, err := m.Get([]string{"tanks[:].v"}, model.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{10.0, 20.0}, resp["tanks[:].v"])
}

func TestGetWorkerCacheHitAcrossEqualValues(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "sum", Provides: "cars[IDX].p", ConsumesInput: []string{"cars[IDX].parts"}},
	}
	input := map[string]interface{}{
		"cars": []interface{}{
			map[string]interface{}{"parts": 5.0},
			map[string]interface{}{"parts": 7.0},
			map[string]interface{}{"parts": 5.0},
		},
	}

	newModel := func(count *int) *model.Model {
		loader := component.MapLoader{
			"sum": func(string) (component.Callable, string, error) {
				return func(in, results component.Snapshot, sink component.Sink) error {
					*count++
					for p, v := range in {
						sink.Set(strings.TrimSuffix(p, ".parts")+".p", v)
					}
					return nil
				}, "1", nil
			},
		}
		m, err := model.New(specs, loader, nil)
		require.NoError(t, err)
		require.NoError(t, m.SetInput(input))
		return m
	}

	var cached int
	m := newModel(&cached)
	_, err := m.Get([]string{"cars[:].p"}, model.GetOptions{Engine: engine.Options{Caching: true}})
	require.NoError(t, err)
	assert.Equal(t, 2, cached)

	var uncached int
	m2 := newModel(&uncached)
	_, err = m2.Get([]string{"cars[:].p"}, model.GetOptions{Engine: engine.Options{Caching: false}})
	require.NoError(t, err)
	assert.Equal(t, 3, uncached)
}

func TestGetNormalizesNegativeIndex(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "echo", Provides: "x[IDX].v", ConsumesInput: []string{"x[IDX].raw"}},
	}
	loader := component.MapLoader{
		"echo": func(string) (component.Callable, string, error) {
			return func(input, results component.Snapshot, sink component.Sink) error {
				for p, v := range input {
					sink.Set(strings.TrimSuffix(p, ".raw")+".v", v)
				}
				return nil
			}, "1", nil
		},
	}

	m, err := model.New(specs, loader, nil)
	require.NoError(t, err)
	input := map[string]interface{}{
		"x": []interface{}{
			map[string]interface{}{"raw": "a"},
			map[string]interface{}{"raw": "b"},
			map[string]interface{}{"raw": "c"},
		},
	}
	require.NoError(t, m.SetInput(input))

	resp, err := m.Get([]string{"x[-1].v"}, model.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "c", resp["x[-1].v"])
}

// TestGetFixturesAcrossModesAndCaching drives S1-S6 end to end in every
// combination of dispatch mode and worker caching, confirming that the
// outcome (invariant 6: every concrete path written by exactly one
// worker, surfaced here as the final response shape) is identical
// across all four and doesn't depend on how dispatch happens to be
// scheduled.
func TestGetFixturesAcrossModesAndCaching(t *testing.T) {
	type fixture struct {
		name  string
		build func(t *testing.T) (*model.Model, []string, map[string]interface{})
	}

	fixtures := []fixture{
		{
			name: "S1_single_scalar",
			build: func(t *testing.T) (*model.Model, []string, map[string]interface{}) {
				specs := []model.ComponentSpec{{ID: "double", Provides: "out", ConsumesInput: []string{"in"}}}
				loader := component.MapLoader{
					"double": func(string) (component.Callable, string, error) {
						return func(input, results component.Snapshot, sink component.Sink) error {
							sink.Set("out", 2*input["in"].(float64))
							return nil
						}, "1", nil
					},
				}
				m, err := model.New(specs, loader, nil)
				require.NoError(t, err)
				require.NoError(t, m.SetInput(map[string]interface{}{"in": 3.0}))
				return m, []string{"out"}, map[string]interface{}{"out": 6.0}
			},
		},
		{
			name: "S2_wildcarded_list",
			build: func(t *testing.T) (*model.Model, []string, map[string]interface{}) {
				specs := []model.ComponentSpec{{ID: "double_items", Provides: "items[IDX].y", ConsumesInput: []string{"items[IDX].x"}}}
				loader := component.MapLoader{
					"double_items": func(string) (component.Callable, string, error) {
						return suffixSwap(".x", ".y", func(v float64) float64 { return 2 * v }), "1", nil
					},
				}
				m, err := model.New(specs, loader, nil)
				require.NoError(t, err)
				input := map[string]interface{}{
					"items": []interface{}{
						map[string]interface{}{"x": 1.0},
						map[string]interface{}{"x": 2.0},
						map[string]interface{}{"x": 3.0},
					},
				}
				require.NoError(t, m.SetInput(input))
				return m, []string{"items[:].y"}, map[string]interface{}{"items[:].y": []interface{}{2.0, 4.0, 6.0}}
			},
		},
		{
			name: "S3_dependency_chain",
			build: func(t *testing.T) (*model.Model, []string, map[string]interface{}) {
				specs := []model.ComponentSpec{
					{ID: "incr", Provides: "a[IDX].b", ConsumesInput: []string{"a[IDX].raw"}},
					{ID: "mul10", Provides: "a[IDX].c", ConsumesResults: []string{"a[IDX].b"}},
				}
				loader := component.MapLoader{
					"incr": func(string) (component.Callable, string, error) {
						return func(input, results component.Snapshot, sink component.Sink) error {
							for p, v := range input {
								sink.Set(strings.TrimSuffix(p, ".raw")+".b", v.(float64)+1)
							}
							return nil
						}, "1", nil
					},
					"mul10": func(string) (component.Callable, string, error) {
						return func(input, results component.Snapshot, sink component.Sink) error {
							for p, v := range results {
								sink.Set(strings.TrimSuffix(p, ".b")+".c", v.(float64)*10)
							}
							return nil
						}, "1", nil
					},
				}
				m, err := model.New(specs, loader, nil)
				require.NoError(t, err)
				input := map[string]interface{}{
					"a": []interface{}{
						map[string]interface{}{"raw": 0.0},
						map[string]interface{}{"raw": 1.0},
					},
				}
				require.NoError(t, m.SetInput(input))
				return m, []string{"a[:].c"}, map[string]interface{}{"a[:].c": []interface{}{10.0, 20.0}}
			},
		},
		{
			name: "S4_decomposition",
			build: func(t *testing.T) (*model.Model, []string, map[string]interface{}) {
				specs := []model.ComponentSpec{
					{ID: "tank0", Provides: "tanks[0].v", ConsumesInput: []string{"tanks[0].raw"}},
					{ID: "tank1", Provides: "tanks[1].v", ConsumesInput: []string{"tanks[1].raw"}},
				}
				loader := component.MapLoader{
					"tank0": func(string) (component.Callable, string, error) { return suffixSwap(".raw", ".v", identity), "1", nil },
					"tank1": func(string) (component.Callable, string, error) { return suffixSwap(".raw", ".v", identity), "1", nil },
				}
				m, err := model.New(specs, loader, nil)
				require.NoError(t, err)
				input := map[string]interface{}{
					"tanks": []interface{}{
						map[string]interface{}{"raw": 10.0},
						map[string]interface{}{"raw": 20.0},
					},
				}
				require.NoError(t, m.SetInput(input))
				return m, []string{"tanks[:].v"}, map[string]interface{}{"tanks[:].v": []interface{}{10.0, 20.0}}
			},
		},
		{
			name: "S5_worker_cache_hit",
			build: func(t *testing.T) (*model.Model, []string, map[string]interface{}) {
				specs := []model.ComponentSpec{{ID: "sum", Provides: "cars[IDX].p", ConsumesInput: []string{"cars[IDX].parts"}}}
				loader := component.MapLoader{
					"sum": func(string) (component.Callable, string, error) {
						return func(input, results component.Snapshot, sink component.Sink) error {
							for p, v := range input {
								sink.Set(strings.TrimSuffix(p, ".parts")+".p", v)
							}
							return nil
						}, "1", nil
					},
				}
				m, err := model.New(specs, loader, nil)
				require.NoError(t, err)
				input := map[string]interface{}{
					"cars": []interface{}{
						map[string]interface{}{"parts": 5.0},
						map[string]interface{}{"parts": 7.0},
						map[string]interface{}{"parts": 5.0},
					},
				}
				require.NoError(t, m.SetInput(input))
				return m, []string{"cars[:].p"}, map[string]interface{}{"cars[:].p": []interface{}{5.0, 7.0, 5.0}}
			},
		},
		{
			name: "S6_negative_index",
			build: func(t *testing.T) (*model.Model, []string, map[string]interface{}) {
				specs := []model.ComponentSpec{{ID: "echo", Provides: "x[IDX].v", ConsumesInput: []string{"x[IDX].raw"}}}
				loader := component.MapLoader{
					"echo": func(string) (component.Callable, string, error) {
						return func(input, results component.Snapshot, sink component.Sink) error {
							for p, v := range input {
								sink.Set(strings.TrimSuffix(p, ".raw")+".v", v)
							}
							return nil
						}, "1", nil
					},
				}
				m, err := model.New(specs, loader, nil)
				require.NoError(t, err)
				input := map[string]interface{}{
					"x": []interface{}{
						map[string]interface{}{"raw": "a"},
						map[string]interface{}{"raw": "b"},
						map[string]interface{}{"raw": "c"},
					},
				}
				require.NoError(t, m.SetInput(input))
				return m, []string{"x[-1].v"}, map[string]interface{}{"x[-1].v": "c"}
			},
		},
	}

	modes := []struct {
		name string
		mode engine.Mode
	}{
		{"cooperative", engine.Cooperative},
		{"parallel", engine.Parallel},
	}

	for _, fx := range fixtures {
		for _, md := range modes {
			for _, caching := range []bool{false, true} {
				name := fmt.Sprintf("%s/%s/caching=%t", fx.name, md.name, caching)
				t.Run(name, func(t *testing.T) {
					m, query, want := fx.build(t)
					resp, err := m.Get(query, model.GetOptions{
						Engine: engine.Options{Mode: md.mode, Caching: caching, PoolWorkers: 3},
					})
					require.NoError(t, err)
					assert.Equal(t, want, resp)
				})
			}
		}
	}
}

// TestGetWorkerCacheHitAcrossEqualValuesParallel is S5 run under
// Parallel mode specifically: dispatch there submits to the pool and
// returns before the worker actually runs, so the spawn recursion for
// cars[2] reaches maybeDispatch while cars[0]'s worker is still only
// queued, not completed. That is exactly the window in which a worker
// racing against an in-flight identical cache key must be queued as a
// cache subscriber instead of re-dispatched.
func TestGetWorkerCacheHitAcrossEqualValuesParallel(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "sum", Provides: "cars[IDX].p", ConsumesInput: []string{"cars[IDX].parts"}},
	}
	input := map[string]interface{}{
		"cars": []interface{}{
			map[string]interface{}{"parts": 5.0},
			map[string]interface{}{"parts": 7.0},
			map[string]interface{}{"parts": 5.0},
		},
	}

	var invocations int32
	loader := component.MapLoader{
		"sum": func(string) (component.Callable, string, error) {
			return func(input, results component.Snapshot, sink component.Sink) error {
				atomic.AddInt32(&invocations, 1)
				for p, v := range input {
					sink.Set(strings.TrimSuffix(p, ".parts")+".p", v)
				}
				return nil
			}, "1", nil
		},
	}

	m, err := model.New(specs, loader, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetInput(input))

	resp, err := m.Get([]string{"cars[:].p"}, model.GetOptions{
		Engine: engine.Options{Caching: true, Mode: engine.Parallel, PoolWorkers: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{5.0, 7.0, 5.0}, resp["cars[:].p"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&invocations))
}

// TestGetReuseCurrentPerformsNoInvocations is invariant 8: once a query
// has completed, repeating it with ReuseCurrent (seed the next run's
// results store from the model's current one instead of starting
// empty) must invoke no components at all, since everything it needs
// is already sitting in the store being reused.
func TestGetReuseCurrentPerformsNoInvocations(t *testing.T) {
	specs := []model.ComponentSpec{
		{ID: "double_items", Provides: "items[IDX].y", ConsumesInput: []string{"items[IDX].x"}},
	}
	var invocations int
	loader := component.MapLoader{
		"double_items": func(string) (component.Callable, string, error) {
			return func(input, results component.Snapshot, sink component.Sink) error {
				invocations++
				for p, v := range input {
					sink.Set(strings.TrimSuffix(p, ".x")+".y", 2*v.(float64))
				}
				return nil
			}, "1", nil
		},
	}

	m, err := model.New(specs, loader, nil)
	require.NoError(t, err)
	input := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"x": 1.0},
			map[string]interface{}{"x": 2.0},
			map[string]interface{}{"x": 3.0},
		},
	}
	require.NoError(t, m.SetInput(input))

	resp, err := m.Get([]string{"items[:].y"}, model.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2.0, 4.0, 6.0}, resp["items[:].y"])
	require.Equal(t, 3, invocations)

	resp2, err := m.Get([]string{"items[:].y"}, model.GetOptions{Reuse: model.ReuseCurrent})
	require.NoError(t, err)
	assert.Equal(t, resp, resp2)
	assert.Equal(t, 3, invocations, "repeating the query under ReuseCurrent must not invoke any component")
}
