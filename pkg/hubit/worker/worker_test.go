package worker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsonne/hubit-go/pkg/hubit/component"
	"github.com/mrsonne/hubit-go/pkg/hubit/worker"
)

func doubleEntry() component.Entry {
	return component.Entry{
		ID:      "double",
		Version: "1",
		Fn: func(input, results component.Snapshot, sink component.Sink) error {
			sink.Set("out", input["in"].(int)*2)
			return nil
		},
	}
}

func TestSetValuesReportsMissing(t *testing.T) {
	w := worker.New("double", "out", doubleEntry(),
		[]worker.Binding{{LocalName: "in", Paths: "in"}},
		nil,
		[]worker.Binding{{LocalName: "out", Paths: "out"}},
		false, false)

	missingIn, missingRes := w.SetValues(component.Snapshot{}, component.Snapshot{})
	assert.Equal(t, []string{"in"}, missingIn)
	assert.Empty(t, missingRes)
	assert.False(t, w.Ready())
}

func TestSetValuesThenRunProducesOutput(t *testing.T) {
	w := worker.New("double", "out", doubleEntry(),
		[]worker.Binding{{LocalName: "in", Paths: "in"}},
		nil,
		[]worker.Binding{{LocalName: "out", Paths: "out"}},
		false, false)

	_, _ = w.SetValues(component.Snapshot{"in": 3}, component.Snapshot{})
	require.True(t, w.Ready())
	require.NoError(t, w.Run())
	assert.Equal(t, worker.Completed, w.State())
	assert.Equal(t, 6, w.Outputs()["out"])
}

func TestDeliverClearsPending(t *testing.T) {
	w := worker.New("double", "out", doubleEntry(),
		[]worker.Binding{{LocalName: "in", Paths: "in"}},
		nil, nil, false, false)

	_, _ = w.SetValues(component.Snapshot{}, component.Snapshot{})
	assert.False(t, w.Ready())
	w.Deliver("in", 5)
	assert.True(t, w.Ready())
}

func TestDryrunFillsNulls(t *testing.T) {
	w := worker.New("double", "out", doubleEntry(),
		nil, nil,
		[]worker.Binding{{LocalName: "out", Paths: "out"}},
		true, false)
	require.NoError(t, w.Run())
	v, ok := w.Outputs()["out"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestCacheKeyDeterministicOverConsumedValues(t *testing.T) {
	mk := func() *worker.Worker {
		w := worker.New("double", "out", doubleEntry(),
			[]worker.Binding{{LocalName: "in", Paths: "in"}},
			nil,
			[]worker.Binding{{LocalName: "out", Paths: "out"}},
			false, true)
		_, _ = w.SetValues(component.Snapshot{"in": 3}, component.Snapshot{})
		return w
	}
	k1, err := mk().CacheKey()
	require.NoError(t, err)
	k2, err := mk().CacheKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	w3 := worker.New("double", "out", doubleEntry(),
		[]worker.Binding{{LocalName: "in", Paths: "in"}},
		nil,
		[]worker.Binding{{LocalName: "out", Paths: "out"}},
		false, true)
	_, _ = w3.SetValues(component.Snapshot{"in": 4}, component.Snapshot{})
	k3, err := w3.CacheKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestComponentErrorWraps(t *testing.T) {
	entry := component.Entry{ID: "boom", Fn: func(component.Snapshot, component.Snapshot, component.Sink) error {
		return assert.AnError
	}}
	w := worker.New("boom", "out", entry, nil, nil, nil, false, false)
	err := w.Run()
	assert.Error(t, err)
}
