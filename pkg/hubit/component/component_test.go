package component_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsonne/hubit-go/pkg/hubit/component"
)

func dummyCallable(component.Snapshot, component.Snapshot, component.Sink) error { return nil }

func TestMapLoaderLoad(t *testing.T) {
	loader := component.MapLoader{
		"comp-a": func(id string) (component.Callable, string, error) {
			return dummyCallable, "v1", nil
		},
	}
	e, err := loader.Load("comp-a", "out[IDX].x", []string{"in[IDX].y"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", e.Version)
	assert.Equal(t, "out[IDX].x", e.Provides)
}

func TestMapLoaderMissing(t *testing.T) {
	loader := component.MapLoader{}
	_, err := loader.Load("missing", "out", nil, nil)
	assert.Error(t, err)
}

func TestRegistryByPathAndDuplicates(t *testing.T) {
	r := component.NewRegistry()
	r.Register(component.Entry{ID: "a", Provides: "out.x"})
	r.Register(component.Entry{ID: "b", Provides: "out.y"})

	_, ok := r.ByPath("out.x")
	assert.True(t, ok)
	assert.Equal(t, []string{"out.x", "out.y"}, r.ProviderPaths())

	dups := r.Duplicates([]component.Entry{
		{ID: "a", Provides: "out.x"},
		{ID: "c", Provides: "out.x"},
	})
	assert.Equal(t, []string{"a", "c"}, dups["out.x"])
}
