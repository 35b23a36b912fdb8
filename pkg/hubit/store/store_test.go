package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

func TestFlattenInflateRoundTrip(t *testing.T) {
	// Property 1 from spec.md §8: inflate(flatten(x)) == x
	in := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"x": 1},
			map[string]interface{}{"x": 2},
			map[string]interface{}{"x": 3},
		},
		"in": 3,
	}
	flat := store.Flatten(in, nil)
	require.Contains(t, flat, "items.0.x")
	assert.Equal(t, 1, flat["items.0.x"])
	assert.Equal(t, 3, flat["in"])

	got := store.Inflate(flat)
	assert.Equal(t, in, got)
}

func TestStoreSetGet(t *testing.T) {
	s := store.New(nil)
	assert.False(t, s.Has("a.b"))
	s.Set("a.b", 42)
	v, ok := s.Get("a.b")
	require.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, s.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := store.New(store.Flat{"a": 1})
	snap := s.Snapshot()
	s.Set("b", 2)
	_, ok := snap["b"]
	assert.False(t, ok)
}

func TestStopAt(t *testing.T) {
	in := map[string]interface{}{
		"meta": map[string]interface{}{"opaque": true, "k": 1},
		"a":    1,
	}
	flat := store.Flatten(in, store.StopAt{"meta"})
	assert.Equal(t, 2, len(flat))
	v, ok := flat["meta"]
	require.True(t, ok)
	assert.Equal(t, true, v.(map[string]interface{})["opaque"])
}
