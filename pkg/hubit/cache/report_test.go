package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsonne/hubit-go/pkg/hubit/cache"
	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

func TestReportNoDiffWhenSnapshotsMatch(t *testing.T) {
	flat := store.Flat{"items.0.x": 1.0, "name": "widget"}
	text, changed, err := cache.Report(flat, flat)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, text)
}

func TestReportDetectsChangedValue(t *testing.T) {
	before := store.Flat{"items.0.x": 1.0}
	after := store.Flat{"items.0.x": 2.0}
	text, changed, err := cache.Report(before, after)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEmpty(t, text)
}
