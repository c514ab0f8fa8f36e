package planner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkforge/chunkforge/internal/pattern"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// mapMeta is an in-memory MetaGetter keyed by the InputKey string form.
type mapMeta map[string]*types.InputMetadata

func (m mapMeta) Has(key types.InputKey) bool {
	_, ok := m[key.String()]
	return ok
}

func (m mapMeta) Get(key types.InputKey) (*types.InputMetadata, error) {
	meta, ok := m[key.String()]
	if !ok {
		return nil, errors.New(errors.ErrCodeScanIncomplete, "input not scanned").
			WithInputKey(key.String())
	}
	return meta, nil
}

func timePattern(t *testing.T, itemsPerKey int, keys ...string) *pattern.FilePattern {
	t.Helper()
	p, err := pattern.New(
		func(v map[string]string) string { return fmt.Sprintf("/data/%s.nc", v["time"]) },
		types.Dimension{Name: "time", Kind: types.Concat, Keys: keys, ItemsPerKey: itemsPerKey},
	)
	require.NoError(t, err)
	return p
}

func scanned(lens map[string]int) mapMeta {
	m := make(mapMeta, len(lens))
	for key, n := range lens {
		m["time="+key] = &types.InputMetadata{ConcatLen: n, DimLens: map[string]int{"time": n}}
	}
	return m
}

// requirePartition asserts the chunk ranges cover [0, total) exactly,
// in ascending order with no gaps or overlaps.
func requirePartition(t *testing.T, plan *Plan) {
	t.Helper()
	next := 0
	for i, c := range plan.Chunks {
		assert.Equal(t, types.ChunkKey{i}, c.Key)
		require.Equal(t, next, c.Start, "gap or overlap before chunk %d", i)
		require.Greater(t, c.Stop, c.Start)
		next = c.Stop
	}
	require.Equal(t, plan.TotalLen, next)
}

func TestPlanFromScannedSizes(t *testing.T) {
	p := timePattern(t, 0, "1980", "1981")
	pl := New(p, scanned(map[string]int{"1980": 6, "1981": 18}))

	plan, err := pl.Plan(map[string]int{"time": 12})
	require.NoError(t, err)
	assert.Equal(t, 24, plan.TotalLen)
	assert.Equal(t, 12, plan.ChunkLen)
	require.Len(t, plan.Chunks, 2)
	requirePartition(t, plan)

	// Chunk 0 needs all of 1980 and the first 6 steps of 1981.
	c0 := plan.Chunks[0]
	require.Len(t, c0.Inputs, 2)
	assert.Equal(t, "1980", c0.Inputs[0].ConcatKey)
	assert.Equal(t, 0, c0.Inputs[0].InputStart)
	assert.Equal(t, 6, c0.Inputs[0].InputStop)
	assert.Equal(t, 0, c0.Inputs[0].TargetOffset)
	assert.Equal(t, "1981", c0.Inputs[1].ConcatKey)
	assert.Equal(t, 0, c0.Inputs[1].InputStart)
	assert.Equal(t, 6, c0.Inputs[1].InputStop)
	assert.Equal(t, 6, c0.Inputs[1].TargetOffset)

	// Chunk 1 needs the rest of 1981.
	c1 := plan.Chunks[1]
	require.Len(t, c1.Inputs, 1)
	assert.Equal(t, "1981", c1.Inputs[0].ConcatKey)
	assert.Equal(t, 6, c1.Inputs[0].InputStart)
	assert.Equal(t, 18, c1.Inputs[0].InputStop)
	assert.Equal(t, 12, c1.Inputs[0].TargetOffset)
}

func TestPlanOneLargeInputSpansChunks(t *testing.T) {
	p := timePattern(t, 0, "all")
	pl := New(p, scanned(map[string]int{"all": 20}))

	plan, err := pl.Plan(map[string]int{"time": 8})
	require.NoError(t, err)
	require.Len(t, plan.Chunks, 3)
	requirePartition(t, plan)

	// Each chunk slices the single input by offset; the final short chunk
	// takes the remainder.
	assert.Equal(t, 0, plan.Chunks[0].Inputs[0].InputStart)
	assert.Equal(t, 8, plan.Chunks[0].Inputs[0].InputStop)
	assert.Equal(t, 8, plan.Chunks[1].Inputs[0].InputStart)
	assert.Equal(t, 16, plan.Chunks[1].Inputs[0].InputStop)
	assert.Equal(t, 16, plan.Chunks[2].Inputs[0].InputStart)
	assert.Equal(t, 20, plan.Chunks[2].Inputs[0].InputStop)
	assert.Equal(t, 16, plan.Chunks[2].Start)
	assert.Equal(t, 20, plan.Chunks[2].Stop)
}

func TestPlanFromDeclaredItemsPerKey(t *testing.T) {
	p := timePattern(t, 12, "1980", "1981", "1982")
	pl := New(p, nil)

	plan, err := pl.Plan(map[string]int{"time": 10})
	require.NoError(t, err)
	assert.Equal(t, 36, plan.TotalLen)
	require.Len(t, plan.Chunks, 4)
	requirePartition(t, plan)
}

func TestPlanBarrierUnscannedInputs(t *testing.T) {
	p := timePattern(t, 0, "1980", "1981")
	pl := New(p, scanned(map[string]int{"1980": 6}))

	_, err := pl.Plan(map[string]int{"time": 12})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeScanIncomplete, errors.CodeOf(err))

	// No metadata at all fails the same way.
	_, err = New(p, nil).Plan(map[string]int{"time": 12})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeScanIncomplete, errors.CodeOf(err))
}

func TestPlanDeclaredSizeConflict(t *testing.T) {
	p := timePattern(t, 12, "1980")
	pl := New(p, scanned(map[string]int{"1980": 6}))

	_, err := pl.Plan(map[string]int{"time": 12})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSizeMismatch, errors.CodeOf(err))
}

func TestPlanMergeSiblingSizeConflict(t *testing.T) {
	p, err := pattern.New(
		func(v map[string]string) string { return v["variable"] + v["time"] },
		types.Dimension{Name: "variable", Kind: types.Merge, Keys: []string{"tas", "pr"}},
		types.Dimension{Name: "time", Kind: types.Concat, Keys: []string{"1980"}},
	)
	require.NoError(t, err)

	meta := mapMeta{
		"variable=tas;time=1980": {ConcatLen: 6},
		"variable=pr;time=1980":  {ConcatLen: 7},
	}
	_, err = New(p, meta).Plan(map[string]int{"time": 6})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSizeMismatch, errors.CodeOf(err))
}

func TestPlanCrossesMergeKeys(t *testing.T) {
	p, err := pattern.New(
		func(v map[string]string) string { return v["variable"] + v["time"] },
		types.Dimension{Name: "variable", Kind: types.Merge, Keys: []string{"tas", "pr"}},
		types.Dimension{Name: "time", Kind: types.Concat, Keys: []string{"1980"}},
	)
	require.NoError(t, err)

	meta := mapMeta{
		"variable=tas;time=1980": {ConcatLen: 6},
		"variable=pr;time=1980":  {ConcatLen: 6},
	}
	plan, err := New(p, meta).Plan(map[string]int{"time": 6})
	require.NoError(t, err)
	require.Len(t, plan.Chunks, 1)

	// Every chunk carries all merge keys for its concat range.
	slice := plan.Chunks[0].Inputs[0]
	require.Len(t, slice.Keys, 2)
	assert.Equal(t, "variable=tas;time=1980", slice.Keys[0].String())
	assert.Equal(t, "variable=pr;time=1980", slice.Keys[1].String())
}

func TestPlanConfigErrors(t *testing.T) {
	p := timePattern(t, 12, "1980")

	_, err := New(p, nil).Plan(map[string]int{})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))

	_, err = New(p, nil).Plan(map[string]int{"time": 0})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))

	mergeOnly, err := pattern.New(
		func(v map[string]string) string { return v["variable"] },
		types.Dimension{Name: "variable", Kind: types.Merge, Keys: []string{"tas"}},
	)
	require.NoError(t, err)
	_, err = New(mergeOnly, nil).Plan(map[string]int{"time": 6})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestChunkLookup(t *testing.T) {
	p := timePattern(t, 12, "1980", "1981")
	plan, err := New(p, nil).Plan(map[string]int{"time": 12})
	require.NoError(t, err)

	c, ok := plan.Chunk(types.ChunkKey{1})
	require.True(t, ok)
	assert.Equal(t, 12, c.Start)

	_, ok = plan.Chunk(types.ChunkKey{9})
	assert.False(t, ok)
}

func TestChunkSizeForBytes(t *testing.T) {
	// 1 MiB budget, float64 elements, 10x10 non-chunked extent:
	// 1048576 / (8*100) = 1310 elements.
	assert.Equal(t, 1310, ChunkSizeForBytes(1<<20, 8, []int{10, 10}))
	// Budget smaller than one row still yields 1.
	assert.Equal(t, 1, ChunkSizeForBytes(100, 8, []int{100}))
	assert.Equal(t, 1, ChunkSizeForBytes(0, 8, nil))
}