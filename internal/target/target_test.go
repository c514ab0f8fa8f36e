package target

import (
	"context"
	"testing"

	"github.com/ctessum/sparse"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkforge/chunkforge/internal/storage/local"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	backend, err := local.NewBackend(afero.NewMemMapFs(), "/target")
	require.NoError(t, err)
	return NewStore(backend)
}

func testSchema() *types.Schema {
	return &types.Schema{
		Variables: map[string]types.VariableSchema{
			"tas": {
				Dims:   []string{"time", "lat"},
				DType:  "<f8",
				Shape:  []int{24, 2},
				Chunks: []int{12, 2},
				Attrs:  map[string]string{"units": "K"},
			},
		},
		Attrs: map[string]string{"title": "synthetic"},
	}
}

func chunkPayload(steps, lat int, offset float64) *sparse.DenseArray {
	a := sparse.ZerosDense(steps, lat)
	for i := range a.Elements {
		a.Elements[i] = offset + float64(i)
	}
	return a
}

func TestCreateSchemaAndReadBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSchema(ctx, testSchema()))

	got, err := s.Schema(ctx)
	require.NoError(t, err)
	v := got.Variables["tas"]
	assert.Equal(t, []string{"time", "lat"}, v.Dims)
	assert.Equal(t, []int{24, 2}, v.Shape)
	assert.Equal(t, []int{12, 2}, v.Chunks)
	assert.Equal(t, "<f8", v.DType)
	assert.Equal(t, "K", v.Attrs["units"])
	assert.Equal(t, "synthetic", got.Attrs["title"])
}

func TestCreateSchemaValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.CreateSchema(ctx, &types.Schema{})
	assert.Equal(t, errors.ErrCodeSchemaMismatch, errors.CodeOf(err))

	err = s.CreateSchema(ctx, &types.Schema{Variables: map[string]types.VariableSchema{
		"tas": {Dims: []string{"time"}, DType: "<f4", Shape: []int{4}, Chunks: []int{4}},
	}})
	assert.Equal(t, errors.ErrCodeSchemaMismatch, errors.CodeOf(err))

	err = s.CreateSchema(ctx, &types.Schema{Variables: map[string]types.VariableSchema{
		"tas": {Dims: []string{"time"}, DType: "<f8", Shape: []int{4, 2}, Chunks: []int{4}},
	}})
	assert.Equal(t, errors.ErrCodeSchemaMismatch, errors.CodeOf(err))
}

func TestWriteReadChunkRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSchema(ctx, testSchema()))

	payload := chunkPayload(12, 2, 0)
	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{0}, payload))

	got, err := s.ReadChunk(ctx, "tas", types.ChunkKey{0})
	require.NoError(t, err)
	assert.Equal(t, payload.Shape, got.Shape)
	assert.Equal(t, payload.Elements, got.Elements)
}

func TestWriteChunkShapeValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSchema(ctx, testSchema()))

	err := s.WriteChunk(ctx, "tas", types.ChunkKey{0}, chunkPayload(7, 2, 0))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeWriteFailed, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))

	err = s.WriteChunk(ctx, "tas", types.ChunkKey{5}, chunkPayload(12, 2, 0))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeWriteFailed, errors.CodeOf(err))
}

func TestWriteChunkIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSchema(ctx, testSchema()))

	payload := chunkPayload(12, 2, 42)
	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{1}, payload))
	first, err := s.ReadChunk(ctx, "tas", types.ChunkKey{1})
	require.NoError(t, err)

	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{1}, payload))
	second, err := s.ReadChunk(ctx, "tas", types.ChunkKey{1})
	require.NoError(t, err)
	assert.Equal(t, first.Elements, second.Elements)
}

func TestShortFinalChunk(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	schema := &types.Schema{Variables: map[string]types.VariableSchema{
		"tas": {Dims: []string{"time"}, DType: "<f8", Shape: []int{20}, Chunks: []int{8}},
	}}
	require.NoError(t, s.CreateSchema(ctx, schema))

	// The final chunk holds 4 elements, not 8.
	short := sparse.ZerosDense(4)
	short.Elements = []float64{1, 2, 3, 4}
	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{2}, short))

	got, err := s.ReadChunk(ctx, "tas", types.ChunkKey{2})
	require.NoError(t, err)
	assert.Equal(t, []int{4}, got.Shape)
	assert.Equal(t, short.Elements, got.Elements)
}

func TestHasChunkDetectsPartialWrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	backend, err := local.NewBackend(fs, "/target")
	require.NoError(t, err)
	s := NewStore(backend)
	ctx := context.Background()
	require.NoError(t, s.CreateSchema(ctx, testSchema()))

	ok, err := s.HasChunk(ctx, "tas", types.ChunkKey{0})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{0}, chunkPayload(12, 2, 0)))
	ok, err = s.HasChunk(ctx, "tas", types.ChunkKey{0})
	require.NoError(t, err)
	assert.True(t, ok)

	// Simulate a crash that left partial bytes at the chunk's offset.
	require.NoError(t, backend.PutObject(ctx, "tas/0.0", []byte("partial")))
	ok, err = s.HasChunk(ctx, "tas", types.ChunkKey{0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryAfterPartialWriteRepairsChunk(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSchema(ctx, testSchema()))

	payload := chunkPayload(12, 2, 7)
	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{0}, payload))
	clean, err := s.ReadChunk(ctx, "tas", types.ChunkKey{0})
	require.NoError(t, err)

	// Corrupt the stored chunk, then retry the same write.
	require.NoError(t, s.backend.PutObject(ctx, "tas/0.0", []byte("partial")))
	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{0}, payload))
	repaired, err := s.ReadChunk(ctx, "tas", types.ChunkKey{0})
	require.NoError(t, err)
	assert.Equal(t, clean.Elements, repaired.Elements)
}

func TestReadArrayReassemblesChunks(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSchema(ctx, testSchema()))

	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{0}, chunkPayload(12, 2, 0)))
	require.NoError(t, s.WriteChunk(ctx, "tas", types.ChunkKey{1}, chunkPayload(12, 2, 100)))

	arr, err := s.ReadArray(ctx, "tas")
	require.NoError(t, err)
	require.Equal(t, []int{24, 2}, arr.Shape)
	assert.Equal(t, 0.0, arr.Get(0, 0))
	assert.Equal(t, 23.0, arr.Get(11, 1))
	assert.Equal(t, 100.0, arr.Get(12, 0))
	assert.Equal(t, 123.0, arr.Get(23, 1))
}

func TestConsolidateAndOpen(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSchema(ctx, testSchema()))
	require.NoError(t, s.Consolidate(ctx))

	schema, err := s.OpenConsolidated(ctx)
	require.NoError(t, err)
	v := schema.Variables["tas"]
	assert.Equal(t, []int{24, 2}, v.Shape)
	assert.Equal(t, []string{"time", "lat"}, v.Dims)
	assert.Equal(t, "synthetic", schema.Attrs["title"])

	// Idempotent: a second consolidation leaves the doc readable and
	// equivalent.
	require.NoError(t, s.Consolidate(ctx))
	again, err := s.OpenConsolidated(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema, again)
}

func TestConsolidateWithoutSchema(t *testing.T) {
	s := newStore(t)
	err := s.Consolidate(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}
