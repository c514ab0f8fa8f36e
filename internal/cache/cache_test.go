package cache

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/ctessum/sparse"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkforge/chunkforge/internal/dataset"
	"github.com/chunkforge/chunkforge/internal/storage/local"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

func testKey(year string) types.InputKey {
	return types.InputKey{{Dim: "time", Key: year}}
}

// encodeFixture builds NetCDF bytes for a single "tas" variable with the
// given number of time steps.
func encodeFixture(t *testing.T, steps int, offset float64) []byte {
	t.Helper()
	arr := sparse.ZerosDense(steps, 2)
	for i := range arr.Elements {
		arr.Elements[i] = offset + float64(i)
	}
	ds := dataset.New()
	require.NoError(t, ds.AddVar("tas", []string{"time", "lat"}, arr))
	data, err := dataset.Encode(ds)
	require.NoError(t, err)
	return data
}

func newCaches(t *testing.T) (afero.Fs, *InputCache, *MetadataCache) {
	t.Helper()
	fs := afero.NewMemMapFs()
	ic, err := NewInputCache(fs, "/cache/inputs")
	require.NoError(t, err)
	mc, err := NewMetadataCache(fs, "/cache/metadata")
	require.NoError(t, err)
	return fs, ic, mc
}

func TestFetchStoresAndReuses(t *testing.T) {
	fs, ic, _ := newCaches(t)
	ctx := context.Background()
	key := testKey("1980")

	src := encodeFixture(t, 6, 0)
	require.NoError(t, afero.WriteFile(fs, "/data/tas_1980.nc", src, 0o644))
	opener := local.NewOpener(fs)

	assert.False(t, ic.Has(key))
	size, reused, err := ic.Fetch(ctx, key, "/data/tas_1980.nc", opener)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, int64(len(src)), size)
	assert.True(t, ic.Has(key))

	first, err := afero.ReadFile(fs, ic.Path(key))
	require.NoError(t, err)
	assert.Equal(t, src, first)

	// Second fetch is a no-op and leaves the entry byte-identical.
	size2, reused2, err := ic.Fetch(ctx, key, "/data/tas_1980.nc", opener)
	require.NoError(t, err)
	assert.True(t, reused2)
	assert.Equal(t, size, size2)
	second, err := afero.ReadFile(fs, ic.Path(key))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFetchMissingSource(t *testing.T) {
	fs, ic, _ := newCaches(t)
	key := testKey("1980")

	_, _, err := ic.Fetch(context.Background(), key, "/data/nope.nc", local.NewOpener(fs))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeFetchFailed, errors.CodeOf(err))
	// The failure is attributed to the key and leaves no entry behind.
	re := &errors.RecipeError{}
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "time=1980", re.InputKey)
	assert.False(t, ic.Has(key))
}

type failingOpener struct{}

func (failingOpener) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	return io.NopCloser(&failingReader{}), nil
}

type failingReader struct{}

func (*failingReader) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestFetchStreamFailureLeavesNoEntry(t *testing.T) {
	_, ic, _ := newCaches(t)
	key := testKey("1980")

	_, _, err := ic.Fetch(context.Background(), key, "src", failingOpener{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeFetchFailed, errors.CodeOf(err))
	assert.False(t, ic.Has(key))

	// The staging file is cleaned up too.
	_, err = ic.Size(key)
	assert.Equal(t, errors.ErrCodeObjectNotFound, errors.CodeOf(err))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fs, ic, _ := newCaches(t)
	ctx := context.Background()
	key := testKey("1980")
	opener := local.NewOpener(fs)

	require.NoError(t, afero.WriteFile(fs, "/data/a.nc", []byte("v1"), 0o644))
	_, _, err := ic.Fetch(ctx, key, "/data/a.nc", opener)
	require.NoError(t, err)

	require.NoError(t, ic.Invalidate(key))
	require.NoError(t, afero.WriteFile(fs, "/data/a.nc", []byte("v2 longer"), 0o644))
	size, reused, err := ic.Fetch(ctx, key, "/data/a.nc", opener)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, int64(len("v2 longer")), size)
}

func TestEntryPathsAreStableAndSharded(t *testing.T) {
	_, ic, _ := newCaches(t)
	key := testKey("1980")

	p1 := ic.Path(key)
	p2 := ic.Path(types.InputKey{{Dim: "time", Key: "1980"}})
	assert.Equal(t, p1, p2)
	assert.True(t, strings.HasSuffix(p1, ".nc"))

	// Shard directory is the hash's first two hex digits.
	rel := strings.TrimPrefix(p1, "/cache/inputs/")
	parts := strings.Split(rel, "/")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 2)
	assert.True(t, strings.HasPrefix(parts[1], parts[0]))
}

func TestScanRecordsStructure(t *testing.T) {
	_, _, mc := newCaches(t)
	key := testKey("1980")
	data := encodeFixture(t, 6, 0)

	meta, err := mc.Scan(key, bytes.NewReader(data), int64(len(data)), "time")
	require.NoError(t, err)
	assert.Equal(t, 6, meta.ConcatLen)
	assert.Equal(t, map[string]int{"time": 6, "lat": 2}, meta.DimLens)
	assert.Equal(t, []string{"tas"}, meta.Variables)
	assert.True(t, mc.Has(key))

	got, err := mc.Get(key)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	// The empty attribute map survives the JSON round trip as a map,
	// not as nil.
	assert.NotNil(t, got.Attrs)
}

func TestScanIsIdempotent(t *testing.T) {
	_, _, mc := newCaches(t)
	key := testKey("1980")
	data := encodeFixture(t, 6, 0)

	_, err := mc.Scan(key, bytes.NewReader(data), int64(len(data)), "time")
	require.NoError(t, err)

	// A rescan never reopens the bytes: a garbage reader still succeeds.
	meta, err := mc.Scan(key, strings.NewReader("garbage"), 7, "time")
	require.NoError(t, err)
	assert.Equal(t, 6, meta.ConcatLen)
}

func TestScanUnreadableInput(t *testing.T) {
	_, _, mc := newCaches(t)
	key := testKey("1980")

	_, err := mc.Scan(key, strings.NewReader("garbage"), 7, "time")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeScanFailed, errors.CodeOf(err))
	assert.False(t, mc.Has(key))
}

func TestScanMissingConcatDim(t *testing.T) {
	_, _, mc := newCaches(t)
	key := testKey("1980")
	data := encodeFixture(t, 6, 0)

	_, err := mc.Scan(key, bytes.NewReader(data), int64(len(data)), "depth")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeScanFailed, errors.CodeOf(err))
}

func TestGetBeforeScan(t *testing.T) {
	_, _, mc := newCaches(t)

	_, err := mc.Get(testKey("1980"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeScanIncomplete, errors.CodeOf(err))
}
