package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkforge/chunkforge/internal/cache"
	"github.com/chunkforge/chunkforge/internal/dataset"
	"github.com/chunkforge/chunkforge/internal/storage/local"
)

func writeSource(t *testing.T, path string, steps int) {
	t.Helper()
	ds := dataset.New()
	a := sparse.ZerosDense(steps, 2)
	for i := range a.Elements {
		a.Elements[i] = float64(i)
	}
	require.NoError(t, ds.AddVar("tas", []string{"time", "lat"}, a))
	data, err := dataset.Encode(ds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// status is a probe: it must never create schema documents or chunk
// objects in the target store, whatever state the run is in.
func TestStatusWritesNothingToTarget(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	writeSource(t, filepath.Join(dataDir, "tas_1980.nc"), 6)
	writeSource(t, filepath.Join(dataDir, "tas_1981.nc"), 18)

	cfgPath := filepath.Join(dir, "chunkforge.yaml")
	cfgYAML := fmt.Sprintf(`
recipe:
  path_template: %q
  dimensions:
    - name: time
      kind: concat
      keys: ["1980", "1981"]
  chunk_sizes:
    time: 12
cache:
  dir: %q
target:
  backend: local
  dir: %q
`, filepath.Join(dataDir, "tas_{time}.nc"), filepath.Join(dir, "cache"), filepath.Join(dir, "target.zarr"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))
	require.NoError(t, startup(cfgPath))

	// Stage every input and its metadata, as an interrupted run would
	// have left them.
	ctx := context.Background()
	fs := afero.NewOsFs()
	inputs, err := cache.NewInputCache(fs, filepath.Join(Config.Cache.Dir, "inputs"))
	require.NoError(t, err)
	meta, err := cache.NewMetadataCache(fs, filepath.Join(Config.Cache.Dir, "meta"))
	require.NoError(t, err)
	opener := local.NewOpener(fs)
	p, err := buildPattern(Config)
	require.NoError(t, err)
	for _, k := range p.Keys() {
		src, err := p.PathFor(k)
		require.NoError(t, err)
		_, _, err = inputs.Fetch(ctx, k, src, opener)
		require.NoError(t, err)
		f, err := inputs.Open(k)
		require.NoError(t, err)
		size, err := inputs.Size(k)
		require.NoError(t, err)
		_, err = meta.Scan(k, f, size, "time")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	statusCmd.SetContext(ctx)
	require.NoError(t, statusCmd.RunE(statusCmd, nil))

	entries, err := os.ReadDir(Config.Target.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
