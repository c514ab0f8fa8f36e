// Package cache implements the two staging stores of a recipe run: the
// input cache holding raw source-file bytes and the metadata cache holding
// per-input structural facts discovered by scanning.
//
// Both caches address entries by hashing the InputKey's canonical string,
// sharded into subdirectories by the first two hex digits so large runs do
// not pile every entry into one directory.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// entryName returns the sharded relative path for a key with the given
// extension, e.g. "a3/a3f21c09d4e88b17.nc". The key's string form is
// stable across processes, so cache entries survive restarts.
func entryName(key types.InputKey, ext string) string {
	sum := fmt.Sprintf("%016x", xxhash.Sum64String(key.String()))
	return filepath.Join(sum[:2], sum+ext)
}

// InputCache stages raw source-file bytes, one entry per InputKey.
// Entries are write-once: a fetch finding an existing entry reuses it.
type InputCache struct {
	fs   afero.Fs
	root string
}

// NewInputCache creates an input cache rooted at root.
func NewInputCache(fs afero.Fs, root string) (*InputCache, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWrite, "failed to create input cache root", err)
	}
	return &InputCache{fs: fs, root: root}, nil
}

// Path returns the absolute cache path for a key, whether or not the
// entry exists.
func (c *InputCache) Path(key types.InputKey) string {
	return filepath.Join(c.root, entryName(key, ".nc"))
}

// Has reports whether the key's bytes are already cached.
func (c *InputCache) Has(key types.InputKey) bool {
	_, err := c.fs.Stat(c.Path(key))
	return err == nil
}

// Size returns the byte size of a cached entry.
func (c *InputCache) Size(key types.InputKey) (int64, error) {
	info, err := c.fs.Stat(c.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Newf(errors.ErrCodeObjectNotFound, "input not cached").
				WithInputKey(key.String())
		}
		return 0, errors.Wrap(errors.ErrCodeStoreRead, "failed to stat cache entry", err).
			WithInputKey(key.String())
	}
	return info.Size(), nil
}

// Fetch streams the source into the cache entry for key. If the entry
// already exists the fetch is a no-op and reused is true. The entry is
// staged to a temp file and renamed into place, so a crash mid-fetch
// never leaves a partial entry visible.
func (c *InputCache) Fetch(ctx context.Context, key types.InputKey, source string, opener types.Opener) (size int64, reused bool, err error) {
	dst := c.Path(key)
	if info, statErr := c.fs.Stat(dst); statErr == nil {
		return info.Size(), true, nil
	}

	src, err := opener.Open(ctx, source)
	if err != nil {
		return 0, false, attribute(err, key)
	}
	defer src.Close()

	if err := c.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, false, errors.Wrap(errors.ErrCodeStoreWrite, "failed to create cache shard", err).
			WithInputKey(key.String())
	}

	tmp := dst + ".tmp"
	f, err := c.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, false, errors.Wrap(errors.ErrCodeStoreWrite, "failed to stage cache entry", err).
			WithInputKey(key.String())
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.fs.Remove(tmp)
		return 0, false, errors.Wrap(errors.ErrCodeFetchFailed, "failed to stream source "+source, err).
			WithInputKey(key.String())
	}
	if err := c.fs.Rename(tmp, dst); err != nil {
		_ = c.fs.Remove(tmp)
		return 0, false, errors.Wrap(errors.ErrCodeStoreWrite, "failed to commit cache entry", err).
			WithInputKey(key.String())
	}
	return n, false, nil
}

// Open opens a cached entry for reading. The returned file supports
// ReadAt, as required by the NetCDF decoder.
func (c *InputCache) Open(key types.InputKey) (afero.File, error) {
	f, err := c.fs.Open(c.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrCodeObjectNotFound, "input not cached").
				WithInputKey(key.String())
		}
		return nil, errors.Wrap(errors.ErrCodeStoreRead, "failed to open cache entry", err).
			WithInputKey(key.String())
	}
	return f, nil
}

// Invalidate removes a cached entry so the next Fetch refreshes it.
func (c *InputCache) Invalidate(key types.InputKey) error {
	if err := c.fs.Remove(c.Path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to remove cache entry", err).
			WithInputKey(key.String())
	}
	return nil
}

// attribute tags a structured error with the failing key, leaving other
// errors untouched.
func attribute(err error, key types.InputKey) error {
	if re, ok := err.(*errors.RecipeError); ok && re.InputKey == "" {
		return re.WithInputKey(key.String())
	}
	return err
}
