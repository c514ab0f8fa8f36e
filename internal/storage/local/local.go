// Package local implements the storage backend and byte-transport opener
// over a local (or in-memory) filesystem.
package local

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	cferrors "github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// Backend stores objects as files under a root directory. Object keys use
// "/" separators and map directly to paths below the root. Writes are
// atomic: data lands in a temp file and is renamed into place, so readers
// never observe partial objects.
type Backend struct {
	fs   afero.Fs
	root string
}

// NewBackend creates a local backend rooted at root, creating the
// directory if needed.
func NewBackend(fs afero.Fs, root string) (*Backend, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, cferrors.Wrap(cferrors.ErrCodeStoreWrite, "failed to create backend root", err)
	}
	return &Backend{fs: fs, root: root}, nil
}

func (b *Backend) objectPath(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// GetObject reads a whole object.
func (b *Backend) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, b.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cferrors.Newf(cferrors.ErrCodeObjectNotFound, "object not found: %s", key)
		}
		return nil, cferrors.Wrap(cferrors.ErrCodeStoreRead, "failed to read object "+key, err)
	}
	return data, nil
}

// PutObject writes a whole object atomically.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := b.objectPath(key)
	if err := b.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return cferrors.Wrap(cferrors.ErrCodeStoreWrite, "failed to create object directory", err)
	}
	tmp := dst + ".tmp"
	if err := afero.WriteFile(b.fs, tmp, data, 0o644); err != nil {
		return cferrors.Wrap(cferrors.ErrCodeStoreWrite, "failed to stage object "+key, err)
	}
	if err := b.fs.Rename(tmp, dst); err != nil {
		_ = b.fs.Remove(tmp)
		return cferrors.Wrap(cferrors.ErrCodeStoreWrite, "failed to commit object "+key, err)
	}
	return nil
}

// DeleteObject removes an object. Deleting a missing object is not an
// error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.fs.Remove(b.objectPath(key)); err != nil && !os.IsNotExist(err) {
		return cferrors.Wrap(cferrors.ErrCodeStoreWrite, "failed to delete object "+key, err)
	}
	return nil
}

// HeadObject returns metadata for an object.
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := b.fs.Stat(b.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cferrors.Newf(cferrors.ErrCodeObjectNotFound, "object not found: %s", key)
		}
		return nil, cferrors.Wrap(cferrors.ErrCodeStoreRead, "failed to stat object "+key, err)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// ListObjects lists object keys below a prefix, in lexical order.
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var objects []types.ObjectInfo
	err := afero.Walk(b.fs, b.root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, types.ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, cferrors.Wrap(cferrors.ErrCodeStoreRead, "failed to list objects", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}
	return objects, nil
}

// Opener opens source files from a filesystem. It is the local
// byte-transport collaborator used by the input cache.
type Opener struct {
	fs afero.Fs
}

// NewOpener creates an Opener. A nil fs defaults to the OS filesystem.
func NewOpener(fs afero.Fs) *Opener {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Opener{fs: fs}
}

// Open opens a source path for reading. The "file://" scheme prefix is
// accepted and stripped.
func (o *Opener) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source = strings.TrimPrefix(source, "file://")
	f, err := o.fs.Open(path.Clean(source))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cferrors.Newf(cferrors.ErrCodeFetchFailed, "source not found: %s", source).
				WithRetryable(false)
		}
		return nil, cferrors.Wrap(cferrors.ErrCodeFetchFailed, "failed to open source "+source, err)
	}
	return f, nil
}
