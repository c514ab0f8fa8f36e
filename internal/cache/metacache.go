package cache

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/ctessum/cdf"
	"github.com/spf13/afero"

	"github.com/chunkforge/chunkforge/internal/dataset"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// MetadataCache records the structural facts of each scanned input as a
// JSON entry. Entries are immutable once written; re-scanning a cached
// key returns the stored value without touching the input bytes.
type MetadataCache struct {
	fs   afero.Fs
	root string
}

// NewMetadataCache creates a metadata cache rooted at root.
func NewMetadataCache(fs afero.Fs, root string) (*MetadataCache, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWrite, "failed to create metadata cache root", err)
	}
	return &MetadataCache{fs: fs, root: root}, nil
}

func (m *MetadataCache) entryPath(key types.InputKey) string {
	return filepath.Join(m.root, entryName(key, ".json"))
}

// Has reports whether the key has been scanned.
func (m *MetadataCache) Has(key types.InputKey) bool {
	_, err := m.fs.Stat(m.entryPath(key))
	return err == nil
}

// Get returns the stored metadata for a scanned key.
func (m *MetadataCache) Get(key types.InputKey) (*types.InputMetadata, error) {
	data, err := afero.ReadFile(m.fs, m.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrCodeScanIncomplete, "input not scanned").
				WithInputKey(key.String())
		}
		return nil, errors.Wrap(errors.ErrCodeStoreRead, "failed to read metadata entry", err).
			WithInputKey(key.String())
	}
	var meta types.InputMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(errors.ErrCodeScanFailed, "corrupt metadata entry", err).
			WithInputKey(key.String())
	}
	return &meta, nil
}

// Scan inspects the header of a cached input and stores its structure,
// without reading array payloads. size is the input's byte size, needed
// to count records when the concat dimension is the file's record
// dimension. Scanning an already-scanned key is a cheap no-op.
func (m *MetadataCache) Scan(key types.InputKey, r io.Reader, size int64, concatDim string) (*types.InputMetadata, error) {
	if m.Has(key) {
		return m.Get(key)
	}

	h, err := cdf.ReadHeader(r)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeScanFailed, "unreadable file structure", err).
			WithInputKey(key.String())
	}

	dims := h.Dimensions("")
	lengths := h.Lengths("")
	meta := &types.InputMetadata{
		DimLens:   make(map[string]int, len(dims)),
		Variables: h.Variables(),
		Attrs:     make(map[string]string),
	}
	for i, d := range dims {
		n := lengths[i]
		if n == 0 {
			// Record dimension: length lives in the file size.
			n = int(h.NumRecs(size))
		}
		meta.DimLens[d] = n
	}
	for _, a := range h.Attributes("") {
		meta.Attrs[a] = dataset.AttrString(h.GetAttribute("", a))
	}

	if concatDim != "" {
		n, ok := meta.DimLens[concatDim]
		if !ok {
			return nil, errors.Newf(errors.ErrCodeScanFailed,
				"input has no dimension %q", concatDim).WithInputKey(key.String())
		}
		meta.ConcatLen = n
	}

	if err := m.put(key, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// put writes a metadata entry atomically.
func (m *MetadataCache) put(key types.InputKey, meta *types.InputMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode metadata", err).
			WithInputKey(key.String())
	}
	dst := m.entryPath(key)
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to create metadata shard", err).
			WithInputKey(key.String())
	}
	tmp := dst + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to stage metadata entry", err).
			WithInputKey(key.String())
	}
	if err := m.fs.Rename(tmp, dst); err != nil {
		_ = m.fs.Remove(tmp)
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to commit metadata entry", err).
			WithInputKey(key.String())
	}
	return nil
}
