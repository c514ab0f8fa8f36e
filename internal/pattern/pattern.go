// Package pattern implements the combinatorial index mapping combination
// dimension keys to source file identifiers.
package pattern

import (
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// PathFunc maps the key values of one input, keyed by dimension name, to
// a source identifier (a local path, an s3:// URL, ...). It must be pure:
// the same values always yield the same identifier.
type PathFunc func(values map[string]string) string

// FilePattern declares how many source files compose one logical dataset.
// It is immutable after construction and safe for concurrent use.
type FilePattern struct {
	dims     []types.Dimension
	makePath PathFunc
}

// New validates the combination dimensions and builds a FilePattern.
// Dimension order is fixed and defines the axes of the input index.
func New(makePath PathFunc, dims ...types.Dimension) (*FilePattern, error) {
	if makePath == nil {
		return nil, errors.New(errors.ErrCodePatternInvalid, "path function cannot be nil")
	}
	if len(dims) == 0 {
		return nil, errors.New(errors.ErrCodePatternInvalid, "pattern needs at least one combination dimension")
	}
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		if d.Name == "" {
			return nil, errors.New(errors.ErrCodePatternInvalid, "dimension name cannot be empty")
		}
		if seen[d.Name] {
			return nil, errors.Newf(errors.ErrCodePatternInvalid, "duplicate dimension %q", d.Name)
		}
		seen[d.Name] = true
		if len(d.Keys) == 0 {
			return nil, errors.Newf(errors.ErrCodePatternInvalid, "dimension %q has no keys", d.Name)
		}
		keys := make(map[string]bool, len(d.Keys))
		for _, k := range d.Keys {
			if keys[k] {
				return nil, errors.Newf(errors.ErrCodePatternInvalid, "dimension %q has duplicate key %q", d.Name, k)
			}
			keys[k] = true
		}
		if d.ItemsPerKey < 0 {
			return nil, errors.Newf(errors.ErrCodePatternInvalid, "dimension %q has negative items_per_key", d.Name)
		}
	}
	ds := make([]types.Dimension, len(dims))
	copy(ds, dims)
	return &FilePattern{dims: ds, makePath: makePath}, nil
}

// Dims returns the combination dimensions in declared order.
func (p *FilePattern) Dims() []types.Dimension {
	return p.dims
}

// Dim returns the named dimension.
func (p *FilePattern) Dim(name string) (types.Dimension, bool) {
	for _, d := range p.dims {
		if d.Name == name {
			return d, true
		}
	}
	return types.Dimension{}, false
}

// ConcatDims returns the concat dimensions in declared order.
func (p *FilePattern) ConcatDims() []types.Dimension {
	var out []types.Dimension
	for _, d := range p.dims {
		if d.Kind == types.Concat {
			out = append(out, d)
		}
	}
	return out
}

// MergeDims returns the merge dimensions in declared order.
func (p *FilePattern) MergeDims() []types.Dimension {
	var out []types.Dimension
	for _, d := range p.dims {
		if d.Kind == types.Merge {
			out = append(out, d)
		}
	}
	return out
}

// NumInputs returns the size of the cartesian product of all dimensions'
// keys.
func (p *FilePattern) NumInputs() int {
	n := 1
	for _, d := range p.dims {
		n *= len(d.Keys)
	}
	return n
}

// Keys enumerates every InputKey of the pattern in a fixed, reproducible
// order: the cartesian product of the dimensions' keys with the first
// declared dimension outermost and the last varying fastest.
func (p *FilePattern) Keys() []types.InputKey {
	keys := make([]types.InputKey, 0, p.NumInputs())
	indices := make([]int, len(p.dims))
	for {
		key := make(types.InputKey, len(p.dims))
		for i, d := range p.dims {
			key[i] = types.KeyEntry{Dim: d.Name, Key: d.Keys[indices[i]]}
		}
		keys = append(keys, key)

		// Advance the odometer, last dimension fastest.
		i := len(indices) - 1
		for i >= 0 {
			indices[i]++
			if indices[i] < len(p.dims[i].Keys) {
				break
			}
			indices[i] = 0
			i--
		}
		if i < 0 {
			return keys
		}
	}
}

// PathFor maps an InputKey to its source identifier. The key must carry
// one entry for every declared dimension, with a key value the dimension
// declares.
func (p *FilePattern) PathFor(key types.InputKey) (string, error) {
	values := make(map[string]string, len(p.dims))
	for _, d := range p.dims {
		v, ok := key.Value(d.Name)
		if !ok {
			return "", errors.Newf(errors.ErrCodePatternKeyMissing,
				"key has no entry for dimension %q", d.Name).WithInputKey(key.String())
		}
		found := false
		for _, k := range d.Keys {
			if k == v {
				found = true
				break
			}
		}
		if !found {
			return "", errors.Newf(errors.ErrCodePatternKeyMissing,
				"dimension %q does not declare key %q", d.Name, v).WithInputKey(key.String())
		}
		values[d.Name] = v
	}
	return p.makePath(values), nil
}

// NeedsScan reports whether planning requires a metadata scan: true when
// any concat dimension lacks a declared per-key item count.
func (p *FilePattern) NeedsScan() bool {
	for _, d := range p.dims {
		if d.Kind == types.Concat && d.ItemsPerKey == 0 {
			return true
		}
	}
	return false
}
