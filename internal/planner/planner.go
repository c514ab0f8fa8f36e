// Package planner computes the target chunk layout before any chunk is
// written: total concat-axis length from declared or scanned per-input
// sizes, the partition of that axis into fixed-size chunks, and the map
// from each chunk back to the input slices it needs.
package planner

import (
	"github.com/chunkforge/chunkforge/internal/pattern"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// MetaGetter supplies scanned metadata per input. Lookups of unscanned
// keys fail with a scan-incomplete error.
type MetaGetter interface {
	Has(key types.InputKey) bool
	Get(key types.InputKey) (*types.InputMetadata, error)
}

// InputSlice names the portion of one concat key's data a chunk needs.
// Keys lists the merge-crossed InputKeys sharing that concat key, in the
// pattern's merge-key order; every one of them contributes variables to
// the same element range.
type InputSlice struct {
	ConcatKey string
	Keys      []types.InputKey

	// InputStart and InputStop bound the half-open element range within
	// the input along the concat axis.
	InputStart int
	InputStop  int

	// TargetOffset is the global element index where InputStart lands.
	TargetOffset int
}

// ChunkSpec is one planned target chunk: its half-open global range along
// the concat axis and the ordered input slices composing it.
type ChunkSpec struct {
	Key    types.ChunkKey
	Start  int
	Stop   int
	Inputs []InputSlice
}

// Plan is the complete chunk layout of one recipe run.
type Plan struct {
	ConcatDim string
	TotalLen  int
	ChunkLen  int
	Chunks    []ChunkSpec
}

// NumChunks returns the number of planned chunks.
func (p *Plan) NumChunks() int { return len(p.Chunks) }

// Chunk returns the ChunkSpec for a chunk key.
func (p *Plan) Chunk(key types.ChunkKey) (*ChunkSpec, bool) {
	for i := range p.Chunks {
		if p.Chunks[i].Key.Equal(key) {
			return &p.Chunks[i], true
		}
	}
	return nil, false
}

// Planner derives chunk layouts for one file pattern.
type Planner struct {
	pattern *pattern.FilePattern
	meta    MetaGetter
}

// New creates a Planner. meta may be nil when every concat dimension
// declares its per-key item count.
func New(p *pattern.FilePattern, meta MetaGetter) *Planner {
	return &Planner{pattern: p, meta: meta}
}

// concatDim returns the pattern's single concat dimension. One concat
// axis is supported; merge dimensions are unrestricted.
func (pl *Planner) concatDim() (types.Dimension, error) {
	concat := pl.pattern.ConcatDims()
	switch len(concat) {
	case 1:
		return concat[0], nil
	case 0:
		return types.Dimension{}, errors.New(errors.ErrCodeInvalidConfig,
			"pattern has no concat dimension")
	default:
		return types.Dimension{}, errors.Newf(errors.ErrCodeInvalidConfig,
			"pattern has %d concat dimensions, only one is supported", len(concat))
	}
}

// mergeKeysFor lists the InputKeys sharing one concat key, in the
// pattern's enumeration order.
func (pl *Planner) mergeKeysFor(dim types.Dimension, concatKey string) []types.InputKey {
	var keys []types.InputKey
	for _, k := range pl.pattern.Keys() {
		if v, ok := k.Value(dim.Name); ok && v == concatKey {
			keys = append(keys, k)
		}
	}
	return keys
}

// Extents determines the per-key element counts along the concat axis.
// Declared counts are used as-is; undeclared counts require every
// merge-crossed input of the key to be scanned, and all of them must
// agree. A scanned size disagreeing with a declared count, or with a
// sibling merge key's size, is a fatal size conflict, never silently
// reconciled.
func (pl *Planner) Extents() (dim types.Dimension, perKey []int, total int, err error) {
	dim, err = pl.concatDim()
	if err != nil {
		return dim, nil, 0, err
	}

	perKey = make([]int, len(dim.Keys))
	for i, ck := range dim.Keys {
		declared := dim.ItemsPerKey
		size := declared
		for _, ik := range pl.mergeKeysFor(dim, ck) {
			if pl.meta == nil || !pl.meta.Has(ik) {
				if declared > 0 {
					continue
				}
				return dim, nil, 0, errors.Newf(errors.ErrCodeScanIncomplete,
					"cannot plan: input not scanned").WithInputKey(ik.String())
			}
			meta, gerr := pl.meta.Get(ik)
			if gerr != nil {
				return dim, nil, 0, gerr
			}
			switch {
			case size == 0:
				size = meta.ConcatLen
			case meta.ConcatLen != size:
				return dim, nil, 0, errors.Newf(errors.ErrCodeSizeMismatch,
					"input has %d elements along %q, expected %d",
					meta.ConcatLen, dim.Name, size).WithInputKey(ik.String())
			}
		}
		if size <= 0 {
			return dim, nil, 0, errors.Newf(errors.ErrCodeScanIncomplete,
				"no size known for concat key %q", ck)
		}
		perKey[i] = size
		total += size
	}
	return dim, perKey, total, nil
}

// Plan partitions the concat axis into chunks of chunkLen elements (the
// final chunk may be shorter) and maps each chunk to the input slices
// whose data intersects its range. The chunk ranges partition
// [0, total) exactly.
func (pl *Planner) Plan(chunkSizes map[string]int) (*Plan, error) {
	dim, perKey, total, err := pl.Extents()
	if err != nil {
		return nil, err
	}

	chunkLen, ok := chunkSizes[dim.Name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"no target chunk size for dimension %q", dim.Name)
	}
	if chunkLen < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"target chunk size for %q must be at least 1, got %d", dim.Name, chunkLen)
	}

	// Global start offset of each concat key.
	offsets := make([]int, len(perKey))
	off := 0
	for i, n := range perKey {
		offsets[i] = off
		off += n
	}

	nChunks := (total + chunkLen - 1) / chunkLen
	plan := &Plan{
		ConcatDim: dim.Name,
		TotalLen:  total,
		ChunkLen:  chunkLen,
		Chunks:    make([]ChunkSpec, 0, nChunks),
	}
	for c := 0; c < nChunks; c++ {
		start := c * chunkLen
		stop := start + chunkLen
		if stop > total {
			stop = total
		}
		spec := ChunkSpec{Key: types.ChunkKey{c}, Start: start, Stop: stop}

		for i, ck := range dim.Keys {
			keyStart := offsets[i]
			keyStop := keyStart + perKey[i]
			if keyStop <= start || keyStart >= stop {
				continue
			}
			// Boundary-straddling elements belong to whichever chunk's
			// range they numerically fall in.
			inStart := 0
			if start > keyStart {
				inStart = start - keyStart
			}
			inStop := perKey[i]
			if stop < keyStop {
				inStop = stop - keyStart
			}
			spec.Inputs = append(spec.Inputs, InputSlice{
				ConcatKey:    ck,
				Keys:         pl.mergeKeysFor(dim, ck),
				InputStart:   inStart,
				InputStop:    inStop,
				TargetOffset: keyStart + inStart,
			})
		}
		plan.Chunks = append(plan.Chunks, spec)
	}
	return plan, nil
}

// ChunkSizeForBytes derives a chunk element count along the concat axis
// from a byte budget: the budget divided by the per-element byte size
// times the product of the non-chunked dimensions' extents, rounded down
// to at least 1.
func ChunkSizeForBytes(budget int64, bytesPerElement int, otherDimLens []int) int {
	rowBytes := int64(bytesPerElement)
	for _, n := range otherDimLens {
		rowBytes *= int64(n)
	}
	if rowBytes <= 0 {
		return 1
	}
	n := int(budget / rowBytes)
	if n < 1 {
		return 1
	}
	return n
}
