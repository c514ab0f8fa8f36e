// Package types defines the shared data model for ChunkForge recipes:
// combination dimensions, input and chunk keys, discovered input metadata,
// and the target store schema.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CombineKind describes how the files of one combination dimension are
// joined into the logical dataset.
type CombineKind int

const (
	// Concat joins files end-to-end along an array axis, in key order.
	Concat CombineKind = iota
	// Merge joins files contributing disjoint variables at shared coordinates.
	Merge
)

// String returns the lowercase name of the combine kind.
func (k CombineKind) String() string {
	switch k {
	case Concat:
		return "concat"
	case Merge:
		return "merge"
	default:
		return fmt.Sprintf("combinekind(%d)", int(k))
	}
}

// MarshalYAML renders the combine kind by name.
func (k CombineKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML parses "concat" or "merge".
func (k *CombineKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "concat":
		*k = Concat
	case "merge":
		*k = Merge
	default:
		return fmt.Errorf("unknown combine kind %q", s)
	}
	return nil
}

// Dimension is one combination dimension of a file pattern.
//
// Concat dimensions carry an ordered sequence of keys joined end-to-end
// along an array axis. Merge dimensions carry keys whose files each
// contribute a disjoint set of variables at the same coordinates.
// ItemsPerKey is the per-key element count along the concat axis; zero
// means unknown, to be discovered by a metadata scan.
type Dimension struct {
	Name        string      `yaml:"name" json:"name"`
	Kind        CombineKind `yaml:"kind" json:"kind"`
	Keys        []string    `yaml:"keys" json:"keys"`
	ItemsPerKey int         `yaml:"items_per_key" json:"items_per_key,omitempty"`
}

// KeyEntry is one (dimension, key) pair of an InputKey.
type KeyEntry struct {
	Dim string `json:"dim"`
	Key string `json:"key"`
}

// InputKey identifies one source file across all combination dimensions.
// Entries appear in the pattern's declared dimension order.
type InputKey []KeyEntry

// String returns the canonical "dim=key;dim=key" form. The form is
// deterministic and is used for cache addressing, so it must not change
// between releases.
func (k InputKey) String() string {
	parts := make([]string, len(k))
	for i, e := range k {
		parts[i] = e.Dim + "=" + e.Key
	}
	return strings.Join(parts, ";")
}

// Value returns the key for the named dimension.
func (k InputKey) Value(dim string) (string, bool) {
	for _, e := range k {
		if e.Dim == dim {
			return e.Key, true
		}
	}
	return "", false
}

// ChunkKey identifies one target chunk along the concatenation axis
// (or axes). It is derived by the planner, never chosen by the user.
type ChunkKey []int

// String returns the dot-separated chunk index used as the object name
// suffix in the target store, e.g. "0", "3" or "1.4". A zero-dimensional
// key renders as "0".
func (c ChunkKey) String() string {
	if len(c) == 0 {
		return "0"
	}
	if len(c) == 1 {
		return strconv.Itoa(c[0])
	}
	var sb strings.Builder
	for i, idx := range c {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	return sb.String()
}

// Equal reports whether two chunk keys index the same chunk.
func (c ChunkKey) Equal(o ChunkKey) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// InputMetadata holds the structural facts discovered by scanning one
// cached input. It is immutable once written to the metadata cache.
type InputMetadata struct {
	// ConcatLen is the input's length along the concat axis.
	ConcatLen int `json:"concat_len"`
	// DimLens maps every dimension name in the file to its length.
	DimLens map[string]int `json:"dim_lens"`
	// Variables lists the data variables present in the file.
	Variables []string `json:"variables"`
	// Attrs holds the file's global attributes, stringified. Kept even
	// when empty so Get returns exactly what Scan stored.
	Attrs map[string]string `json:"attrs"`
}

// VariableSchema describes one variable of the target store.
type VariableSchema struct {
	Dims      []string          `json:"dims"`
	DType     string            `json:"dtype"`
	Shape     []int             `json:"shape"`
	Chunks    []int             `json:"chunks"`
	FillValue float64           `json:"fill_value"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Schema is the complete target store schema. It is written exactly once
// during the prepare phase and is immutable afterwards.
type Schema struct {
	Variables map[string]VariableSchema `json:"variables"`
	Attrs     map[string]string         `json:"attrs,omitempty"`
}

// ObjectInfo describes one object held by a storage backend.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// RunStats counts the work completed by an executor run.
type RunStats struct {
	InputsCached  int64 `json:"inputs_cached"`
	InputsScanned int64 `json:"inputs_scanned"`
	ChunksStored  int64 `json:"chunks_stored"`
	BytesFetched  int64 `json:"bytes_fetched"`
	BytesWritten  int64 `json:"bytes_written"`
}
