// Package target implements the chunked array store the executor writes
// into: a Zarr v2 style layout of JSON metadata documents and raw chunk
// objects over any storage backend.
//
// Layout, relative to the store root:
//
//	.zgroup                group marker
//	.zattrs                global attributes
//	<var>/.zarray          shape, chunk shape, dtype, fill value
//	<var>/.zattrs          variable attributes plus dimension names
//	<var>/<i>.<j>...       raw chunk payload, little-endian float64
//	.zmetadata             consolidated copy of every metadata document
package target

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/sparse"

	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

const (
	zarrFormat      = 2
	dtypeFloat64LE  = "<f8"
	dimensionsAttr  = "_ARRAY_DIMENSIONS"
	consolidatedKey = ".zmetadata"
)

// Store is one target array store. All methods are safe for concurrent
// use as long as the schema is written before any chunk.
type Store struct {
	backend types.Backend
}

// NewStore creates a Store over a backend.
func NewStore(backend types.Backend) *Store {
	return &Store{backend: backend}
}

type zarrayDoc struct {
	ZarrFormat int         `json:"zarr_format"`
	Shape      []int       `json:"shape"`
	Chunks     []int       `json:"chunks"`
	DType      string      `json:"dtype"`
	FillValue  float64     `json:"fill_value"`
	Order      string      `json:"order"`
	Compressor interface{} `json:"compressor"`
	Filters    interface{} `json:"filters"`
}

type zgroupDoc struct {
	ZarrFormat int `json:"zarr_format"`
}

type consolidatedDoc struct {
	ZarrConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata               map[string]json.RawMessage `json:"metadata"`
}

// CreateSchema writes the store's complete schema: group marker, global
// attributes and one array document per variable. It runs before any
// chunk write and must not run again afterwards; a re-run overwrites the
// schema and orphans previously written chunk data.
func (s *Store) CreateSchema(ctx context.Context, schema *types.Schema) error {
	if len(schema.Variables) == 0 {
		return errors.New(errors.ErrCodeSchemaMismatch, "schema declares no variables")
	}

	group, _ := json.Marshal(zgroupDoc{ZarrFormat: zarrFormat})
	if err := s.backend.PutObject(ctx, ".zgroup", group); err != nil {
		return err
	}
	if err := s.putAttrs(ctx, ".zattrs", schema.Attrs, nil); err != nil {
		return err
	}

	for name, v := range schema.Variables {
		if len(v.Shape) != len(v.Dims) || len(v.Chunks) != len(v.Dims) {
			return errors.Newf(errors.ErrCodeSchemaMismatch,
				"variable %q: rank of shape, chunks and dims disagree", name)
		}
		if v.DType != dtypeFloat64LE {
			return errors.Newf(errors.ErrCodeSchemaMismatch,
				"variable %q: unsupported dtype %q", name, v.DType)
		}
		doc, err := json.MarshalIndent(zarrayDoc{
			ZarrFormat: zarrFormat,
			Shape:      v.Shape,
			Chunks:     v.Chunks,
			DType:      v.DType,
			FillValue:  v.FillValue,
			Order:      "C",
		}, "", "  ")
		if err != nil {
			return errors.Wrap(errors.ErrCodeInternalError, "failed to encode array doc", err)
		}
		if err := s.backend.PutObject(ctx, name+"/.zarray", doc); err != nil {
			return err
		}
		if err := s.putAttrs(ctx, name+"/.zattrs", v.Attrs, v.Dims); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putAttrs(ctx context.Context, key string, attrs map[string]string, dims []string) error {
	doc := make(map[string]interface{}, len(attrs)+1)
	for k, v := range attrs {
		doc[k] = v
	}
	if dims != nil {
		doc[dimensionsAttr] = dims
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode attributes", err)
	}
	return s.backend.PutObject(ctx, key, data)
}

// Schema reads the store's schema back from its metadata documents.
func (s *Store) Schema(ctx context.Context) (*types.Schema, error) {
	objects, err := s.backend.ListObjects(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	schema := &types.Schema{Variables: make(map[string]types.VariableSchema)}
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/.zarray") {
			continue
		}
		name := strings.TrimSuffix(obj.Key, "/.zarray")
		v, err := s.readVariableSchema(ctx, name)
		if err != nil {
			return nil, err
		}
		schema.Variables[name] = *v
	}
	schema.Attrs, err = s.readAttrs(ctx, ".zattrs")
	if err != nil {
		return nil, err
	}
	if len(schema.Variables) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidState, "store has no schema")
	}
	return schema, nil
}

func (s *Store) readVariableSchema(ctx context.Context, name string) (*types.VariableSchema, error) {
	data, err := s.backend.GetObject(ctx, name+"/.zarray")
	if err != nil {
		return nil, err
	}
	var doc zarrayDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreRead, "corrupt array doc for "+name, err)
	}
	v := &types.VariableSchema{
		DType:     doc.DType,
		Shape:     doc.Shape,
		Chunks:    doc.Chunks,
		FillValue: doc.FillValue,
	}
	attrs, err := s.readAttrs(ctx, name+"/.zattrs")
	if err != nil {
		return nil, err
	}
	if dims, ok := attrs[dimensionsAttr]; ok {
		if err := json.Unmarshal([]byte(dims), &v.Dims); err == nil {
			delete(attrs, dimensionsAttr)
		}
	}
	v.Attrs = attrs
	return v, nil
}

// readAttrs reads an attributes document, stringifying values. The
// dimension list is kept JSON-encoded under its own key.
func (s *Store) readAttrs(ctx context.Context, key string) (map[string]string, error) {
	data, err := s.backend.GetObject(ctx, key)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeObjectNotFound {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreRead, "corrupt attributes doc "+key, err)
	}
	attrs := make(map[string]string, len(raw))
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err == nil && k != dimensionsAttr {
			attrs[k] = str
		} else {
			attrs[k] = string(v)
		}
	}
	return attrs, nil
}

// chunkShape returns the actual shape of chunk key for a variable: full
// chunk extents except where the array edge cuts a chunk short.
func chunkShape(v *types.VariableSchema, key types.ChunkKey) ([]int, error) {
	if len(key) > len(v.Shape) {
		return nil, errors.Newf(errors.ErrCodeWriteFailed,
			"chunk key rank %d exceeds variable rank %d", len(key), len(v.Shape)).
			WithRetryable(false)
	}
	shape := make([]int, len(v.Shape))
	for i := range v.Shape {
		idx := 0
		if i < len(key) {
			idx = key[i]
		}
		start := idx * v.Chunks[i]
		if start >= v.Shape[i] {
			return nil, errors.Newf(errors.ErrCodeWriteFailed,
				"chunk index %d out of range for axis %d", idx, i).WithRetryable(false)
		}
		n := v.Chunks[i]
		if start+n > v.Shape[i] {
			n = v.Shape[i] - start
		}
		shape[i] = n
	}
	return shape, nil
}

// chunkObjectName renders the store key of one chunk: dot-separated grid
// indices, one per array axis, short chunk keys padded with zeros.
func chunkObjectName(variable string, key types.ChunkKey, rank int) string {
	if rank == 0 {
		return variable + "/0"
	}
	parts := make([]string, rank)
	for i := 0; i < rank; i++ {
		if i < len(key) {
			parts[i] = strconv.Itoa(key[i])
		} else {
			parts[i] = "0"
		}
	}
	return variable + "/" + strings.Join(parts, ".")
}

// WriteChunk stores one chunk payload. The payload's shape must equal the
// chunk's shape exactly (edge chunks are short, not padded). Writing the
// same chunk twice stores the same bytes, so retries are safe.
func (s *Store) WriteChunk(ctx context.Context, variable string, key types.ChunkKey, payload *sparse.DenseArray) error {
	v, err := s.readVariableSchema(ctx, variable)
	if err != nil {
		return err
	}
	want, err := chunkShape(v, key)
	if err != nil {
		return err
	}
	if len(payload.Shape) != len(want) {
		return errors.Newf(errors.ErrCodeWriteFailed,
			"payload rank %d, want %d", len(payload.Shape), len(want)).
			WithChunkKey(key.String()).WithRetryable(false)
	}
	for i := range want {
		if payload.Shape[i] != want[i] {
			return errors.Newf(errors.ErrCodeWriteFailed,
				"payload shape %v, want %v", payload.Shape, want).
				WithChunkKey(key.String()).WithRetryable(false)
		}
	}

	buf := make([]byte, 8*len(payload.Elements))
	for i, x := range payload.Elements {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
	}
	if err := s.backend.PutObject(ctx, chunkObjectName(variable, key, len(v.Shape)), buf); err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "chunk write rejected", err).
			WithChunkKey(key.String())
	}
	return nil
}

// ReadChunk reads one chunk payload back.
func (s *Store) ReadChunk(ctx context.Context, variable string, key types.ChunkKey) (*sparse.DenseArray, error) {
	v, err := s.readVariableSchema(ctx, variable)
	if err != nil {
		return nil, err
	}
	shape, err := chunkShape(v, key)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.GetObject(ctx, chunkObjectName(variable, key, len(v.Shape)))
	if err != nil {
		return nil, err
	}
	want := 1
	for _, n := range shape {
		want *= n
	}
	if len(data) != 8*want {
		return nil, errors.Newf(errors.ErrCodeStoreRead,
			"chunk holds %d bytes, want %d", len(data), 8*want).WithChunkKey(key.String())
	}
	arr := sparse.ZerosDense(shape...)
	for i := range arr.Elements {
		arr.Elements[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return arr, nil
}

// HasChunk reports whether a chunk payload exists with its full expected
// size. Partial or missing chunks report false, which is what makes a
// resumed run recompute exactly the outstanding keys.
func (s *Store) HasChunk(ctx context.Context, variable string, key types.ChunkKey) (bool, error) {
	v, err := s.readVariableSchema(ctx, variable)
	if err != nil {
		return false, err
	}
	shape, err := chunkShape(v, key)
	if err != nil {
		return false, err
	}
	info, err := s.backend.HeadObject(ctx, chunkObjectName(variable, key, len(v.Shape)))
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeObjectNotFound {
			return false, nil
		}
		return false, err
	}
	want := int64(8)
	for _, n := range shape {
		want *= int64(n)
	}
	return info.Size == want, nil
}

// ReadArray reassembles a whole variable from its chunks. The store is
// chunked along the first axis only, matching what the planner produces.
func (s *Store) ReadArray(ctx context.Context, variable string) (*sparse.DenseArray, error) {
	v, err := s.readVariableSchema(ctx, variable)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(v.Shape); i++ {
		if v.Chunks[i] != v.Shape[i] {
			return nil, errors.Newf(errors.ErrCodeInternalError,
				"variable %q is chunked along axis %d", variable, i)
		}
	}

	out := sparse.ZerosDense(v.Shape...)
	if len(v.Shape) == 0 {
		return out, nil
	}
	inner := 1
	for _, n := range v.Shape[1:] {
		inner *= n
	}
	nChunks := (v.Shape[0] + v.Chunks[0] - 1) / v.Chunks[0]
	for c := 0; c < nChunks; c++ {
		chunk, err := s.ReadChunk(ctx, variable, types.ChunkKey{c})
		if err != nil {
			return nil, err
		}
		offset := c * v.Chunks[0] * inner
		copy(out.Elements[offset:offset+len(chunk.Elements)], chunk.Elements)
	}
	return out, nil
}

// Consolidate gathers every metadata document into a single .zmetadata
// object for fast re-open. Idempotent: a re-run rewrites the same
// content for the same store state.
func (s *Store) Consolidate(ctx context.Context) error {
	objects, err := s.backend.ListObjects(ctx, "", 0)
	if err != nil {
		return err
	}
	doc := consolidatedDoc{
		ZarrConsolidatedFormat: 1,
		Metadata:               make(map[string]json.RawMessage),
	}
	for _, obj := range objects {
		base := obj.Key[strings.LastIndex(obj.Key, "/")+1:]
		if base != ".zgroup" && base != ".zarray" && base != ".zattrs" {
			continue
		}
		data, err := s.backend.GetObject(ctx, obj.Key)
		if err != nil {
			return err
		}
		doc.Metadata[obj.Key] = json.RawMessage(data)
	}
	if len(doc.Metadata) == 0 {
		return errors.New(errors.ErrCodeInvalidState, "nothing to consolidate: store has no schema")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode consolidated metadata", err)
	}
	return s.backend.PutObject(ctx, consolidatedKey, data)
}

// OpenConsolidated reads the consolidated metadata document and rebuilds
// the schema from it without touching per-variable documents.
func (s *Store) OpenConsolidated(ctx context.Context) (*types.Schema, error) {
	data, err := s.backend.GetObject(ctx, consolidatedKey)
	if err != nil {
		return nil, err
	}
	var doc consolidatedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreRead, "corrupt consolidated metadata", err)
	}

	schema := &types.Schema{Variables: make(map[string]types.VariableSchema), Attrs: map[string]string{}}
	for key, raw := range doc.Metadata {
		switch {
		case strings.HasSuffix(key, "/.zarray"):
			name := strings.TrimSuffix(key, "/.zarray")
			var arr zarrayDoc
			if err := json.Unmarshal(raw, &arr); err != nil {
				return nil, errors.Wrap(errors.ErrCodeStoreRead, "corrupt array doc for "+name, err)
			}
			v := schema.Variables[name]
			v.DType = arr.DType
			v.Shape = arr.Shape
			v.Chunks = arr.Chunks
			v.FillValue = arr.FillValue
			schema.Variables[name] = v
		case strings.HasSuffix(key, "/.zattrs"):
			name := strings.TrimSuffix(key, "/.zattrs")
			attrs, dims, err := decodeAttrs(raw)
			if err != nil {
				return nil, err
			}
			v := schema.Variables[name]
			v.Attrs = attrs
			v.Dims = dims
			schema.Variables[name] = v
		case key == ".zattrs":
			attrs, _, err := decodeAttrs(raw)
			if err != nil {
				return nil, err
			}
			schema.Attrs = attrs
		}
	}
	if len(schema.Variables) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidState, "consolidated metadata names no variables")
	}
	return schema, nil
}

func decodeAttrs(raw json.RawMessage) (map[string]string, []string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeStoreRead, "corrupt attributes doc", err)
	}
	attrs := make(map[string]string, len(m))
	var dims []string
	for k, v := range m {
		if k == dimensionsAttr {
			if err := json.Unmarshal(v, &dims); err != nil {
				return nil, nil, errors.Wrap(errors.ErrCodeStoreRead,
					fmt.Sprintf("corrupt %s attribute", dimensionsAttr), err)
			}
			continue
		}
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			attrs[k] = str
		} else {
			attrs[k] = string(v)
		}
	}
	return attrs, dims, nil
}
