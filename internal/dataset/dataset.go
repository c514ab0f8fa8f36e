// Package dataset is the array-library layer: an in-memory structured
// dataset (named dimensions, variables, attributes) decoded from NetCDF
// classic bytes, with the concatenate, merge and slice operations the
// executor combines inputs with.
package dataset

import (
	"fmt"
	"sort"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"

	"github.com/chunkforge/chunkforge/pkg/errors"
)

// Variable is one named array with its dimension order. Payloads are
// widened to float64 on decode regardless of on-disk type.
type Variable struct {
	Dims  []string
	Data  *sparse.DenseArray
	Attrs map[string]string
}

// Dataset is a structured in-memory dataset.
type Dataset struct {
	Dims  map[string]int
	Vars  map[string]*Variable
	Attrs map[string]string
}

// Transform is the caller-supplied preprocessing function applied to each
// opened input before combination. It must be pure and must not change
// the variable set once the target schema is fixed.
type Transform func(*Dataset) (*Dataset, error)

// Identity is the no-op transform.
func Identity(ds *Dataset) (*Dataset, error) { return ds, nil }

// New creates an empty dataset.
func New() *Dataset {
	return &Dataset{
		Dims:  make(map[string]int),
		Vars:  make(map[string]*Variable),
		Attrs: make(map[string]string),
	}
}

// AddVar adds a variable, registering its dimensions. Dimension lengths
// must agree with any previously registered use of the same name.
func (d *Dataset) AddVar(name string, dims []string, data *sparse.DenseArray) error {
	if len(dims) != len(data.Shape) {
		return errors.Newf(errors.ErrCodeSchemaMismatch,
			"variable %q: %d dims for rank-%d data", name, len(dims), len(data.Shape))
	}
	for i, dim := range dims {
		if n, ok := d.Dims[dim]; ok && n != data.Shape[i] {
			return errors.Newf(errors.ErrCodeSchemaMismatch,
				"dimension %q: length %d conflicts with %d", dim, data.Shape[i], n)
		}
	}
	for i, dim := range dims {
		d.Dims[dim] = data.Shape[i]
	}
	d.Vars[name] = &Variable{Dims: dims, Data: data, Attrs: make(map[string]string)}
	return nil
}

// VarNames returns the variable names in sorted order.
func (d *Dataset) VarNames() []string {
	names := make([]string, 0, len(d.Vars))
	for name := range d.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open decodes a NetCDF classic file into a Dataset.
func Open(rw cdf.ReaderWriterAt) (*Dataset, error) {
	f, err := cdf.Open(rw)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeScanFailed, "failed to decode file header", err)
	}
	ds := New()
	for _, attr := range f.Header.Attributes("") {
		ds.Attrs[attr] = AttrString(f.Header.GetAttribute("", attr))
	}
	for _, name := range f.Header.Variables() {
		dims := f.Header.Dimensions(name)
		lengths := f.Header.Lengths(name)

		r := f.Reader(name, nil, nil)
		if r == nil {
			return nil, errors.Newf(errors.ErrCodeScanFailed, "no reader for variable %q", name)
		}
		buf := r.Zero(-1)
		if _, err := r.Read(buf); err != nil {
			return nil, errors.Wrap(errors.ErrCodeScanFailed,
				fmt.Sprintf("failed to read variable %q", name), err)
		}
		elems, err := widen(buf)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeScanFailed,
				fmt.Sprintf("variable %q", name), err)
		}

		arr := sparse.ZerosDense(lengths...)
		copy(arr.Elements, elems)
		if err := ds.AddVar(name, dims, arr); err != nil {
			return nil, err
		}
		v := ds.Vars[name]
		for _, attr := range f.Header.Attributes(name) {
			v.Attrs[attr] = AttrString(f.Header.GetAttribute(name, attr))
		}
	}
	return ds, nil
}

// OpenBytes decodes a NetCDF classic file held in memory.
func OpenBytes(data []byte) (*Dataset, error) {
	return Open(&memFile{buf: data})
}

// widen converts any decoded payload slice to float64 elements.
func widen(buf interface{}) ([]float64, error) {
	switch v := buf.(type) {
	case []float64:
		return v, nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", buf)
	}
}

// AttrString renders a decoded attribute value to a string.
func AttrString(v interface{}) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return a
	case []float64:
		if len(a) == 1 {
			return fmt.Sprint(a[0])
		}
	case []float32:
		if len(a) == 1 {
			return fmt.Sprint(a[0])
		}
	case []int32:
		if len(a) == 1 {
			return fmt.Sprint(a[0])
		}
	case []int16:
		if len(a) == 1 {
			return fmt.Sprint(a[0])
		}
	}
	return fmt.Sprint(v)
}

// Concat joins datasets end-to-end along dim, in argument order.
// Variables carrying dim are concatenated; variables without it must be
// common to all datasets and are taken from the first.
func Concat(dss []*Dataset, dim string) (*Dataset, error) {
	if len(dss) == 0 {
		return nil, errors.New(errors.ErrCodeInternalError, "nothing to concatenate")
	}
	if len(dss) == 1 {
		return dss[0], nil
	}
	first := dss[0]
	for _, ds := range dss[1:] {
		if err := sameVarSet(first, ds); err != nil {
			return nil, err
		}
	}

	out := New()
	for k, v := range first.Attrs {
		out.Attrs[k] = v
	}
	for _, name := range first.VarNames() {
		v := first.Vars[name]
		axis := indexOf(v.Dims, dim)
		if axis < 0 {
			if err := out.AddVar(name, v.Dims, v.Data); err != nil {
				return nil, err
			}
			out.Vars[name].Attrs = v.Attrs
			continue
		}

		total := 0
		parts := make([]*sparse.DenseArray, len(dss))
		for i, ds := range dss {
			pv := ds.Vars[name]
			if err := sameDims(name, v.Dims, pv.Dims); err != nil {
				return nil, err
			}
			for j := range v.Dims {
				if j != axis && pv.Data.Shape[j] != v.Data.Shape[j] {
					return nil, errors.Newf(errors.ErrCodeSchemaMismatch,
						"variable %q: dimension %q length %d conflicts with %d",
						name, v.Dims[j], pv.Data.Shape[j], v.Data.Shape[j])
				}
			}
			parts[i] = pv.Data
			total += pv.Data.Shape[axis]
		}

		shape := append([]int(nil), v.Data.Shape...)
		shape[axis] = total
		joined := sparse.ZerosDense(shape...)

		outer := prod(shape[:axis])
		inner := prod(shape[axis+1:])
		offset := 0
		for _, part := range parts {
			n := part.Shape[axis]
			for o := 0; o < outer; o++ {
				src := o * n * inner
				dst := (o*total + offset) * inner
				copy(joined.Elements[dst:dst+n*inner], part.Elements[src:src+n*inner])
			}
			offset += n
		}
		if err := out.AddVar(name, v.Dims, joined); err != nil {
			return nil, err
		}
		out.Vars[name].Attrs = v.Attrs
	}
	return out, nil
}

// Merge unions datasets contributing disjoint variables at shared
// coordinates. A variable appearing in more than one dataset is a schema
// conflict.
func Merge(dss []*Dataset) (*Dataset, error) {
	if len(dss) == 0 {
		return nil, errors.New(errors.ErrCodeInternalError, "nothing to merge")
	}
	out := New()
	for _, ds := range dss {
		for k, v := range ds.Attrs {
			out.Attrs[k] = v
		}
		for _, name := range ds.VarNames() {
			if _, exists := out.Vars[name]; exists {
				return nil, errors.Newf(errors.ErrCodeSchemaMismatch,
					"variable %q contributed by more than one merge key", name)
			}
			v := ds.Vars[name]
			if err := out.AddVar(name, v.Dims, v.Data); err != nil {
				return nil, err
			}
			out.Vars[name].Attrs = v.Attrs
		}
	}
	return out, nil
}

// Isel slices every variable along dim to the half-open range
// [start, stop). Variables without dim pass through unchanged.
func (d *Dataset) Isel(dim string, start, stop int) (*Dataset, error) {
	total, ok := d.Dims[dim]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInternalError, "dataset has no dimension %q", dim)
	}
	if start < 0 || stop > total || start >= stop {
		return nil, errors.Newf(errors.ErrCodeInternalError,
			"invalid slice [%d,%d) of dimension %q with length %d", start, stop, dim, total)
	}

	out := New()
	for k, v := range d.Attrs {
		out.Attrs[k] = v
	}
	for _, name := range d.VarNames() {
		v := d.Vars[name]
		axis := indexOf(v.Dims, dim)
		data := v.Data
		if axis >= 0 {
			data = sliceAxis(v.Data, axis, start, stop)
		}
		if err := out.AddVar(name, v.Dims, data); err != nil {
			return nil, err
		}
		out.Vars[name].Attrs = v.Attrs
	}
	return out, nil
}

// sliceAxis copies the [start, stop) range of one axis into a new array.
func sliceAxis(a *sparse.DenseArray, axis, start, stop int) *sparse.DenseArray {
	shape := append([]int(nil), a.Shape...)
	shape[axis] = stop - start
	out := sparse.ZerosDense(shape...)

	outer := prod(a.Shape[:axis])
	inner := prod(a.Shape[axis+1:])
	n := stop - start
	for o := 0; o < outer; o++ {
		src := (o*a.Shape[axis] + start) * inner
		dst := o * n * inner
		copy(out.Elements[dst:dst+n*inner], a.Elements[src:src+n*inner])
	}
	return out
}

func sameVarSet(a, b *Dataset) error {
	if len(a.Vars) != len(b.Vars) {
		return errors.Newf(errors.ErrCodeSchemaMismatch,
			"variable sets differ: %v vs %v", a.VarNames(), b.VarNames())
	}
	for name := range a.Vars {
		if _, ok := b.Vars[name]; !ok {
			return errors.Newf(errors.ErrCodeSchemaMismatch, "variable %q missing from input", name)
		}
	}
	return nil
}

func sameDims(name string, a, b []string) error {
	if len(a) != len(b) {
		return errors.Newf(errors.ErrCodeSchemaMismatch,
			"variable %q: dimension order %v vs %v", name, a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			return errors.Newf(errors.ErrCodeSchemaMismatch,
				"variable %q: dimension order %v vs %v", name, a, b)
		}
	}
	return nil
}

func indexOf(dims []string, dim string) int {
	for i, d := range dims {
		if d == dim {
			return i
		}
	}
	return -1
}

func prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
