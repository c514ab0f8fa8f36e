package dataset

import (
	"io"

	"github.com/ctessum/cdf"

	"github.com/chunkforge/chunkforge/pkg/errors"
)

// memFile is a growable in-memory cdf.ReaderWriterAt.
type memFile struct {
	buf []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

// Encode serializes a dataset to NetCDF classic bytes with all variables
// stored as doubles. It is the inverse of OpenBytes for float64 data and
// is how the test suite builds synthetic source files.
func Encode(d *Dataset) ([]byte, error) {
	if len(d.Vars) == 0 {
		return nil, errors.New(errors.ErrCodeInternalError, "cannot encode empty dataset")
	}

	// Fixed dimension order: first appearance across sorted variables.
	var dimNames []string
	var dimLens []int
	seen := make(map[string]bool)
	for _, name := range d.VarNames() {
		for _, dim := range d.Vars[name].Dims {
			if !seen[dim] {
				seen[dim] = true
				dimNames = append(dimNames, dim)
				dimLens = append(dimLens, d.Dims[dim])
			}
		}
	}

	h := cdf.NewHeader(dimNames, dimLens)
	for k, v := range d.Attrs {
		h.AddAttribute("", k, v)
	}
	for _, name := range d.VarNames() {
		v := d.Vars[name]
		h.AddVariable(name, v.Dims, []float64{})
		for k, a := range v.Attrs {
			h.AddAttribute(name, k, a)
		}
	}
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return nil, errors.Newf(errors.ErrCodeInternalError, "invalid header: %v", errs[0])
	}

	mf := &memFile{}
	f, err := cdf.Create(mf, h)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to write header", err)
	}
	for _, name := range d.VarNames() {
		v := d.Vars[name]
		// Explicit corners: with nil corners the strider's end lands on
		// the variable's last byte and a complete write reports io.EOF.
		end := f.Header.Lengths(name)
		start := make([]int, len(end))
		w := f.Writer(name, start, end)
		if _, err := w.Write(v.Data.Elements); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to write variable "+name, err)
		}
	}
	return mf.buf, nil
}
