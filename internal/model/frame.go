package model

import "fmt"

// cell holds either a numeric value or an untouched categorical string.
type cell struct {
	num   float64
	str   string
	isStr bool
}

// Frame is a single feature row with ordered, named columns. Column order
// matters: when the model declares no input columns the row is fed to it in
// frame order.
type Frame struct {
	cols  []string
	cells map[string]cell
}

// NewFrame returns an empty frame.
func NewFrame() *Frame {
	return &Frame{cells: make(map[string]cell)}
}

func (f *Frame) set(col string, c cell) {
	if _, ok := f.cells[col]; !ok {
		f.cols = append(f.cols, col)
	}
	f.cells[col] = c
}

// SetNum sets a numeric column, appending it if new and overwriting in place otherwise.
func (f *Frame) SetNum(col string, v float64) {
	f.set(col, cell{num: v})
}

// SetStr sets a categorical column.
func (f *Frame) SetStr(col, v string) {
	f.set(col, cell{str: v, isStr: true})
}

// Has reports whether the column exists.
func (f *Frame) Has(col string) bool {
	_, ok := f.cells[col]
	return ok
}

// Num returns a numeric column value. ok is false when the column is
// missing or holds a string.
func (f *Frame) Num(col string) (v float64, ok bool) {
	c, found := f.cells[col]
	if !found || c.isStr {
		return 0, false
	}
	return c.num, true
}

// Str returns a categorical column value.
func (f *Frame) Str(col string) (v string, ok bool) {
	c, found := f.cells[col]
	if !found || !c.isStr {
		return "", false
	}
	return c.str, true
}

// Drop removes a column if present.
func (f *Frame) Drop(col string) {
	if _, ok := f.cells[col]; !ok {
		return
	}
	delete(f.cells, col)
	for i, name := range f.cols {
		if name == col {
			f.cols = append(f.cols[:i], f.cols[i+1:]...)
			break
		}
	}
}

// Columns returns a copy of the column names in order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.cols))
	copy(out, f.cols)
	return out
}

// Align returns a new frame with exactly the given columns in the given
// order. Missing columns are filled with zero; extra columns are dropped.
func (f *Frame) Align(cols []string) *Frame {
	out := NewFrame()
	for _, col := range cols {
		if c, ok := f.cells[col]; ok {
			out.set(col, c)
		} else {
			out.SetNum(col, 0)
		}
	}
	return out
}

// Row returns the numeric values in column order. A categorical column that
// no encoder transformed cannot be fed to the model and is an error.
func (f *Frame) Row() ([]float64, error) {
	row := make([]float64, len(f.cols))
	for i, col := range f.cols {
		c := f.cells[col]
		if c.isStr {
			return nil, fmt.Errorf("column %q is categorical (%q) and was not encoded", col, c.str)
		}
		row[i] = c.num
	}
	return row, nil
}
