package rail

import (
	"fmt"

	"github.com/sidratresearch/rail-base-sub000/errors"
)

// A Table is a named collection of equal-length float64 columns. Column
// order is preserved so that files written from a Table are deterministic.
type Table struct {
	names []string
	cols  map[string][]float64
}

// CreateTable returns a new empty Table
func CreateTable() *Table {
	return &Table{cols: make(map[string][]float64)}
}

// SetColumn sets the values for a named column, appending the name to the
// column order if it is new
func (t *Table) SetColumn(name string, vals []float64) {
	if _, ok := t.cols[name]; !ok {
		t.names = append(t.names, name)
	}
	t.cols[name] = vals
}

// Column returns the values for a named column
func (t *Table) Column(name string) ([]float64, error) {
	vals, ok := t.cols[name]
	if !ok {
		return nil, errors.MissingColumnsError{Columns: []string{name}}
	}
	return vals, nil
}

// ColumnNames returns the column names in insertion order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.names))
	copy(names, t.names)
	return names
}

// HasColumns verifies that every named column is present, returning an
// error enumerating the missing ones otherwise
func (t *Table) HasColumns(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := t.cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.MissingColumnsError{Columns: missing}
	}
	return nil
}

// NumRows returns the length of the longest column
func (t *Table) NumRows() int {
	max := 0
	for _, vals := range t.cols {
		if len(vals) > max {
			max = len(vals)
		}
	}
	return max
}

// Slice returns a Table holding the [start, end) rows of every column
func (t *Table) Slice(start, end int) (Payload, error) {
	if start < 0 || end < start || end > t.NumRows() {
		return nil, fmt.Errorf("cannot slice rows [%d, %d) of a table with %d rows", start, end, t.NumRows())
	}
	out := CreateTable()
	for _, name := range t.names {
		out.SetColumn(name, t.cols[name][start:end])
	}
	return out, nil
}

// Append concatenates the rows of another Table with the same columns
func (t *Table) Append(other Payload) (Payload, error) {
	ot, ok := other.(*Table)
	if !ok {
		return nil, fmt.Errorf("cannot append a %T to a Table", other)
	}
	if err := ot.HasColumns(t.names...); err != nil {
		return nil, err
	}
	out := CreateTable()
	for _, name := range t.names {
		merged := make([]float64, 0, len(t.cols[name])+len(ot.cols[name]))
		merged = append(merged, t.cols[name]...)
		merged = append(merged, ot.cols[name]...)
		out.SetColumn(name, merged)
	}
	return out, nil
}
