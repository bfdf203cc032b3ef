// Package ensemble implements collections of gridded probability
// distributions: every member shares one x-grid and carries its y-values
// on that grid, plus optional ancillary per-member columns (point
// estimates, ids). On disk the layout is fixed-width, so cooperating
// workers can write disjoint member ranges of the same file.
package ensemble

import (
	"fmt"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
)

// An Ensemble holds npdf distributions sampled on a shared grid
type Ensemble struct {
	grid       []float64
	vals       [][]float64 // npdf rows of len(grid) values
	ancilNames []string
	ancil      map[string][]float64
}

// CreateEnsemble returns an Ensemble over the given grid with the given
// per-member values
func CreateEnsemble(grid []float64, vals [][]float64) (*Ensemble, error) {
	for i, row := range vals {
		if len(row) != len(grid) {
			return nil, fmt.Errorf("member %d has %d values for a grid of %d points", i, len(row), len(grid))
		}
	}
	return &Ensemble{grid: grid, vals: vals, ancil: make(map[string][]float64)}, nil
}

// Grid returns the shared x-grid
func (e *Ensemble) Grid() []float64 { return e.grid }

// Vals returns the y-values of every member
func (e *Ensemble) Vals() [][]float64 { return e.vals }

// NumRows returns the number of member distributions
func (e *Ensemble) NumRows() int { return len(e.vals) }

// SetAncil attaches an ancillary per-member column
func (e *Ensemble) SetAncil(name string, vals []float64) error {
	if len(vals) != e.NumRows() {
		return fmt.Errorf("ancillary column %s has %d values for %d members", name, len(vals), e.NumRows())
	}
	if _, ok := e.ancil[name]; !ok {
		e.ancilNames = append(e.ancilNames, name)
	}
	e.ancil[name] = vals
	return nil
}

// Ancil returns an ancillary column by name
func (e *Ensemble) Ancil(name string) ([]float64, error) {
	vals, ok := e.ancil[name]
	if !ok {
		return nil, errors.MissingColumnsError{Columns: []string{name}}
	}
	return vals, nil
}

// AncilNames returns the ancillary column names in insertion order
func (e *Ensemble) AncilNames() []string {
	names := make([]string, len(e.ancilNames))
	copy(names, e.ancilNames)
	return names
}

// Slice returns an Ensemble holding the [start, end) members
func (e *Ensemble) Slice(start, end int) (rail.Payload, error) {
	if start < 0 || end < start || end > e.NumRows() {
		return nil, fmt.Errorf("cannot slice members [%d, %d) of an ensemble with %d members", start, end, e.NumRows())
	}
	out := &Ensemble{grid: e.grid, vals: e.vals[start:end], ancil: make(map[string][]float64)}
	for _, name := range e.ancilNames {
		out.ancilNames = append(out.ancilNames, name)
		out.ancil[name] = e.ancil[name][start:end]
	}
	return out, nil
}

// Append concatenates the members of another Ensemble on the same grid
func (e *Ensemble) Append(other rail.Payload) (rail.Payload, error) {
	oe, ok := other.(*Ensemble)
	if !ok {
		return nil, fmt.Errorf("cannot append a %T to an Ensemble", other)
	}
	if len(oe.grid) != len(e.grid) {
		return nil, fmt.Errorf("cannot append ensembles with grids of %d and %d points", len(e.grid), len(oe.grid))
	}
	out := &Ensemble{grid: e.grid, ancil: make(map[string][]float64)}
	out.vals = append(append([][]float64{}, e.vals...), oe.vals...)
	for _, name := range e.ancilNames {
		ovals, err := oe.Ancil(name)
		if err != nil {
			return nil, err
		}
		out.ancilNames = append(out.ancilNames, name)
		merged := append(append([]float64{}, e.ancil[name]...), ovals...)
		out.ancil[name] = merged
	}
	return out, nil
}

// Eval linearly interpolates member row's distribution at x
func (e *Ensemble) Eval(row int, x float64) float64 {
	grid := e.grid
	vals := e.vals[row]
	if len(grid) == 0 || x < grid[0] || x > grid[len(grid)-1] {
		return 0
	}
	for i := 1; i < len(grid); i++ {
		if x <= grid[i] {
			span := grid[i] - grid[i-1]
			if span == 0 {
				return vals[i]
			}
			frac := (x - grid[i-1]) / span
			return vals[i-1] + frac*(vals[i]-vals[i-1])
		}
	}
	return vals[len(vals)-1]
}

// Norm returns the trapezoid-rule integral of member row over the grid
func (e *Ensemble) Norm(row int) float64 {
	total := 0.0
	grid := e.grid
	vals := e.vals[row]
	for i := 1; i < len(grid); i++ {
		total += 0.5 * (vals[i] + vals[i-1]) * (grid[i] - grid[i-1])
	}
	return total
}
