package ensemble

import (
	"fmt"
)

// Point estimate names accepted by PointEstimator
const (
	// PointMean is the expectation of the distribution over its grid
	PointMean = "mean"
	// PointMode is the grid point with the highest density
	PointMode = "mode"
	// PointMedian is the grid value at which the cumulative density
	// reaches one half
	PointMedian = "median"
)

// A PointEstimator reduces each member of an Ensemble to one or more
// point estimates, attached as ancillary columns. It is a standalone
// capability composed into stages that need it, taking the Ensemble as
// an explicit argument.
type PointEstimator struct {
	estimates []string
}

// CreatePointEstimator returns a PointEstimator computing the named
// estimates, validating the names up front
func CreatePointEstimator(estimates []string) (*PointEstimator, error) {
	for _, name := range estimates {
		switch name {
		case PointMean, PointMode, PointMedian:
		default:
			return nil, fmt.Errorf("unknown point estimate %s", name)
		}
	}
	return &PointEstimator{estimates: append([]string{}, estimates...)}, nil
}

// Apply computes every configured point estimate for every member of e
// and attaches them as ancillary columns named after the estimates.
func (p *PointEstimator) Apply(e *Ensemble) error {
	for _, name := range p.estimates {
		vals := make([]float64, e.NumRows())
		for row := range vals {
			switch name {
			case PointMean:
				vals[row] = mean(e, row)
			case PointMode:
				vals[row] = mode(e, row)
			case PointMedian:
				vals[row] = median(e, row)
			}
		}
		if err := e.SetAncil(name, vals); err != nil {
			return err
		}
	}
	return nil
}

func mean(e *Ensemble, row int) float64 {
	grid := e.Grid()
	vals := e.Vals()[row]
	norm := e.Norm(row)
	if norm == 0 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(grid); i++ {
		dx := grid[i] - grid[i-1]
		total += 0.5 * (grid[i]*vals[i] + grid[i-1]*vals[i-1]) * dx
	}
	return total / norm
}

func mode(e *Ensemble, row int) float64 {
	grid := e.Grid()
	vals := e.Vals()[row]
	best := 0
	for i, v := range vals {
		if v > vals[best] {
			best = i
		}
	}
	return grid[best]
}

func median(e *Ensemble, row int) float64 {
	grid := e.Grid()
	vals := e.Vals()[row]
	norm := e.Norm(row)
	if norm == 0 || len(grid) < 2 {
		return 0
	}
	target := norm / 2
	cum := 0.0
	for i := 1; i < len(grid); i++ {
		step := 0.5 * (vals[i] + vals[i-1]) * (grid[i] - grid[i-1])
		if cum+step >= target && step > 0 {
			frac := (target - cum) / step
			return grid[i-1] + frac*(grid[i]-grid[i-1])
		}
		cum += step
	}
	return grid[len(grid)-1]
}
