package raster

import (
	"fmt"
	"math"
	"slices"
)

// ClipPercentile is the percentile used as the display maximum so that a
// handful of extreme pixels cannot stretch the colour scale.
const ClipPercentile = 90

// Statistics holds the colour-scale range of a raster.
type Statistics struct {
	Min float64 `json:"min"` // true minimum of the valid samples
	Max float64 `json:"max"` // ClipPercentile of the valid samples
}

// ComputeStatistics scans the valid samples of g. It fails with ErrEmptyData
// when every sample is no-data or non-finite.
func ComputeStatistics(g *Grid) (Statistics, error) {
	valid := g.ValidSamples()
	if len(valid) == 0 {
		return Statistics{}, ErrEmptyData
	}

	minV := math.Inf(1)
	for _, v := range valid {
		if v < minV {
			minV = v
		}
	}

	maxV, err := Percentile(valid, ClipPercentile)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{Min: minV, Max: maxV}, nil
}

// Percentile returns the p-th percentile of values using linear
// interpolation between the closest ranks. values is not modified.
func Percentile(values []float64, p float64) (float64, error) {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return 0, fmt.Errorf("%w: got %v", ErrPercentileRange, p)
	}
	n := len(values)
	if n == 0 {
		return 0, ErrEmptyData
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	rank := (p / 100) * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	weight := rank - float64(lower)

	if upper >= n {
		return sorted[lower], nil
	}
	return sorted[lower]*(1-weight) + sorted[upper]*weight, nil
}
