package render

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultPercentile is the intensity percentile mapped to the top of the scale.
const DefaultPercentile = 99

// Normalize scales values into [0, 1] so that the given percentile maps to 1.
// When the percentile is 0 the maximum is used instead, and when that is 0
// too the values are only clipped. With logScale, log(v+1) is taken first.
func Normalize(values []float64, percentile float64, logScale bool) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	if len(out) == 0 {
		return out
	}
	if logScale {
		for i, v := range out {
			out[i] = math.Log1p(v)
		}
	}

	ref := percentileOf(out, percentile)
	if ref <= 0 {
		ref = floats.Max(out)
	}
	if ref <= 0 {
		ref = 1
	}

	for i, v := range out {
		out[i] = clamp01(v / ref)
	}
	return out
}

// Channel converts normalized values to an 8-bit channel.
func Channel(normalized []float64) []uint8 {
	out := make([]uint8, len(normalized))
	for i, v := range normalized {
		out[i] = uint8(math.Round(clamp01(v) * 255))
	}
	return out
}

func percentileOf(values []float64, percentile float64) float64 {
	if percentile <= 0 {
		return 0
	}
	if percentile > 100 {
		percentile = 100
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(percentile/100, stat.LinInterp, sorted, nil)
}

func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
