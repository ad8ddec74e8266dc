package spectral

import "math"

// CumulativeCache holds one image per bucket boundary. Values[b*Pixels+p] is
// the summed intensity of pixel p over all its peaks with m/z < b/Divider,
// which is the intensity sum over [start_p, bucket_index[b][p]).
type CumulativeCache struct {
	Buckets int
	Pixels  int
	Values  []float64
}

// Row returns the cumulative image of bucket b.
func (c *CumulativeCache) Row(b int) []float64 {
	return c.Values[b*c.Pixels : (b+1)*c.Pixels]
}

func (c *CumulativeCache) at(b, p int) float64 {
	return c.Values[b*c.Pixels+p]
}

// sumRange adds intensity[from:to] in index order.
func sumRange(intensity []float32, from, to int) float64 {
	var sum float64
	for i := from; i < to; i++ {
		sum += float64(intensity[i])
	}
	return sum
}

// signedSum is sumRange(from, to) when to >= from and its negation otherwise.
func signedSum(intensity []float32, from, to int) float64 {
	if to >= from {
		return sumRange(intensity, from, to)
	}
	return -sumRange(intensity, to, from)
}

// cachedSum computes the intensity of pixel p over [low, high) from the
// cumulative images of the bucket boundaries at or below low and at or above
// high, then corrects both fractional edges with short residual sums.
func (s *Slice) cachedSum(p int, low, high float64) float64 {
	lo, hi := s.Segments.Span(p)
	if lo == hi {
		return 0
	}
	bLo := s.Lookup.Bucket(low)
	bHi := s.ceilBucket(high)
	if bLo < 0 {
		bLo = 0
	}
	if bHi < 0 {
		bHi = 0
	}

	estLo := s.Lookup.at(bLo, p)
	estHi := s.Lookup.at(bHi, p)
	seekLo := refine(s.MZ, lo, hi, estLo, low)
	seekHi := refine(s.MZ, lo, hi, estHi, high)

	bulk := s.Cumulative.at(bHi, p) - s.Cumulative.at(bLo, p)
	return bulk - signedSum(s.Intensity, estLo, seekLo) + signedSum(s.Intensity, estHi, seekHi)
}

// ceilBucket returns ceil(v*Divider) clamped to [-1, Buckets-1].
func (s *Slice) ceilBucket(v float64) int {
	bi := &s.Lookup
	if bi.Buckets == 0 {
		return -1
	}
	f := math.Ceil(v * bi.Divider)
	if f < 0 {
		return -1
	}
	if f >= float64(bi.Buckets) {
		return bi.Buckets - 1
	}
	return int(f)
}
