package spectral

import (
	"fmt"
	"math"
)

// BucketIndex is the coarse per-pixel m/z lookup of a slice. Bucket b covers
// m/z values in [b/Divider, (b+1)/Divider). Index is bucket-major: entry
// Index[b*Pixels+p] is the first position in pixel p's segment whose m/z is
// >= b/Divider, or one past the segment end when there is none.
type BucketIndex struct {
	Divider float64
	Buckets int
	Pixels  int
	Index   []int32
}

// Bucket returns floor(v*Divider) clamped to [-1, Buckets-1]. -1 means the
// value lies below the first bucket boundary.
func (bi *BucketIndex) Bucket(v float64) int {
	if bi.Buckets == 0 {
		return -1
	}
	f := math.Floor(v * bi.Divider)
	if f < 0 {
		return -1
	}
	if f >= float64(bi.Buckets) {
		return bi.Buckets - 1
	}
	return int(f)
}

// Boundary returns the m/z value at which bucket b starts.
func (bi *BucketIndex) Boundary(b int) float64 {
	return float64(b) / bi.Divider
}

// Row returns the lookup entries of bucket b for every pixel.
func (bi *BucketIndex) Row(b int) []int32 {
	return bi.Index[b*bi.Pixels : (b+1)*bi.Pixels]
}

func (bi *BucketIndex) at(b, p int) int {
	return int(bi.Index[b*bi.Pixels+p])
}

// refine moves the estimate i inside [lo, hi] to the first position whose m/z
// is >= v. The bucket estimate is at most one bucket away, so both scans are
// short.
func refine(mz []float64, lo, hi, i int, v float64) int {
	if i < lo {
		i = lo
	} else if i > hi {
		i = hi
	}
	for i < hi && mz[i] < v {
		i++
	}
	for i > lo && mz[i-1] >= v {
		i--
	}
	return i
}

// estimate returns the bucket-table starting point for a seek of v in pixel p.
func (s *Slice) estimate(p int, v float64, lo int) int {
	b := s.Lookup.Bucket(v)
	if b < 0 {
		return lo
	}
	return s.Lookup.at(b, p)
}

func (s *Slice) seek(p int, v float64) int {
	lo, hi := s.Segments.Span(p)
	if lo == hi {
		return lo
	}
	return refine(s.MZ, lo, hi, s.estimate(p, v, lo), v)
}

// Seek returns the index of the first entry of pixel p with m/z >= v, the
// segment start when v is below the pixel's lowest m/z, or one past the
// segment end when v is above its highest m/z.
func (s *Slice) Seek(p int, v float64) (int, error) {
	if p < 0 || p >= s.Segments.Len() {
		return 0, fmt.Errorf("%w: pixel %d not in [0, %d)", ErrPixelOutOfBounds, p, s.Segments.Len())
	}
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: NaN m/z", ErrInvalidRange)
	}
	return s.seek(p, v), nil
}

// SeekImage runs Seek for every pixel of the slice.
func (s *Slice) SeekImage(v float64) ([]int, error) {
	if math.IsNaN(v) {
		return nil, fmt.Errorf("%w: NaN m/z", ErrInvalidRange)
	}
	out := make([]int, s.Segments.Len())
	for p := range out {
		out[p] = s.seek(p, v)
	}
	return out, nil
}
