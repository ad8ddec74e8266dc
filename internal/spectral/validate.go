package spectral

import (
	"fmt"
	"math"
	"math/bits"
)

// Prepare normalizes the empty segments of a freshly loaded slice, checks the
// array invariants and decides whether the cumulative cache can serve exact
// sums. With verifyCache the cumulative images are compared against prefix
// sums of the spectra; without it they are trusted as built. Prepare must run
// before the slice is shared.
func (s *Slice) Prepare(verifyCache bool) error {
	if err := s.checkSpectra(); err != nil {
		return err
	}
	if err := s.normalizeSegments(); err != nil {
		return err
	}
	if err := s.checkLookup(); err != nil {
		return err
	}
	if err := s.checkCumulative(); err != nil {
		return err
	}
	if err := s.checkCorrection(); err != nil {
		return err
	}
	for _, avg := range []struct {
		name string
		a    *AverageSpectrum
	}{{"average", s.Average}, {"average_hd", s.AverageHD}, {"average_standardized", s.AverageStandardized}} {
		if avg.a == nil {
			continue
		}
		if err := avg.a.check(); err != nil {
			return fmt.Errorf("%w: slice %d %s: %v", ErrInvalidSlice, s.ID, avg.name, err)
		}
	}

	s.cacheExact = false
	if s.Cumulative != nil && s.gridExact() {
		s.cacheExact = !verifyCache || s.cacheMatchesSpectra()
	}
	return nil
}

func (s *Slice) invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: slice %d: %s", ErrInvalidSlice, s.ID, fmt.Sprintf(format, args...))
}

func (s *Slice) checkSpectra() error {
	if s.Shape.Rows <= 0 || s.Shape.Cols <= 0 {
		return s.invalid("image shape %dx%d", s.Shape.Rows, s.Shape.Cols)
	}
	if len(s.MZ) != len(s.Intensity) {
		return s.invalid("%d m/z values but %d intensities", len(s.MZ), len(s.Intensity))
	}
	if len(s.MZ) > math.MaxInt32 {
		return s.invalid("%d peaks exceed the segment table range", len(s.MZ))
	}
	for i, v := range s.Intensity {
		if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return s.invalid("intensity[%d] = %g", i, v)
		}
	}
	return nil
}

// normalizeSegments rewrites every empty segment, including the legacy (-1, -1)
// marker, as (next, next-1) and checks that the segments tile the spectrum
// arrays in pixel order with strictly ascending m/z inside each segment.
func (s *Slice) normalizeSegments() error {
	seg := s.Segments
	if len(seg.Start) != len(seg.End) {
		return s.invalid("segment table has %d starts and %d ends", len(seg.Start), len(seg.End))
	}
	if seg.Len() != s.Shape.Pixels() {
		return s.invalid("segment table has %d pixels, image has %d", seg.Len(), s.Shape.Pixels())
	}
	next := int32(0)
	for p := 0; p < seg.Len(); p++ {
		if seg.Start[p] > seg.End[p] || seg.Start[p] < 0 {
			seg.Start[p], seg.End[p] = next, next-1
			continue
		}
		if seg.Start[p] != next {
			return s.invalid("pixel %d starts at %d, expected %d", p, seg.Start[p], next)
		}
		if int(seg.End[p]) >= len(s.MZ) {
			return s.invalid("pixel %d ends at %d past %d peaks", p, seg.End[p], len(s.MZ))
		}
		for i := seg.Start[p] + 1; i <= seg.End[p]; i++ {
			if !(s.MZ[i] > s.MZ[i-1]) {
				return s.invalid("pixel %d m/z not strictly ascending at %d", p, i)
			}
		}
		next = seg.End[p] + 1
	}
	if int(next) != len(s.MZ) {
		return s.invalid("segments cover %d of %d peaks", next, len(s.MZ))
	}
	return nil
}

func (s *Slice) checkLookup() error {
	bi := &s.Lookup
	if bi.Buckets == 0 && len(bi.Index) == 0 {
		return nil
	}
	if !(bi.Divider > 0) || math.IsInf(bi.Divider, 0) {
		return s.invalid("lookup divider %g", bi.Divider)
	}
	if bi.Pixels != s.Shape.Pixels() || len(bi.Index) != bi.Buckets*bi.Pixels {
		return s.invalid("lookup shape %dx%d with %d entries for %d pixels", bi.Buckets, bi.Pixels, len(bi.Index), s.Shape.Pixels())
	}
	for p := 0; p < bi.Pixels; p++ {
		lo, hi := s.Segments.Span(p)
		if lo == hi {
			continue
		}
		prev := lo
		for b := 0; b < bi.Buckets; b++ {
			v := bi.at(b, p)
			if v < prev || v > hi {
				return s.invalid("lookup[%d][%d] = %d outside [%d, %d]", b, p, v, prev, hi)
			}
			prev = v
		}
	}
	return nil
}

func (s *Slice) checkCumulative() error {
	c := s.Cumulative
	if c == nil {
		return nil
	}
	if s.Lookup.Buckets == 0 {
		return s.invalid("cumulative cache without a bucket lookup")
	}
	if c.Buckets != s.Lookup.Buckets || c.Pixels != s.Shape.Pixels() || len(c.Values) != c.Buckets*c.Pixels {
		return s.invalid("cumulative cache shape %dx%d with %d values, lookup is %dx%d",
			c.Buckets, c.Pixels, len(c.Values), s.Lookup.Buckets, s.Lookup.Pixels)
	}
	return nil
}

func (s *Slice) checkCorrection() error {
	c := s.Correction
	if c == nil {
		return nil
	}
	if len(c.Factors) != 0 && len(c.Factors) != s.Shape.Pixels() {
		return s.invalid("%d correction factors for %d pixels", len(c.Factors), s.Shape.Pixels())
	}
	for i, ch := range c.Channels {
		if ch.MinMZ > ch.MaxMZ {
			return s.invalid("harmonized channel %d window [%g, %g]", i, ch.MinMZ, ch.MaxMZ)
		}
		if len(ch.Values) != s.Shape.Pixels() {
			return s.invalid("harmonized channel %d has %d values for %d pixels", i, len(ch.Values), s.Shape.Pixels())
		}
	}
	return nil
}

func (a *AverageSpectrum) check() error {
	if len(a.MZ) != len(a.Intensity) {
		return fmt.Errorf("%d m/z values but %d intensities", len(a.MZ), len(a.Intensity))
	}
	for i := 1; i < len(a.MZ); i++ {
		if !(a.MZ[i] > a.MZ[i-1]) {
			return fmt.Errorf("m/z not strictly ascending at %d", i)
		}
	}
	if len(a.Lookup) == 0 {
		return nil
	}
	if !(a.Divider > 0) {
		return fmt.Errorf("lookup divider %g", a.Divider)
	}
	prev := int32(0)
	for b, v := range a.Lookup {
		if v < prev || int(v) > len(a.MZ) {
			return fmt.Errorf("lookup[%d] = %d outside [%d, %d]", b, v, prev, len(a.MZ))
		}
		prev = v
	}
	return nil
}

// gridExact reports whether every partial sum of every pixel is exactly
// representable in float64: all intensities are multiples of a common 2^L and
// the largest pixel total stays below 2^(53+L). Under that condition summation
// order cannot change a result.
func (s *Slice) gridExact() bool {
	minExp := math.MaxInt32
	for _, v := range s.Intensity {
		if v == 0 {
			continue
		}
		if e := lowestBitExponent(v); e < minExp {
			minExp = e
		}
	}
	if minExp == math.MaxInt32 {
		return true
	}
	limit := math.Ldexp(1, 53+minExp)
	for p := 0; p < s.Segments.Len(); p++ {
		lo, hi := s.Segments.Span(p)
		if sumRange(s.Intensity, lo, hi) >= limit {
			return false
		}
	}
	return true
}

// lowestBitExponent returns e such that 2^e is the lowest set bit of a
// positive finite float32.
func lowestBitExponent(v float32) int {
	b := math.Float32bits(v)
	exp := int(b>>23) & 0xff
	mant := b & 0x7fffff
	e := -149
	if exp != 0 {
		mant |= 1 << 23
		e = exp - 150
	}
	return e + bits.TrailingZeros32(mant)
}

// cacheMatchesSpectra checks cum[b][p] == sum(intensity[start_p, lookup[b][p])).
// The lookup is non-decreasing in b, so each pixel is walked once.
func (s *Slice) cacheMatchesSpectra() bool {
	bi, c := &s.Lookup, s.Cumulative
	for p := 0; p < bi.Pixels; p++ {
		lo, hi := s.Segments.Span(p)
		if lo == hi {
			for b := 0; b < c.Buckets; b++ {
				if c.at(b, p) != 0 {
					return false
				}
			}
			continue
		}
		i, sum := lo, 0.0
		for b := 0; b < c.Buckets; b++ {
			for end := bi.at(b, p); i < end; i++ {
				sum += float64(s.Intensity[i])
			}
			if c.at(b, p) != sum {
				return false
			}
		}
	}
	return true
}
