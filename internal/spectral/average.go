package spectral

import "math"

// AverageSpectrum is the slice-wide mean spectrum with its own scalar bucket
// lookup: Lookup[b] is the first index whose m/z is >= b/Divider, or len(MZ).
type AverageSpectrum struct {
	MZ        []float64
	Intensity []float32
	Divider   float64
	Lookup    []int32
}

// Len returns the number of entries.
func (a *AverageSpectrum) Len() int {
	return len(a.MZ)
}

// Seek returns the first index with m/z >= v, 0 when v is below the
// spectrum and Len() when it is above.
func (a *AverageSpectrum) Seek(v float64) int {
	n := len(a.MZ)
	est := 0
	if nb := len(a.Lookup); nb > 0 && a.Divider > 0 {
		f := math.Floor(v * a.Divider)
		switch {
		case f < 0:
		case f >= float64(nb):
			est = int(a.Lookup[nb-1])
		default:
			est = int(a.Lookup[int(f)])
		}
	}
	return refine(a.MZ, 0, n, est, v)
}

// Boundaries returns the index interval [lo, hi) covering m/z in [low, high).
func (a *AverageSpectrum) Boundaries(low, high float64) (int, int) {
	return a.Seek(low), a.Seek(high)
}

// average picks the spectrum matching the options; harmonized high resolution
// queries use the standardized spectrum when the slice has one.
func (s *Slice) average(opts Options) *AverageSpectrum {
	if opts.Resolution == ResolutionHigh {
		if opts.Correction == CorrectionHarmonized && s.AverageStandardized != nil {
			return s.AverageStandardized
		}
		return s.AverageHD
	}
	return s.Average
}
