package spectral

import (
	"fmt"
	"math"
	"sort"
)

const (
	// RegionResolution is the bin width used to merge region spectra.
	RegionResolution = 1e-4

	// DefaultPadding is the m/z offset of the zeros ZeroPad inserts.
	DefaultPadding = 1e-5

	// peakGap is the m/z distance above which two entries belong to different peaks.
	peakGap = 2e-4
)

// ReduceMode selects how entries falling into the same bin are merged.
type ReduceMode int

const (
	ReduceSum ReduceMode = iota
	ReduceMax
)

// ReduceResolution resamples a sorted spectrum onto a fixed grid of the given
// width. Each entry goes to the bin round(mz/width); the output m/z is the bin
// center and the intensity is the sum or maximum of the bin's entries.
func ReduceResolution(mz []float64, intensity []float32, width float64, mode ReduceMode) ([]float64, []float32) {
	if len(mz) == 0 || !(width > 0) {
		return nil, nil
	}
	outMZ := make([]float64, 0, len(mz))
	outI := make([]float32, 0, len(mz))
	var (
		key = math.Round(mz[0] / width)
		acc = float64(intensity[0])
	)
	for i := 1; i < len(mz); i++ {
		k := math.Round(mz[i] / width)
		if k == key {
			v := float64(intensity[i])
			if mode == ReduceMax {
				acc = math.Max(acc, v)
			} else {
				acc += v
			}
			continue
		}
		outMZ = append(outMZ, key*width)
		outI = append(outI, float32(acc))
		key, acc = k, float64(intensity[i])
	}
	outMZ = append(outMZ, key*width)
	outI = append(outI, float32(acc))
	return outMZ, outI
}

// ZeroPad inserts a zero on both sides of every gap wider than peakGap, so
// that a line plot of the spectrum drops to the baseline between peaks.
func ZeroPad(mz []float64, intensity []float32, padding float64) ([]float64, []float32) {
	if len(mz) == 0 {
		return nil, nil
	}
	outMZ := make([]float64, 0, len(mz)*3)
	outI := make([]float32, 0, len(mz)*3)
	for i := 0; i < len(mz)-1; i++ {
		outMZ = append(outMZ, mz[i])
		outI = append(outI, intensity[i])
		if mz[i+1]-mz[i] >= peakGap {
			outMZ = append(outMZ, mz[i]+padding, mz[i+1]-padding)
			outI = append(outI, 0, 0)
		}
	}
	last := len(mz) - 1
	return append(outMZ, mz[last]), append(outI, intensity[last])
}

type peakSorter struct {
	mz        []float64
	intensity []float64
}

func (ps peakSorter) Len() int           { return len(ps.mz) }
func (ps peakSorter) Less(i, j int) bool { return ps.mz[i] < ps.mz[j] }
func (ps peakSorter) Swap(i, j int) {
	ps.mz[i], ps.mz[j] = ps.mz[j], ps.mz[i]
	ps.intensity[i], ps.intensity[j] = ps.intensity[j], ps.intensity[i]
}

// RegionSpectrum merges the spectra of a set of pixels into one spectrum,
// sorted by m/z and binned at RegionResolution. Pixels are taken as given;
// filtering duplicated pixels is up to the caller. With harmonized correction
// each pixel's intensities are scaled by its correction factor.
func (e *Engine) RegionSpectrum(id int, pixels []int, opts Options) ([]float64, []float32, error) {
	s, err := e.store.Slice(id)
	if err != nil {
		return nil, nil, err
	}
	n := 0
	for _, p := range pixels {
		if p < 0 || p >= s.Segments.Len() {
			return nil, nil, fmt.Errorf("%w: pixel %d not in [0, %d)", ErrPixelOutOfBounds, p, s.Segments.Len())
		}
		lo, hi := s.Segments.Span(p)
		n += hi - lo
	}

	ps := peakSorter{mz: make([]float64, 0, n), intensity: make([]float64, 0, n)}
	harmonized := opts.Correction == CorrectionHarmonized && s.Correction != nil
	for _, p := range pixels {
		lo, hi := s.Segments.Span(p)
		f := 1.0
		if harmonized {
			f = s.Correction.factor(p)
		}
		for i := lo; i < hi; i++ {
			ps.mz = append(ps.mz, s.MZ[i])
			ps.intensity = append(ps.intensity, float64(s.Intensity[i])*f)
		}
	}
	if len(ps.mz) == 0 {
		return nil, nil, nil
	}
	sort.Stable(ps)

	outMZ := make([]float64, 0, len(ps.mz))
	outI := make([]float32, 0, len(ps.mz))
	key := math.Round(ps.mz[0] / RegionResolution)
	acc := ps.intensity[0]
	for i := 1; i < len(ps.mz); i++ {
		k := math.Round(ps.mz[i] / RegionResolution)
		if k == key {
			acc += ps.intensity[i]
			continue
		}
		outMZ = append(outMZ, key*RegionResolution)
		outI = append(outI, float32(acc))
		key, acc = k, ps.intensity[i]
	}
	outMZ = append(outMZ, key*RegionResolution)
	outI = append(outI, float32(acc))
	return outMZ, outI, nil
}
