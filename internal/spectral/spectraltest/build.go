// Package spectraltest builds small in-memory slices for tests.
package spectraltest

import (
	"math"
	"math/rand"
	"sort"

	"github.com/maldi-atlas/server/internal/spectral"
)

// Peak is one (m/z, intensity) entry of a pixel spectrum.
type Peak struct {
	MZ        float64
	Intensity float32
}

// Config describes the slice to build.
type Config struct {
	ID      int
	Shape   spectral.Shape
	Divider float64
	Buckets int

	// NoCumulative skips the cumulative bucket cache.
	NoCumulative bool
	// LegacyEmpty marks empty pixels with (-1, -1) instead of (next, next-1).
	LegacyEmpty bool
	// AverageWidth is the bin width of the low resolution average spectrum.
	AverageWidth float64
}

// Build flattens per-pixel spectra into a slice with its bucket lookup,
// cumulative cache and average spectra. Each pixel spectrum must be sorted by
// m/z. The slice is not prepared.
func Build(cfg Config, pixels [][]Peak) *spectral.Slice {
	n := cfg.Shape.Pixels()
	s := &spectral.Slice{
		ID:    cfg.ID,
		Shape: cfg.Shape,
		Segments: spectral.Segments{
			Start: make([]int32, n),
			End:   make([]int32, n),
		},
	}
	for p := 0; p < n; p++ {
		var peaks []Peak
		if p < len(pixels) {
			peaks = pixels[p]
		}
		next := int32(len(s.MZ))
		if len(peaks) == 0 {
			if cfg.LegacyEmpty {
				s.Segments.Start[p], s.Segments.End[p] = -1, -1
			} else {
				s.Segments.Start[p], s.Segments.End[p] = next, next-1
			}
			continue
		}
		for _, pk := range peaks {
			s.MZ = append(s.MZ, pk.MZ)
			s.Intensity = append(s.Intensity, pk.Intensity)
		}
		s.Segments.Start[p] = next
		s.Segments.End[p] = int32(len(s.MZ)) - 1
	}

	s.Lookup = spectral.BucketIndex{
		Divider: cfg.Divider,
		Buckets: cfg.Buckets,
		Pixels:  n,
		Index:   make([]int32, cfg.Buckets*n),
	}
	var cum []float64
	if !cfg.NoCumulative {
		cum = make([]float64, cfg.Buckets*n)
	}
	for p := 0; p < n; p++ {
		lo, hi := int(s.Segments.Start[p]), int(s.Segments.End[p])+1
		if hi < lo || lo < 0 {
			lo, hi = segmentStart(s, p), segmentStart(s, p)
		}
		i, sum := lo, 0.0
		for b := 0; b < cfg.Buckets; b++ {
			boundary := float64(b) / cfg.Divider
			for i < hi && s.MZ[i] < boundary {
				sum += float64(s.Intensity[i])
				i++
			}
			s.Lookup.Index[b*n+p] = int32(i)
			if cum != nil {
				cum[b*n+p] = sum
			}
		}
	}
	if cum != nil {
		s.Cumulative = &spectral.CumulativeCache{Buckets: cfg.Buckets, Pixels: n, Values: cum}
	}

	width := cfg.AverageWidth
	if width == 0 {
		width = 0.01
	}
	s.Average = Average(s, width, cfg.Divider, cfg.Buckets)
	s.AverageHD = Average(s, width/10, cfg.Divider, cfg.Buckets)
	return s
}

// segmentStart returns the flattened index where pixel p's peaks would begin.
func segmentStart(s *spectral.Slice, p int) int {
	for q := p - 1; q >= 0; q-- {
		if s.Segments.End[q] >= s.Segments.Start[q] && s.Segments.Start[q] >= 0 {
			return int(s.Segments.End[q]) + 1
		}
	}
	return 0
}

// Average builds the mean spectrum of all pixels binned at width, with a
// scalar bucket lookup.
func Average(s *spectral.Slice, width, divider float64, buckets int) *spectral.AverageSpectrum {
	mz := append([]float64(nil), s.MZ...)
	in := append([]float32(nil), s.Intensity...)
	sort.Sort(pairs{mz, in})
	mz, in = spectral.ReduceResolution(mz, in, width, spectral.ReduceSum)
	for i := range in {
		in[i] /= float32(s.Shape.Pixels())
	}
	avg := &spectral.AverageSpectrum{MZ: mz, Intensity: in, Divider: divider, Lookup: make([]int32, buckets)}
	i := 0
	for b := 0; b < buckets; b++ {
		for i < len(mz) && mz[i] < float64(b)/divider {
			i++
		}
		avg.Lookup[b] = int32(i)
	}
	return avg
}

type pairs struct {
	mz []float64
	in []float32
}

func (p pairs) Len() int           { return len(p.mz) }
func (p pairs) Less(i, j int) bool { return p.mz[i] < p.mz[j] }
func (p pairs) Swap(i, j int) {
	p.mz[i], p.mz[j] = p.mz[j], p.mz[i]
	p.in[i], p.in[j] = p.in[j], p.in[i]
}

// RandomPixels generates deterministic pixel spectra with m/z in [minMZ, maxMZ).
// About one pixel in five is empty. Intensities are multiples of 0.25 so sums
// are exact in float64, and some m/z values fall exactly on bucket boundaries.
func RandomPixels(seed int64, pixels, maxPeaks int, minMZ, maxMZ, divider float64) [][]Peak {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]Peak, pixels)
	for p := range out {
		if rng.Intn(5) == 0 {
			continue
		}
		k := 1 + rng.Intn(maxPeaks)
		seen := make(map[float64]bool, k)
		peaks := make([]Peak, 0, k)
		for len(peaks) < k {
			var mz float64
			if rng.Intn(4) == 0 {
				mz = math.Floor(minMZ*divider+rng.Float64()*(maxMZ-minMZ)*divider) / divider
			} else {
				mz = minMZ + math.Round(rng.Float64()*(maxMZ-minMZ)*1e4)/1e4
			}
			if mz < minMZ || mz >= maxMZ || seen[mz] {
				continue
			}
			seen[mz] = true
			peaks = append(peaks, Peak{MZ: mz, Intensity: float32(1+rng.Intn(4096)) * 0.25})
		}
		sort.Slice(peaks, func(i, j int) bool { return peaks[i].MZ < peaks[j].MZ })
		out[p] = peaks
	}
	return out
}

// Random builds a prepared random slice covering m/z [minMZ, maxMZ).
func Random(cfg Config, seed int64, maxPeaks int, minMZ, maxMZ float64) *spectral.Slice {
	pixels := RandomPixels(seed, cfg.Shape.Pixels(), maxPeaks, minMZ, maxMZ, cfg.Divider)
	s := Build(cfg, pixels)
	if err := s.Prepare(true); err != nil {
		panic(err)
	}
	return s
}
