package spectral

import (
	"fmt"
	"math"
	"strings"
)

// CorrectionMode selects whether cross-slice harmonization is applied.
type CorrectionMode int

const (
	CorrectionNone CorrectionMode = iota
	CorrectionHarmonized
)

func (m CorrectionMode) String() string {
	if m == CorrectionHarmonized {
		return "harmonized"
	}
	return "none"
}

// ParseCorrectionMode accepts "none", "harmonized" and the empty string.
func ParseCorrectionMode(s string) (CorrectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return CorrectionNone, nil
	case "harmonized", "maia":
		return CorrectionHarmonized, nil
	}
	return CorrectionNone, fmt.Errorf("unknown correction mode %q", s)
}

// Resolution selects the low or high resolution average spectrum.
type Resolution int

const (
	ResolutionLow Resolution = iota
	ResolutionHigh
)

func (r Resolution) String() string {
	if r == ResolutionHigh {
		return "high"
	}
	return "low"
}

// ParseResolution accepts "low", "high" and the empty string.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return ResolutionLow, nil
	case "high", "hd":
		return ResolutionHigh, nil
	}
	return ResolutionLow, fmt.Errorf("unknown resolution %q", s)
}

// Options tunes a query.
type Options struct {
	Correction CorrectionMode
	Resolution Resolution
}

// Image is a row-major raster of per-pixel values.
type Image struct {
	Shape  Shape
	Values []float64
}

// NewImage allocates a zero image.
func NewImage(shape Shape) *Image {
	return &Image{Shape: shape, Values: make([]float64, shape.Pixels())}
}

// At returns the value at (row, col).
func (im *Image) At(row, col int) float64 {
	return im.Values[row*im.Shape.Cols+col]
}

// Max returns the largest value, or 0 for an empty image.
func (im *Image) Max() float64 {
	var m float64
	for i, v := range im.Values {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

// Add accumulates other into im. Both images must have the same shape.
func (im *Image) Add(other *Image) {
	for i, v := range other.Values {
		im.Values[i] += v
	}
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// MinCachedSpan routes ranges narrower than this many m/z units to the
	// exact path, where a short scan beats two cache lookups.
	MinCachedSpan float64
}

// Engine answers range queries against a Store. It holds no mutable state and
// is safe for concurrent use.
type Engine struct {
	store         Store
	minCachedSpan float64
}

// NewEngine creates an engine over store.
func NewEngine(store Store, cfg EngineConfig) *Engine {
	return &Engine{store: store, minCachedSpan: cfg.MinCachedSpan}
}

// Store returns the underlying store.
func (e *Engine) Store() Store {
	return e.store
}

func checkRange(low, high float64) error {
	if math.IsNaN(low) || math.IsNaN(high) {
		return fmt.Errorf("%w: NaN bound", ErrInvalidRange)
	}
	if low > high {
		return fmt.Errorf("%w: low %g > high %g", ErrInvalidRange, low, high)
	}
	return nil
}

// ExactRangeImage sums, for every pixel, the intensities with low <= m/z < high
// by scanning the pixel's segment between the two seek positions.
func (e *Engine) ExactRangeImage(id int, low, high float64, opts Options) (*Image, error) {
	if err := checkRange(low, high); err != nil {
		return nil, err
	}
	s, err := e.store.Slice(id)
	if err != nil {
		return nil, err
	}
	return s.rangeImage(low, high, opts, s.exactSum), nil
}

// CachedRangeImage returns the same image as ExactRangeImage, computed from the
// cumulative bucket cache plus residual sums at both edges. Slices whose cache
// cannot reproduce exact sums are served by the exact path.
func (e *Engine) CachedRangeImage(id int, low, high float64, opts Options) (*Image, error) {
	if err := checkRange(low, high); err != nil {
		return nil, err
	}
	s, err := e.store.Slice(id)
	if err != nil {
		return nil, err
	}
	if !e.useCache(s, low, high) {
		return s.rangeImage(low, high, opts, s.exactSum), nil
	}
	return s.rangeImage(low, high, opts, s.cachedSum), nil
}

func (e *Engine) useCache(s *Slice, low, high float64) bool {
	if !s.cacheExact {
		return false
	}
	if high-low < e.minCachedSpan {
		return false
	}
	return s.Lookup.Bucket(low) != s.Lookup.Bucket(high)
}

func (s *Slice) exactSum(p int, low, high float64) float64 {
	lo, hi := s.Segments.Span(p)
	if lo == hi {
		return 0
	}
	from := refine(s.MZ, lo, hi, s.estimate(p, low, lo), low)
	to := refine(s.MZ, lo, hi, s.estimate(p, high, lo), high)
	if to <= from {
		return 0
	}
	return sumRange(s.Intensity, from, to)
}

func (s *Slice) rangeImage(low, high float64, opts Options, sum func(p int, low, high float64) float64) *Image {
	img := NewImage(s.Shape)
	var ch *HarmonizedChannel
	harmonized := opts.Correction == CorrectionHarmonized && s.Correction != nil
	if harmonized {
		ch = s.Correction.Channel(low, high)
	}
	for p := range img.Values {
		if s.Segments.Empty(p) {
			continue
		}
		switch {
		case ch != nil:
			img.Values[p] = float64(ch.Values[p])
		case harmonized:
			img.Values[p] = sum(p, low, high) * s.Correction.factor(p)
		default:
			img.Values[p] = sum(p, low, high)
		}
	}
	return img
}

// SliceIDs lists the slices of the store.
func (e *Engine) SliceIDs() []int {
	return e.store.SliceIDs()
}

// Slice returns a slice from the store.
func (e *Engine) Slice(id int) (*Slice, error) {
	return e.store.Slice(id)
}

// Seek returns the per-pixel seek position of v in a slice.
func (e *Engine) Seek(id int, v float64) ([]int, error) {
	s, err := e.store.Slice(id)
	if err != nil {
		return nil, err
	}
	return s.SeekImage(v)
}

// PixelSpectrum returns the peaks of one pixel. The slices alias the store arrays
// and must not be modified.
func (e *Engine) PixelSpectrum(id, pixel int) ([]float64, []float32, error) {
	s, err := e.store.Slice(id)
	if err != nil {
		return nil, nil, err
	}
	if pixel < 0 || pixel >= s.Segments.Len() {
		return nil, nil, fmt.Errorf("%w: pixel %d not in [0, %d)", ErrPixelOutOfBounds, pixel, s.Segments.Len())
	}
	lo, hi := s.Segments.Span(pixel)
	return s.MZ[lo:hi:hi], s.Intensity[lo:hi:hi], nil
}

// ToCoordinate maps a pixel of a slice to (row, col).
func (e *Engine) ToCoordinate(id, pixel int) (int, int, error) {
	shape, err := e.store.ImageShape(id)
	if err != nil {
		return 0, 0, err
	}
	return shape.ToCoordinate(pixel)
}

// ToPixel maps (row, col) of a slice to a pixel index.
func (e *Engine) ToPixel(id, row, col int) (int, error) {
	shape, err := e.store.ImageShape(id)
	if err != nil {
		return 0, err
	}
	return shape.ToPixel(row, col)
}

// IndexBoundaries returns the index interval [lo, hi) of the average spectrum
// of the given resolution that covers m/z in [low, high).
func (e *Engine) IndexBoundaries(id int, low, high float64, res Resolution) (int, int, error) {
	avg, err := e.averageSpectrum(id, low, high, Options{Resolution: res})
	if err != nil {
		return 0, 0, err
	}
	lo, hi := avg.Boundaries(low, high)
	return lo, hi, nil
}

// AverageRange returns the part of a slice average spectrum with m/z in [low, high).
func (e *Engine) AverageRange(id int, low, high float64, opts Options) ([]float64, []float32, error) {
	avg, err := e.averageSpectrum(id, low, high, opts)
	if err != nil {
		return nil, nil, err
	}
	lo, hi := avg.Boundaries(low, high)
	return avg.MZ[lo:hi:hi], avg.Intensity[lo:hi:hi], nil
}

func (e *Engine) averageSpectrum(id int, low, high float64, opts Options) (*AverageSpectrum, error) {
	if err := checkRange(low, high); err != nil {
		return nil, err
	}
	s, err := e.store.Slice(id)
	if err != nil {
		return nil, err
	}
	avg := s.average(opts)
	if avg == nil {
		return nil, fmt.Errorf("%w: slice %d, %s resolution", ErrNoAverageSpectrum, id, opts.Resolution)
	}
	return avg, nil
}
