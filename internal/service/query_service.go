// Package service provides business logic for the MALDI atlas server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/maldi-atlas/server/internal/annotation"
	"github.com/maldi-atlas/server/internal/cache"
	"github.com/maldi-atlas/server/internal/dataset"
	"github.com/maldi-atlas/server/internal/render"
	"github.com/maldi-atlas/server/internal/spectral"
)

// ErrNoAnnotations is returned by lipid queries on datasets without an annotation database.
var ErrNoAnnotations = errors.New("no lipid annotations configured")

// ErrInvalidQuery marks malformed query parameters.
var ErrInvalidQuery = errors.New("invalid query")

// MaxRanges bounds the number of m/z ranges summed by one request.
const MaxRanges = 64

// Method selects the range image algorithm.
type Method string

const (
	MethodCached Method = "cached"
	MethodExact  Method = "exact"
)

// ParseMethod parses a method name; empty selects the cached path.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cached":
		return MethodCached, nil
	case "exact":
		return MethodExact, nil
	}
	return "", fmt.Errorf("%w: unknown method %q", ErrInvalidQuery, s)
}

// Range is a half-open m/z interval [Low, High).
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func rangeKeys(ranges []Range) [][2]float64 {
	out := make([][2]float64, len(ranges))
	for i, r := range ranges {
		out[i] = [2]float64{r.Low, r.High}
	}
	return out
}

// Spectrum is a list of peaks.
type Spectrum struct {
	MZ        []float64 `json:"mz"`
	Intensity []float32 `json:"intensity"`
}

// SliceSummary is the listing entry of a slice.
type SliceSummary struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// SliceDetail describes a loaded slice.
type SliceDetail struct {
	ID                 int      `json:"id"`
	Name               string   `json:"name,omitempty"`
	Rows               int      `json:"rows"`
	Cols               int      `json:"cols"`
	Pixels             int      `json:"pixels"`
	EmptyPixels        int      `json:"empty_pixels"`
	Peaks              int      `json:"peaks"`
	MinMZ              float64  `json:"min_mz"`
	MaxMZ              float64  `json:"max_mz"`
	Divider            float64  `json:"divider"`
	Buckets            int      `json:"buckets"`
	Cumulative         bool     `json:"cumulative"`
	CacheExact         bool     `json:"cache_exact"`
	Harmonized         bool     `json:"harmonized"`
	HarmonizedChannels []Range  `json:"harmonized_channels,omitempty"`
	Averages           []string `json:"averages"`
}

// QueryServiceConfig contains query service configuration.
type QueryServiceConfig struct {
	DatasetID   string
	Dataset     *dataset.Dataset
	Engine      spectral.EngineConfig
	Cache       *cache.Manager
	Renderer    *render.Renderer
	Annotations *annotation.Store
}

// QueryService answers range, spectrum and image queries for one dataset.
type QueryService struct {
	datasetID   string
	dataset     *dataset.Dataset
	engine      *spectral.Engine
	cache       *cache.Manager
	renderer    *render.Renderer
	annotations *annotation.Store
}

// NewQueryService creates a new query service.
func NewQueryService(cfg QueryServiceConfig) *QueryService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	return &QueryService{
		datasetID:   datasetID,
		dataset:     cfg.Dataset,
		engine:      spectral.NewEngine(cfg.Dataset.Store, cfg.Engine),
		cache:       cfg.Cache,
		renderer:    cfg.Renderer,
		annotations: cfg.Annotations,
	}
}

// DatasetID returns the dataset this service serves.
func (s *QueryService) DatasetID() string {
	return s.datasetID
}

// DatasetName returns the display name recorded in the dataset metadata, or the ID.
func (s *QueryService) DatasetName() string {
	if s.dataset.Meta != nil && s.dataset.Meta.DatasetName != "" {
		return s.dataset.Meta.DatasetName
	}
	return s.datasetID
}

// Engine returns the range query engine.
func (s *QueryService) Engine() *spectral.Engine {
	return s.engine
}

// Renderer returns the image renderer.
func (s *QueryService) Renderer() *render.Renderer {
	return s.renderer
}

// CacheStats returns cache statistics.
func (s *QueryService) CacheStats() map[string]interface{} {
	return s.cache.Stats()
}

// Close releases the annotation database.
func (s *QueryService) Close() error {
	if s.annotations != nil {
		return s.annotations.Close()
	}
	return nil
}

// Slices lists the slices of the dataset without loading them.
func (s *QueryService) Slices() []SliceSummary {
	infos := s.dataset.Slices()
	out := make([]SliceSummary, len(infos))
	for i, info := range infos {
		out[i] = SliceSummary{ID: info.ID, Name: info.Name}
	}
	return out
}

// SliceDetail loads a slice and describes it.
func (s *QueryService) SliceDetail(id int) (*SliceDetail, error) {
	sl, err := s.engine.Slice(id)
	if err != nil {
		return nil, err
	}
	info, _ := s.dataset.SliceInfo(id)
	d := &SliceDetail{
		ID:         id,
		Name:       info.Name,
		Rows:       sl.Shape.Rows,
		Cols:       sl.Shape.Cols,
		Pixels:     sl.Pixels(),
		Peaks:      sl.Peaks(),
		Divider:    sl.Lookup.Divider,
		Buckets:    sl.Lookup.Buckets,
		Cumulative: sl.Cumulative != nil,
		CacheExact: sl.CacheExact(),
		Harmonized: sl.Correction != nil,
		Averages:   []string{},
	}
	for p := 0; p < sl.Segments.Len(); p++ {
		if sl.Segments.Empty(p) {
			d.EmptyPixels++
		}
	}
	if len(sl.MZ) > 0 {
		d.MinMZ, d.MaxMZ = math.Inf(1), math.Inf(-1)
		for p := 0; p < sl.Segments.Len(); p++ {
			lo, hi := sl.Segments.Span(p)
			if lo == hi {
				continue
			}
			d.MinMZ = math.Min(d.MinMZ, sl.MZ[lo])
			d.MaxMZ = math.Max(d.MaxMZ, sl.MZ[hi-1])
		}
	}
	if sl.Correction != nil {
		for _, ch := range sl.Correction.Channels {
			d.HarmonizedChannels = append(d.HarmonizedChannels, Range{Low: ch.MinMZ, High: ch.MaxMZ})
		}
	}
	if sl.Average != nil {
		d.Averages = append(d.Averages, "low")
	}
	if sl.AverageHD != nil {
		d.Averages = append(d.Averages, "high")
	}
	if sl.AverageStandardized != nil {
		d.Averages = append(d.Averages, "standardized")
	}
	return d, nil
}

func checkRanges(ranges []Range) error {
	if len(ranges) == 0 {
		return fmt.Errorf("%w: no m/z range", ErrInvalidQuery)
	}
	if len(ranges) > MaxRanges {
		return fmt.Errorf("%w: %d ranges, at most %d", ErrInvalidQuery, len(ranges), MaxRanges)
	}
	return nil
}

// RangeImage sums every pixel's intensities over the given ranges. Results are
// cached and shared: callers must not modify the returned image.
func (s *QueryService) RangeImage(id int, ranges []Range, opts spectral.Options, method Method) (*spectral.Image, error) {
	if err := checkRanges(ranges); err != nil {
		return nil, err
	}
	key := cache.RangeImageKey(s.datasetID, id, rangeKeys(ranges), opts, string(method))
	if img, ok := s.cache.GetRange(key); ok {
		return img, nil
	}

	query := s.engine.CachedRangeImage
	if method == MethodExact {
		query = s.engine.ExactRangeImage
	}

	var out *spectral.Image
	for _, r := range ranges {
		img, err := query(id, r.Low, r.High, opts)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = img
			continue
		}
		out.Add(img)
	}

	s.cache.SetRange(key, out)
	return out, nil
}

// ImagePNG renders the summed ranges of a slice as a heatmap.
func (s *QueryService) ImagePNG(id int, ranges []Range, opts spectral.Options, style render.Style) ([]byte, error) {
	if err := checkRanges(ranges); err != nil {
		return nil, err
	}
	key := cache.PNGKey(s.datasetID, id, [][][2]float64{rangeKeys(ranges)}, opts, styleKey(style), style.Percentile, style.LogScale)
	if data, ok := s.cache.GetImage(key); ok {
		return data, nil
	}

	img, err := s.RangeImage(id, ranges, opts, MethodCached)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.Heatmap(img, style)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetImage(key, data); err != nil {
		log.Printf("[QueryService] image cache set failed for %s: %v", key, err)
	}
	return data, nil
}

// CompositePNG renders up to three channels as one RGB image. Every range of
// a channel is normalized independently and the channel is their clipped sum.
// A channel with no ranges stays black.
func (s *QueryService) CompositePNG(ctx context.Context, id int, channels [][]Range, opts spectral.Options, style render.Style) ([]byte, error) {
	if len(channels) == 0 || len(channels) > render.MaxChannels {
		return nil, fmt.Errorf("%w: composite needs 1 to %d channels, got %d", ErrInvalidQuery, render.MaxChannels, len(channels))
	}
	keys := make([][][2]float64, len(channels))
	total := 0
	for i, ranges := range channels {
		keys[i] = rangeKeys(ranges)
		total += len(ranges)
	}
	if total > MaxRanges {
		return nil, fmt.Errorf("%w: %d ranges, at most %d", ErrInvalidQuery, total, MaxRanges)
	}
	key := "rgb:" + cache.PNGKey(s.datasetID, id, keys, opts, styleKey(style), style.Percentile, style.LogScale)
	if data, ok := s.cache.GetImage(key); ok {
		return data, nil
	}

	shape, err := s.engine.Store().ImageShape(id)
	if err != nil {
		return nil, err
	}

	images := make([]*spectral.Image, len(channels))
	g, ctx := errgroup.WithContext(ctx)
	for i, ranges := range channels {
		if len(ranges) == 0 {
			continue
		}
		i, ranges := i, ranges
		g.Go(func() error {
			parts := make([]*spectral.Image, 0, len(ranges))
			for _, r := range ranges {
				if err := ctx.Err(); err != nil {
					return err
				}
				img, err := s.RangeImage(id, []Range{r}, opts, MethodCached)
				if err != nil {
					return err
				}
				parts = append(parts, img)
			}
			images[i] = render.ChannelSum(shape, parts, style.Percentile, style.LogScale)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := s.renderer.Composite(shape, images, style)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetImage(key, data); err != nil {
		log.Printf("[QueryService] image cache set failed for %s: %v", key, err)
	}
	return data, nil
}

func styleKey(style render.Style) string {
	return fmt.Sprintf("%s/s%d/cb%t", style.Colormap, style.Scale, style.Colorbar)
}

// PixelSpectrum returns the spectrum of one pixel, optionally zero padded for line plots.
func (s *QueryService) PixelSpectrum(id, pixel int, padded bool) (*Spectrum, error) {
	mz, in, err := s.engine.PixelSpectrum(id, pixel)
	if err != nil {
		return nil, err
	}
	if padded {
		mz, in = spectral.ZeroPad(mz, in, spectral.DefaultPadding)
	}
	return &Spectrum{MZ: mz, Intensity: in}, nil
}

// Coordinate maps a pixel index to (row, col).
func (s *QueryService) Coordinate(id, pixel int) (int, int, error) {
	return s.engine.ToCoordinate(id, pixel)
}

// Pixel maps (row, col) to a pixel index.
func (s *QueryService) Pixel(id, row, col int) (int, error) {
	return s.engine.ToPixel(id, row, col)
}

// AverageQuery selects part of a slice average spectrum.
type AverageQuery struct {
	Range   Range
	Options spectral.Options
	// ReduceWidth bins the result at this m/z width when positive.
	ReduceWidth float64
	Padded      bool
}

// AverageResult is a window of an average spectrum.
type AverageResult struct {
	Spectrum
	Start int `json:"start"`
	End   int `json:"end"`
}

// AverageSpectrum returns the average spectrum of a slice restricted to a range.
func (s *QueryService) AverageSpectrum(id int, q AverageQuery) (*AverageResult, error) {
	start, end, err := s.engine.IndexBoundaries(id, q.Range.Low, q.Range.High, q.Options.Resolution)
	if err != nil {
		return nil, err
	}
	mz, in, err := s.engine.AverageRange(id, q.Range.Low, q.Range.High, q.Options)
	if err != nil {
		return nil, err
	}
	if q.ReduceWidth > 0 {
		mz, in = spectral.ReduceResolution(mz, in, q.ReduceWidth, spectral.ReduceMax)
	}
	if q.Padded {
		mz, in = spectral.ZeroPad(mz, in, spectral.DefaultPadding)
	}
	return &AverageResult{Spectrum: Spectrum{MZ: mz, Intensity: in}, Start: start, End: end}, nil
}

// Lipids returns the lipid annotations of a slice.
func (s *QueryService) Lipids(ctx context.Context, id int) ([]annotation.Lipid, error) {
	if s.annotations == nil {
		return nil, ErrNoAnnotations
	}
	if _, ok := s.dataset.SliceInfo(id); !ok {
		return nil, fmt.Errorf("%w: %d", spectral.ErrSliceNotFound, id)
	}
	return s.annotations.Lipids(ctx, id)
}

// LipidRange returns the m/z window of an annotated lipid.
func (s *QueryService) LipidRange(ctx context.Context, id int, name, structure, cation string) (Range, error) {
	if s.annotations == nil {
		return Range{}, ErrNoAnnotations
	}
	l, err := s.annotations.Find(ctx, id, name, structure, cation)
	if err != nil {
		return Range{}, err
	}
	return Range{Low: l.MinMZ, High: l.MaxMZ}, nil
}

// LipidIntensity is the summed intensity of one annotated lipid.
type LipidIntensity struct {
	Lipid     annotation.Lipid `json:"lipid"`
	Intensity float64          `json:"intensity"`
}

// RegionResult is the merged spectrum of a set of pixels.
type RegionResult struct {
	Spectrum
	Pixels int              `json:"pixels"`
	Lipids []LipidIntensity `json:"lipids,omitempty"`
}

// RegionSpectrum merges the spectra of the given pixels and, when annotations
// are available, sums the merged intensities per annotated lipid.
func (s *QueryService) RegionSpectrum(ctx context.Context, id int, pixels []int, opts spectral.Options) (*RegionResult, error) {
	mz, in, err := s.engine.RegionSpectrum(id, pixels, opts)
	if err != nil {
		return nil, err
	}
	res := &RegionResult{Spectrum: Spectrum{MZ: mz, Intensity: in}, Pixels: len(pixels)}
	if s.annotations == nil {
		return res, nil
	}

	lipids, err := s.annotations.Lipids(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, sum := range annotation.SumPerLabel(annotation.LabelPeaks(lipids, mz), in) {
		res.Lipids = append(res.Lipids, LipidIntensity{Lipid: lipids[sum.Label], Intensity: sum.Intensity})
	}
	return res, nil
}
