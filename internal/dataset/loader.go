package dataset

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maldi-atlas/server/internal/data/tiledb"
	"github.com/maldi-atlas/server/internal/data/zarr"
	"github.com/maldi-atlas/server/internal/spectral"
)

// ArrayReader reads whole numeric arrays of one slice directory.
type ArrayReader interface {
	Has(name string) bool
	ReadFloat64(name string) ([]float64, []int, error)
	ReadFloat32(name string) ([]float32, []int, error)
	ReadInt32(name string) ([]int32, []int, error)
	Close()
}

// OpenFunc opens the arrays of a slice directory.
type OpenFunc func(dir string) (ArrayReader, error)

// Backends.
const (
	BackendZarr   = "zarr"
	BackendTileDB = "tiledb"
)

// Opener returns the OpenFunc of a backend name.
func Opener(backend string) (OpenFunc, error) {
	switch backend {
	case "", BackendZarr:
		return func(dir string) (ArrayReader, error) { return zarr.NewReader(dir) }, nil
	case BackendTileDB:
		return func(dir string) (ArrayReader, error) {
			r, err := tiledb.NewReader(dir)
			if err != nil {
				return nil, err
			}
			if !r.Supported() {
				r.Close()
				return nil, tiledb.ErrUnsupported
			}
			return r, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

// Config describes one dataset to open.
type Config struct {
	Name    string
	Path    string
	Backend string

	// Preload loads every slice during Open; otherwise slices load on first access.
	Preload bool
	// VerifyCache compares cumulative images against the spectra at load.
	VerifyCache bool
	// Slices restricts the dataset to these ids when non-empty.
	Slices []int
	// Workers bounds concurrent slice loads during preload.
	Workers int
}

// Dataset is an opened dataset: its metadata and the store of its slices.
type Dataset struct {
	Name  string
	Meta  *Metadata
	Store *spectral.MemStore

	cfg    Config
	open   OpenFunc
	slices map[int]SliceInfo
	order  []SliceInfo
}

// Open reads the dataset metadata and prepares a lazily loading store.
func Open(ctx context.Context, cfg Config) (*Dataset, error) {
	open, err := Opener(cfg.Backend)
	if err != nil {
		return nil, err
	}
	meta, err := ReadMetadata(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", cfg.Name, err)
	}

	allowed := make(map[int]bool, len(cfg.Slices))
	for _, id := range cfg.Slices {
		allowed[id] = true
	}

	d := &Dataset{
		Name:   cfg.Name,
		Meta:   meta,
		cfg:    cfg,
		open:   open,
		slices: make(map[int]SliceInfo, len(meta.Slices)),
	}
	if d.Name == "" {
		d.Name = meta.DatasetName
	}
	ids := make([]int, 0, len(meta.Slices))
	for _, s := range meta.Slices {
		if len(allowed) > 0 && !allowed[s.ID] {
			continue
		}
		d.slices[s.ID] = s
		d.order = append(d.order, s)
		ids = append(ids, s.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("dataset %s has no slices", d.Name)
	}
	d.Store = spectral.NewLazyStore(ids, d.loadSlice)

	if cfg.Preload {
		if err := d.Preload(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Slices lists the slices in metadata order.
func (d *Dataset) Slices() []SliceInfo {
	out := make([]SliceInfo, len(d.order))
	copy(out, d.order)
	return out
}

// SliceInfo returns the metadata entry of a slice.
func (d *Dataset) SliceInfo(id int) (SliceInfo, bool) {
	s, ok := d.slices[id]
	return s, ok
}

// Preload loads every slice, at most cfg.Workers at a time.
func (d *Dataset) Preload(ctx context.Context) error {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	g.SetLimit(workers)

	for _, id := range d.Store.SliceIDs() {
		id := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := d.Store.Slice(id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to preload dataset %s: %w", d.Name, err)
	}
	log.Printf("[dataset %s] preloaded %d slices in %s", d.Name, len(d.order), time.Since(start).Round(time.Millisecond))
	return nil
}

func (d *Dataset) loadSlice(id int) (*spectral.Slice, error) {
	info, ok := d.slices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", spectral.ErrSliceNotFound, id)
	}
	start := time.Now()
	s, err := LoadSlice(filepath.Join(d.cfg.Path, info.Path), id, d.open, d.cfg.VerifyCache)
	if err != nil {
		log.Printf("[dataset %s] failed to load slice %d: %v", d.Name, id, err)
		return nil, err
	}
	if s.Cumulative != nil && !s.CacheExact() {
		log.Printf("[dataset %s] WARNING: slice %d cumulative cache is not exact, cached queries use the exact path", d.Name, id)
	}
	log.Printf("[dataset %s] loaded slice %d: %dx%d pixels, %d peaks, %d buckets in %s",
		d.Name, id, s.Shape.Rows, s.Shape.Cols, s.Peaks(), s.Lookup.Buckets, time.Since(start).Round(time.Millisecond))
	return s, nil
}

// LoadSlice reads and prepares one slice directory.
func LoadSlice(dir string, id int, open OpenFunc, verifyCache bool) (*spectral.Slice, error) {
	meta, err := ReadSliceMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("slice %d: %w", id, err)
	}
	r, err := open(dir)
	if err != nil {
		return nil, fmt.Errorf("slice %d: %w", id, err)
	}
	defer r.Close()

	s := &spectral.Slice{
		ID:    id,
		Shape: spectral.Shape{Rows: meta.ImageShape[0], Cols: meta.ImageShape[1]},
	}
	pixels := s.Shape.Pixels()
	ld := loader{r: r, id: id}

	s.MZ = ld.float64s(ArrayMZ, -1)
	s.Intensity = ld.float32s(ArrayIntensity, -1)
	s.Segments = ld.segments(pixels)

	index, shape := ld.int32Matrix(ArrayBucketIndex, pixels)
	s.Lookup = spectral.BucketIndex{Divider: meta.Divider, Buckets: shape, Pixels: pixels, Index: index}

	if r.Has(ArrayCumImage) {
		values, buckets := ld.float64Matrix(ArrayCumImage, pixels)
		s.Cumulative = &spectral.CumulativeCache{Buckets: buckets, Pixels: pixels, Values: values}
	}

	if r.Has(ArrayCorrection) || r.Has(ArrayHarmonizedValues) {
		c := &spectral.Correction{}
		if r.Has(ArrayCorrection) {
			c.Factors = ld.float32s(ArrayCorrection, pixels)
		}
		if r.Has(ArrayHarmonizedValues) {
			values, rows := ld.float32Matrix(ArrayHarmonizedValues, pixels)
			if ld.err == nil && rows != len(meta.HarmonizedChannels) {
				ld.err = fmt.Errorf("slice %d: %d harmonized value rows for %d channels", id, rows, len(meta.HarmonizedChannels))
			}
			if ld.err == nil {
				for i, ch := range meta.HarmonizedChannels {
					c.Channels = append(c.Channels, spectral.HarmonizedChannel{
						MinMZ: ch.MinMZ, MaxMZ: ch.MaxMZ, AvgMZ: ch.AvgMZ,
						Values: values[i*pixels : (i+1)*pixels],
					})
				}
			}
		}
		s.Correction = c
	}

	s.Average = ld.average(PrefixAverage, meta.Average, meta.Divider)
	s.AverageHD = ld.average(PrefixAverageHD, meta.AverageHD, meta.Divider)
	s.AverageStandardized = ld.average(PrefixAverageStandardized, meta.AverageStandardized, meta.Divider)

	if ld.err != nil {
		return nil, ld.err
	}
	if err := s.Prepare(verifyCache); err != nil {
		return nil, err
	}
	return s, nil
}

// loader reads arrays and keeps the first error.
type loader struct {
	r   ArrayReader
	id  int
	err error
}

func (l *loader) fail(name string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("slice %d: %s: %w", l.id, name, err)
	}
}

func checkLen(shape []int, want int) error {
	if len(shape) != 1 {
		return fmt.Errorf("expected a 1-d array, got shape %v", shape)
	}
	if want >= 0 && shape[0] != want {
		return fmt.Errorf("expected %d values, got %d", want, shape[0])
	}
	return nil
}

func checkMatrix(shape []int, cols int) error {
	if len(shape) != 2 || shape[1] != cols {
		return fmt.Errorf("expected shape [n, %d], got %v", cols, shape)
	}
	return nil
}

func (l *loader) float64s(name string, n int) []float64 {
	if l.err != nil {
		return nil
	}
	v, shape, err := l.r.ReadFloat64(name)
	if err == nil {
		err = checkLen(shape, n)
	}
	if err != nil {
		l.fail(name, err)
		return nil
	}
	return v
}

func (l *loader) float32s(name string, n int) []float32 {
	if l.err != nil {
		return nil
	}
	v, shape, err := l.r.ReadFloat32(name)
	if err == nil {
		err = checkLen(shape, n)
	}
	if err != nil {
		l.fail(name, err)
		return nil
	}
	return v
}

func (l *loader) int32s(name string, n int) []int32 {
	if l.err != nil {
		return nil
	}
	v, shape, err := l.r.ReadInt32(name)
	if err == nil {
		err = checkLen(shape, n)
	}
	if err != nil {
		l.fail(name, err)
		return nil
	}
	return v
}

func (l *loader) int32Matrix(name string, cols int) ([]int32, int) {
	if l.err != nil {
		return nil, 0
	}
	v, shape, err := l.r.ReadInt32(name)
	if err == nil {
		err = checkMatrix(shape, cols)
	}
	if err != nil {
		l.fail(name, err)
		return nil, 0
	}
	return v, shape[0]
}

func (l *loader) float64Matrix(name string, cols int) ([]float64, int) {
	if l.err != nil {
		return nil, 0
	}
	v, shape, err := l.r.ReadFloat64(name)
	if err == nil {
		err = checkMatrix(shape, cols)
	}
	if err != nil {
		l.fail(name, err)
		return nil, 0
	}
	return v, shape[0]
}

func (l *loader) float32Matrix(name string, cols int) ([]float32, int) {
	if l.err != nil {
		return nil, 0
	}
	v, shape, err := l.r.ReadFloat32(name)
	if err == nil {
		err = checkMatrix(shape, cols)
	}
	if err != nil {
		l.fail(name, err)
		return nil, 0
	}
	return v, shape[0]
}

// segments reads pixel_start/pixel_end, or the [pixels, 2] pixel_bounds table.
func (l *loader) segments(pixels int) spectral.Segments {
	if l.err != nil {
		return spectral.Segments{}
	}
	if !l.r.Has(ArrayPixelStart) && l.r.Has(ArrayPixelBounds) {
		pairs, _ := l.int32Matrix(ArrayPixelBounds, 2)
		if l.err != nil {
			return spectral.Segments{}
		}
		if len(pairs) != 2*pixels {
			l.fail(ArrayPixelBounds, fmt.Errorf("expected %d pixels, got %d", pixels, len(pairs)/2))
			return spectral.Segments{}
		}
		seg := spectral.Segments{Start: make([]int32, pixels), End: make([]int32, pixels)}
		for p := 0; p < pixels; p++ {
			seg.Start[p], seg.End[p] = pairs[2*p], pairs[2*p+1]
		}
		return seg
	}
	return spectral.Segments{
		Start: l.int32s(ArrayPixelStart, pixels),
		End:   l.int32s(ArrayPixelEnd, pixels),
	}
}

func (l *loader) average(prefix string, meta *AverageMeta, fallbackDivider float64) *spectral.AverageSpectrum {
	if l.err != nil || !l.r.Has(prefix+"_mz") {
		return nil
	}
	avg := &spectral.AverageSpectrum{Divider: fallbackDivider}
	if meta != nil && meta.Divider > 0 {
		avg.Divider = meta.Divider
	}
	avg.MZ = l.float64s(prefix+"_mz", -1)
	avg.Intensity = l.float32s(prefix+"_intensity", len(avg.MZ))
	if l.r.Has(prefix + "_lookup") {
		avg.Lookup = l.int32s(prefix+"_lookup", -1)
	}
	return avg
}
