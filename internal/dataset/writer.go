package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/maldi-atlas/server/internal/data/zarr"
	"github.com/maldi-atlas/server/internal/spectral"
)

// WriteMetadata writes the dataset metadata.json under dir.
func WriteMetadata(dir string, meta *Metadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dataset dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, "metadata.json"), meta)
}

// WriteSlice stores a slice as a Zarr group in the layout LoadSlice reads.
func WriteSlice(dir string, s *spectral.Slice, opts zarr.WriteOptions) error {
	if err := zarr.WriteGroup(dir, map[string]interface{}{"slice_id": s.ID}); err != nil {
		return err
	}
	pixels := s.Shape.Pixels()
	meta := SliceMeta{
		ImageShape: [2]int{s.Shape.Rows, s.Shape.Cols},
		Divider:    s.Lookup.Divider,
	}

	w := writer{dir: dir, opts: opts}
	w.float64s(ArrayMZ, []int{len(s.MZ)}, s.MZ)
	w.float32s(ArrayIntensity, []int{len(s.Intensity)}, s.Intensity)
	w.int32s(ArrayPixelStart, []int{pixels}, s.Segments.Start)
	w.int32s(ArrayPixelEnd, []int{pixels}, s.Segments.End)
	w.int32s(ArrayBucketIndex, []int{s.Lookup.Buckets, pixels}, s.Lookup.Index)
	if c := s.Cumulative; c != nil {
		w.float64s(ArrayCumImage, []int{c.Buckets, pixels}, c.Values)
	}
	if c := s.Correction; c != nil {
		if len(c.Factors) > 0 {
			w.float32s(ArrayCorrection, []int{pixels}, c.Factors)
		}
		if len(c.Channels) > 0 {
			values := make([]float32, 0, len(c.Channels)*pixels)
			for _, ch := range c.Channels {
				meta.HarmonizedChannels = append(meta.HarmonizedChannels, ChannelMeta{MinMZ: ch.MinMZ, MaxMZ: ch.MaxMZ, AvgMZ: ch.AvgMZ})
				values = append(values, ch.Values...)
			}
			w.float32s(ArrayHarmonizedValues, []int{len(c.Channels), pixels}, values)
		}
	}
	meta.Average = w.average(PrefixAverage, s.Average)
	meta.AverageHD = w.average(PrefixAverageHD, s.AverageHD)
	meta.AverageStandardized = w.average(PrefixAverageStandardized, s.AverageStandardized)
	if w.err != nil {
		return fmt.Errorf("slice %d: %w", s.ID, w.err)
	}
	return writeJSON(filepath.Join(dir, "metadata.json"), meta)
}

type writer struct {
	dir  string
	opts zarr.WriteOptions
	err  error
}

func (w *writer) chunked(shape []int) zarr.WriteOptions {
	opts := w.opts
	if len(opts.ChunkShape) > 0 && len(opts.ChunkShape) != len(shape) {
		// a chunk shape given for 1-d arrays applies to the last axis of matrices
		chunk := make([]int, len(shape))
		for d := range shape {
			chunk[d] = shape[d]
		}
		chunk[len(shape)-1] = opts.ChunkShape[0]
		chunk[0] = max(1, min(chunk[0], opts.ChunkShape[0]))
		opts.ChunkShape = chunk
	}
	return opts
}

func (w *writer) float64s(name string, shape []int, v []float64) {
	if w.err == nil {
		w.err = zarr.WriteFloat64(w.dir, name, shape, v, w.chunked(shape))
	}
}

func (w *writer) float32s(name string, shape []int, v []float32) {
	if w.err == nil {
		w.err = zarr.WriteFloat32(w.dir, name, shape, v, w.chunked(shape))
	}
}

func (w *writer) int32s(name string, shape []int, v []int32) {
	if w.err == nil {
		w.err = zarr.WriteInt32(w.dir, name, shape, v, w.chunked(shape))
	}
}

func (w *writer) average(prefix string, avg *spectral.AverageSpectrum) *AverageMeta {
	if avg == nil {
		return nil
	}
	w.float64s(prefix+"_mz", []int{len(avg.MZ)}, avg.MZ)
	w.float32s(prefix+"_intensity", []int{len(avg.Intensity)}, avg.Intensity)
	if len(avg.Lookup) > 0 {
		w.int32s(prefix+"_lookup", []int{len(avg.Lookup)}, avg.Lookup)
	}
	return &AverageMeta{Divider: avg.Divider}
}
