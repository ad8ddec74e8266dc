// Package datasettest writes small on-disk datasets for tests.
package datasettest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/maldi-atlas/server/internal/data/zarr"
	"github.com/maldi-atlas/server/internal/dataset"
	"github.com/maldi-atlas/server/internal/spectral"
	"github.com/maldi-atlas/server/internal/spectral/spectraltest"
)

// Slice returns a random 6x7 slice with m/z in [400, 1000), a harmonized
// correction and one harmonized channel at 760.5-760.6.
func Slice(id int) *spectral.Slice {
	s := spectraltest.Random(spectraltest.Config{
		ID:      id,
		Shape:   spectral.Shape{Rows: 6, Cols: 7},
		Divider: 1,
		Buckets: 1002,
	}, int64(id), 25, 400, 1000)
	s.Correction = &spectral.Correction{
		Factors: make([]float32, s.Pixels()),
		Channels: []spectral.HarmonizedChannel{
			{MinMZ: 760.5, MaxMZ: 760.6, AvgMZ: 760.55, Values: make([]float32, s.Pixels())},
		},
	}
	for p := range s.Correction.Factors {
		s.Correction.Factors[p] = float32(p%3) * 0.5
		s.Correction.Channels[0].Values[p] = float32(p)
	}
	return s
}

// Write stores slices as a dataset under a temporary directory and returns it.
func Write(t testing.TB, slices ...*spectral.Slice) string {
	t.Helper()
	dir := t.TempDir()
	meta := &dataset.Metadata{FormatVersion: "1", DatasetName: "test"}
	for _, s := range slices {
		info := dataset.SliceInfo{
			ID:   s.ID,
			Path: filepath.Join("slices", fmt.Sprintf("slice_%d", s.ID)),
			Name: fmt.Sprintf("section %d", s.ID),
		}
		meta.Slices = append(meta.Slices, info)
		if err := dataset.WriteSlice(filepath.Join(dir, info.Path), s, zarr.WriteOptions{ChunkShape: []int{64}}); err != nil {
			t.Fatalf("write slice %d: %v", s.ID, err)
		}
	}
	if err := dataset.WriteMetadata(dir, meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	return dir
}
