// Package dataset opens an on-disk MALDI dataset and loads its slices into a
// spectral store.
//
// A dataset directory holds metadata.json plus one directory per slice. Each
// slice directory holds its own metadata.json and the arrays:
//
//	mz                float64 [peaks]
//	intensity         float32 [peaks]
//	pixel_start       int32   [pixels]      (or pixel_bounds int32 [pixels, 2])
//	pixel_end         int32   [pixels]
//	bucket_index      int32   [buckets, pixels]
//	cum_image         float64 [buckets, pixels]      optional
//	correction        float32 [pixels]               optional
//	harmonized_values float32 [channels, pixels]     optional
//	avg_mz, avg_intensity, avg_lookup                optional, also avg_hd_* and avg_std_*
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Array names inside a slice directory.
const (
	ArrayMZ               = "mz"
	ArrayIntensity        = "intensity"
	ArrayPixelStart       = "pixel_start"
	ArrayPixelEnd         = "pixel_end"
	ArrayPixelBounds      = "pixel_bounds"
	ArrayBucketIndex      = "bucket_index"
	ArrayCumImage         = "cum_image"
	ArrayCorrection       = "correction"
	ArrayHarmonizedValues = "harmonized_values"
)

// Average spectrum array prefixes.
const (
	PrefixAverage             = "avg"
	PrefixAverageHD           = "avg_hd"
	PrefixAverageStandardized = "avg_std"
)

// Metadata describes a dataset (metadata.json at the dataset root).
type Metadata struct {
	FormatVersion string      `json:"format_version"`
	DatasetName   string      `json:"dataset_name"`
	Slices        []SliceInfo `json:"slices"`
}

// SliceInfo locates one slice of the dataset.
type SliceInfo struct {
	ID   int    `json:"id"`
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// SliceMeta is the metadata.json of a slice directory.
type SliceMeta struct {
	ImageShape [2]int  `json:"image_shape"`
	Divider    float64 `json:"divider"`

	Average             *AverageMeta `json:"average,omitempty"`
	AverageHD           *AverageMeta `json:"average_hd,omitempty"`
	AverageStandardized *AverageMeta `json:"average_standardized,omitempty"`

	HarmonizedChannels []ChannelMeta `json:"harmonized_channels,omitempty"`
}

// AverageMeta describes one average spectrum of a slice.
type AverageMeta struct {
	Divider float64 `json:"divider"`
}

// ChannelMeta is the m/z window of one harmonized lipid channel, in the row
// order of harmonized_values.
type ChannelMeta struct {
	MinMZ float64 `json:"min_mz"`
	MaxMZ float64 `json:"max_mz"`
	AvgMZ float64 `json:"avg_mz"`
}

// ReadMetadata reads the dataset metadata.json under dir.
func ReadMetadata(dir string) (*Metadata, error) {
	var meta Metadata
	if err := readJSON(filepath.Join(dir, "metadata.json"), &meta); err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(meta.Slices))
	for i, s := range meta.Slices {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate slice id %d in metadata.json", s.ID)
		}
		seen[s.ID] = true
		if s.Path == "" {
			meta.Slices[i].Path = fmt.Sprintf("slice_%d", s.ID)
		}
	}
	return &meta, nil
}

// ReadSliceMeta reads the metadata.json of a slice directory.
func ReadSliceMeta(dir string) (*SliceMeta, error) {
	var meta SliceMeta
	if err := readJSON(filepath.Join(dir, "metadata.json"), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
