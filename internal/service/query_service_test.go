package service

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/maldi-atlas/server/internal/annotation"
	"github.com/maldi-atlas/server/internal/cache"
	"github.com/maldi-atlas/server/internal/dataset"
	"github.com/maldi-atlas/server/internal/dataset/datasettest"
	"github.com/maldi-atlas/server/internal/render"
	"github.com/maldi-atlas/server/internal/spectral"
)

func newTestService(t *testing.T, withAnnotations bool) *QueryService {
	t.Helper()

	dir := datasettest.Write(t, datasettest.Slice(3), datasettest.Slice(14))
	ds, err := dataset.Open(context.Background(), dataset.Config{Name: "brain", Path: dir, Backend: "zarr", VerifyCache: true})
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: 16,
		ImageTTL:         time.Minute,
		QueryCacheSize:   32,
	})
	if err != nil {
		t.Fatalf("failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	var store *annotation.Store
	if withAnnotations {
		store, err = annotation.Create(filepath.Join(t.TempDir(), "lipids.db"))
		if err != nil {
			t.Fatalf("open annotations: %v", err)
		}
		err = store.Insert(context.Background(),
			annotation.Lipid{Slice: 14, Name: "ALL", Structure: "0:0", Cation: "H", MinMZ: 399, MaxMZ: 1001},
		)
		if err != nil {
			t.Fatalf("insert annotations: %v", err)
		}
	}

	svc := NewQueryService(QueryServiceConfig{
		DatasetID:   "brain",
		Dataset:     ds,
		Cache:       cacheManager,
		Renderer:    render.NewRenderer(render.Config{}),
		Annotations: store,
	})
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    Method
		wantErr bool
	}{
		{"", MethodCached, false},
		{"cached", MethodCached, false},
		{"EXACT", MethodExact, false},
		{"fast", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMethod(%q): unexpected error %v", tt.in, err)
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("ParseMethod(%q): expected ErrInvalidQuery, got %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseMethod(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRangeImage(t *testing.T) {
	svc := newTestService(t, false)
	opts := spectral.Options{}

	exact, err := svc.RangeImage(14, []Range{{560, 800}}, opts, MethodExact)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	cached, err := svc.RangeImage(14, []Range{{560, 800}}, opts, MethodCached)
	if err != nil {
		t.Fatalf("cached: %v", err)
	}
	for p := range exact.Values {
		if exact.Values[p] != cached.Values[p] {
			t.Fatalf("pixel %d: exact %v != cached %v", p, exact.Values[p], cached.Values[p])
		}
	}

	again, err := svc.RangeImage(14, []Range{{560, 800}}, opts, MethodCached)
	if err != nil {
		t.Fatalf("cached again: %v", err)
	}
	if again != cached {
		t.Error("expected the second query to be served from cache")
	}

	split, err := svc.RangeImage(14, []Range{{560, 700}, {700, 800}}, opts, MethodExact)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	for p := range exact.Values {
		if split.Values[p] != exact.Values[p] {
			t.Fatalf("pixel %d: split sum %v != whole %v", p, split.Values[p], exact.Values[p])
		}
	}

	t.Run("errors", func(t *testing.T) {
		if _, err := svc.RangeImage(14, nil, opts, MethodCached); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("expected ErrInvalidQuery for no ranges, got %v", err)
		}
		if _, err := svc.RangeImage(14, []Range{{800, 560}}, opts, MethodCached); !errors.Is(err, spectral.ErrInvalidRange) {
			t.Errorf("expected ErrInvalidRange, got %v", err)
		}
		if _, err := svc.RangeImage(99, []Range{{560, 800}}, opts, MethodCached); !errors.Is(err, spectral.ErrSliceNotFound) {
			t.Errorf("expected ErrSliceNotFound, got %v", err)
		}
	})
}

func TestImagePNG(t *testing.T) {
	svc := newTestService(t, false)
	style := svc.Renderer().DefaultStyle()
	style.Scale = 2

	data, err := svc.ImagePNG(14, []Range{{560, 800}}, spectral.Options{}, style)
	if err != nil {
		t.Fatalf("ImagePNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 14 || b.Dy() != 12 {
		t.Fatalf("unexpected bounds %v", b)
	}

	again, err := svc.ImagePNG(14, []Range{{560, 800}}, spectral.Options{}, style)
	if err != nil {
		t.Fatalf("ImagePNG again: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("expected identical cached PNG")
	}
}

func TestCompositePNG(t *testing.T) {
	svc := newTestService(t, false)
	style := svc.Renderer().DefaultStyle()
	ctx := context.Background()

	channels := [][]Range{{{560, 600}, {700, 720}}, nil, {{800, 900}}}
	data, err := svc.CompositePNG(ctx, 3, channels, spectral.Options{Correction: spectral.CorrectionHarmonized}, style)
	if err != nil {
		t.Fatalf("CompositePNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 7 || b.Dy() != 6 {
		t.Fatalf("unexpected bounds %v", b)
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 7; x++ {
			if _, g, _, _ := img.At(x, y).RGBA(); g != 0 {
				t.Fatalf("expected empty green channel at (%d,%d)", x, y)
			}
		}
	}

	if _, err := svc.CompositePNG(ctx, 3, make([][]Range, 4), spectral.Options{}, style); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery for four channels, got %v", err)
	}
	if _, err := svc.CompositePNG(ctx, 3, [][]Range{{{600, 500}}}, spectral.Options{}, style); !errors.Is(err, spectral.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestSliceDetail(t *testing.T) {
	svc := newTestService(t, false)

	if got := svc.Slices(); len(got) != 2 || got[0].ID != 3 || got[1].Name != "section 14" {
		t.Fatalf("unexpected slices %+v", got)
	}

	d, err := svc.SliceDetail(14)
	if err != nil {
		t.Fatalf("SliceDetail: %v", err)
	}
	if d.Rows != 6 || d.Cols != 7 || d.Pixels != 42 {
		t.Fatalf("unexpected shape %+v", d)
	}
	if !d.Cumulative || !d.CacheExact || !d.Harmonized {
		t.Fatalf("unexpected flags %+v", d)
	}
	if len(d.HarmonizedChannels) != 1 || d.HarmonizedChannels[0].Low != 760.5 {
		t.Fatalf("unexpected channels %+v", d.HarmonizedChannels)
	}
	if d.MinMZ < 400 || d.MaxMZ >= 1000 || d.MinMZ > d.MaxMZ {
		t.Fatalf("unexpected m/z extent [%v, %v]", d.MinMZ, d.MaxMZ)
	}
	if _, err := svc.SliceDetail(99); !errors.Is(err, spectral.ErrSliceNotFound) {
		t.Fatalf("expected ErrSliceNotFound, got %v", err)
	}
}

func TestPixelSpectrum(t *testing.T) {
	svc := newTestService(t, false)
	sl, err := svc.Engine().Slice(14)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}

	pixel := -1
	for p := 0; p < sl.Segments.Len(); p++ {
		if lo, hi := sl.Segments.Span(p); hi-lo >= 2 {
			pixel = p
			break
		}
	}
	if pixel < 0 {
		t.Fatal("fixture has no pixel with two peaks")
	}

	raw, err := svc.PixelSpectrum(14, pixel, false)
	if err != nil {
		t.Fatalf("PixelSpectrum: %v", err)
	}
	padded, err := svc.PixelSpectrum(14, pixel, true)
	if err != nil {
		t.Fatalf("PixelSpectrum padded: %v", err)
	}
	if len(padded.MZ) <= len(raw.MZ) || len(padded.MZ) != len(padded.Intensity) {
		t.Fatalf("expected padded spectrum to be longer: %d vs %d", len(padded.MZ), len(raw.MZ))
	}

	row, col, err := svc.Coordinate(14, pixel)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	back, err := svc.Pixel(14, row, col)
	if err != nil || back != pixel {
		t.Fatalf("Pixel(%d,%d) = %d, %v; want %d", row, col, back, err, pixel)
	}

	if _, err := svc.PixelSpectrum(14, 42, false); !errors.Is(err, spectral.ErrPixelOutOfBounds) {
		t.Fatalf("expected ErrPixelOutOfBounds, got %v", err)
	}
}

func TestAverageSpectrum(t *testing.T) {
	svc := newTestService(t, false)

	res, err := svc.AverageSpectrum(14, AverageQuery{Range: Range{560, 800}})
	if err != nil {
		t.Fatalf("AverageSpectrum: %v", err)
	}
	if len(res.MZ) != res.End-res.Start {
		t.Fatalf("expected %d entries, got %d", res.End-res.Start, len(res.MZ))
	}
	for _, mz := range res.MZ {
		if mz < 560 || mz >= 800 {
			t.Fatalf("m/z %v outside [560, 800)", mz)
		}
	}

	reduced, err := svc.AverageSpectrum(14, AverageQuery{Range: Range{560, 800}, ReduceWidth: 1, Padded: true})
	if err != nil {
		t.Fatalf("AverageSpectrum reduced: %v", err)
	}
	if len(reduced.MZ) != len(reduced.Intensity) {
		t.Fatal("mismatched reduced spectrum")
	}

	hd, err := svc.AverageSpectrum(14, AverageQuery{Range: Range{560, 800}, Options: spectral.Options{Resolution: spectral.ResolutionHigh}})
	if err != nil {
		t.Fatalf("AverageSpectrum high: %v", err)
	}
	if len(hd.MZ) == 0 || len(hd.MZ) != hd.End-hd.Start {
		t.Fatalf("unexpected high resolution window: %d entries for [%d, %d)", len(hd.MZ), hd.Start, hd.End)
	}
}

func TestLipidsAndRegion(t *testing.T) {
	ctx := context.Background()

	t.Run("noAnnotations", func(t *testing.T) {
		svc := newTestService(t, false)
		if _, err := svc.Lipids(ctx, 14); !errors.Is(err, ErrNoAnnotations) {
			t.Fatalf("expected ErrNoAnnotations, got %v", err)
		}
		res, err := svc.RegionSpectrum(ctx, 14, []int{0, 1}, spectral.Options{})
		if err != nil {
			t.Fatalf("RegionSpectrum: %v", err)
		}
		if res.Lipids != nil {
			t.Fatalf("expected no lipid sums, got %+v", res.Lipids)
		}
	})

	t.Run("annotated", func(t *testing.T) {
		svc := newTestService(t, true)
		lipids, err := svc.Lipids(ctx, 14)
		if err != nil || len(lipids) != 1 {
			t.Fatalf("Lipids: %v %v", lipids, err)
		}
		if _, err := svc.Lipids(ctx, 99); !errors.Is(err, spectral.ErrSliceNotFound) {
			t.Fatalf("expected ErrSliceNotFound, got %v", err)
		}

		r, err := svc.LipidRange(ctx, 14, "ALL", "0:0", "H")
		if err != nil || r.Low != 399 || r.High != 1001 {
			t.Fatalf("LipidRange: %+v %v", r, err)
		}
		if _, err := svc.LipidRange(ctx, 14, "PC", "0:0", "H"); !errors.Is(err, annotation.ErrLipidNotFound) {
			t.Fatalf("expected ErrLipidNotFound, got %v", err)
		}

		pixels := []int{0, 1, 2, 3, 4, 5, 6, 7}
		res, err := svc.RegionSpectrum(ctx, 14, pixels, spectral.Options{})
		if err != nil {
			t.Fatalf("RegionSpectrum: %v", err)
		}
		var want float64
		for _, p := range pixels {
			sp, err := svc.PixelSpectrum(14, p, false)
			if err != nil {
				t.Fatalf("PixelSpectrum: %v", err)
			}
			for _, v := range sp.Intensity {
				want += float64(v)
			}
		}
		if want == 0 {
			t.Fatal("fixture region is empty")
		}
		if len(res.Lipids) != 1 || res.Lipids[0].Intensity != want {
			t.Fatalf("expected one lipid summing to %v, got %+v", want, res.Lipids)
		}
	})
}

func TestVerify(t *testing.T) {
	svc := newTestService(t, false)

	reports, err := svc.Verify(context.Background(), nil, spectral.Options{}, 2)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected one report per slice, got %d", len(reports))
	}
	for _, r := range reports {
		if !r.OK() || !r.CacheExact {
			t.Errorf("slice %d: %+v", r.Slice, r)
		}
		if r.Range != DefaultVerifyRanges[0] {
			t.Errorf("unexpected range %+v", r.Range)
		}
	}

	reports, err = svc.Verify(context.Background(), []Range{{400, 1000}, {759.99, 760.01}}, spectral.Options{Correction: spectral.CorrectionHarmonized}, 1)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(reports) != 4 {
		t.Fatalf("expected 4 reports, got %d", len(reports))
	}
	for _, r := range reports {
		if !r.OK() {
			t.Errorf("slice %d range %+v: %d differences", r.Slice, r.Range, r.Differences)
		}
	}
}
