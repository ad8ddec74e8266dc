package spectral_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maldi-atlas/server/internal/spectral"
	"github.com/maldi-atlas/server/internal/spectral/spectraltest"
)

func TestShapeMapping(t *testing.T) {
	shape := spectral.Shape{Rows: 3, Cols: 5}

	for p := 0; p < shape.Pixels(); p++ {
		row, col, err := shape.ToCoordinate(p)
		if err != nil {
			t.Fatalf("ToCoordinate(%d): %v", p, err)
		}
		if row != p/5 || col != p%5 {
			t.Fatalf("ToCoordinate(%d) = (%d, %d)", p, row, col)
		}
		back, err := shape.ToPixel(row, col)
		if err != nil || back != p {
			t.Fatalf("ToPixel(%d, %d) = %d, %v", row, col, back, err)
		}
	}

	for _, p := range []int{-1, 15, 100} {
		if _, _, err := shape.ToCoordinate(p); !errors.Is(err, spectral.ErrPixelOutOfBounds) {
			t.Errorf("ToCoordinate(%d): expected ErrPixelOutOfBounds, got %v", p, err)
		}
	}
	for _, rc := range [][2]int{{-1, 0}, {3, 0}, {0, 5}} {
		if _, err := shape.ToPixel(rc[0], rc[1]); !errors.Is(err, spectral.ErrPixelOutOfBounds) {
			t.Errorf("ToPixel(%v): expected ErrPixelOutOfBounds, got %v", rc, err)
		}
	}
}

func TestSegmentCoverage(t *testing.T) {
	s := spectraltest.Build(spectraltest.Config{ID: 2, Shape: spectral.Shape{Rows: 10, Cols: 10}, Divider: 1, Buckets: 100, LegacyEmpty: true},
		spectraltest.RandomPixels(3, 100, 10, 10, 90, 1))
	if err := s.Prepare(true); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	covered := make([]int, s.Peaks())
	for p := 0; p < s.Segments.Len(); p++ {
		lo, hi := s.Segments.Span(p)
		for i := lo; i < hi; i++ {
			covered[i]++
		}
		if s.Segments.Empty(p) && s.Segments.Start[p] < 0 {
			t.Fatalf("pixel %d keeps the legacy empty marker", p)
		}
	}
	for i, n := range covered {
		if n != 1 {
			t.Fatalf("entry %d covered %d times", i, n)
		}
	}
}

func TestMemStoreAccessors(t *testing.T) {
	s := spectraltest.Random(spectraltest.Config{ID: 4, Shape: spectral.Shape{Rows: 2, Cols: 3}, Divider: 1, Buckets: 100}, 1, 5, 10, 90)
	st := spectral.NewMemStore(s)

	if ids := st.SliceIDs(); len(ids) != 1 || ids[0] != 4 {
		t.Fatalf("unexpected ids %v", ids)
	}
	mz, in, err := st.Spectra(4)
	if err != nil || len(mz) != s.Peaks() || len(in) != s.Peaks() {
		t.Fatalf("spectra: %d/%d, %v", len(mz), len(in), err)
	}
	seg, err := st.PixelBounds(4)
	if err != nil || seg.Len() != 6 {
		t.Fatalf("pixel bounds: %d, %v", seg.Len(), err)
	}
	shape, err := st.ImageShape(4)
	if err != nil || shape != (spectral.Shape{Rows: 2, Cols: 3}) {
		t.Fatalf("shape: %v, %v", shape, err)
	}

	if _, err := st.Slice(5); !errors.Is(err, spectral.ErrSliceNotFound) {
		t.Fatalf("expected ErrSliceNotFound, got %v", err)
	}
	if _, _, err := st.Spectra(5); !errors.Is(err, spectral.ErrSliceNotFound) {
		t.Fatalf("expected ErrSliceNotFound, got %v", err)
	}
}

func TestLazyStoreLoadsOnce(t *testing.T) {
	var calls int32
	st := spectral.NewLazyStore([]int{3, 1, 2}, func(id int) (*spectral.Slice, error) {
		atomic.AddInt32(&calls, 1)
		if id == 2 {
			return nil, errors.New("broken slice")
		}
		return spectraltest.Random(spectraltest.Config{ID: id, Shape: spectral.Shape{Rows: 2, Cols: 2}, Divider: 1, Buckets: 100}, int64(id), 5, 10, 90), nil
	})

	if ids := st.SliceIDs(); len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("expected sorted ids, got %v", ids)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.Slice(1); err != nil {
				t.Errorf("slice 1: %v", err)
			}
			if _, err := st.Slice(2); err == nil {
				t.Error("expected slice 2 to fail")
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 loads, got %d", got)
	}
}

func TestPixelSpectrum(t *testing.T) {
	s := spectraltest.Build(spectraltest.Config{ID: 1, Shape: spectral.Shape{Rows: 1, Cols: 3}, Divider: 1, Buckets: 10}, [][]spectraltest.Peak{
		{{MZ: 2, Intensity: 1}},
		nil,
		{{MZ: 4, Intensity: 2}, {MZ: 5, Intensity: 3}},
	})
	if err := s.Prepare(true); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	e := spectral.NewEngine(spectral.NewMemStore(s), spectral.EngineConfig{})

	mz, in, err := e.PixelSpectrum(1, 2)
	if err != nil {
		t.Fatalf("pixel spectrum: %v", err)
	}
	if len(mz) != 2 || mz[0] != 4 || mz[1] != 5 || in[0] != 2 || in[1] != 3 {
		t.Fatalf("unexpected spectrum %v %v", mz, in)
	}

	mz, in, err = e.PixelSpectrum(1, 1)
	if err != nil || len(mz) != 0 || len(in) != 0 {
		t.Fatalf("expected empty spectrum, got %v %v %v", mz, in, err)
	}

	if _, _, err := e.PixelSpectrum(1, 3); !errors.Is(err, spectral.ErrPixelOutOfBounds) {
		t.Fatalf("expected ErrPixelOutOfBounds, got %v", err)
	}
	if _, _, err := e.PixelSpectrum(2, 0); !errors.Is(err, spectral.ErrSliceNotFound) {
		t.Fatalf("expected ErrSliceNotFound, got %v", err)
	}

	row, col, err := e.ToCoordinate(1, 2)
	if err != nil || row != 0 || col != 2 {
		t.Fatalf("ToCoordinate: (%d, %d), %v", row, col, err)
	}
}
