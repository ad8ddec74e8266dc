package spectral_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/maldi-atlas/server/internal/spectral"
	"github.com/maldi-atlas/server/internal/spectral/spectraltest"
)

func linearBoundary(mz []float64, v float64) int {
	for i, m := range mz {
		if m >= v {
			return i
		}
	}
	return len(mz)
}

func TestIndexBoundaries(t *testing.T) {
	e, s := randomEngine(t, 2, 400, 900)
	rng := rand.New(rand.NewSource(3))

	for _, res := range []spectral.Resolution{spectral.ResolutionLow, spectral.ResolutionHigh} {
		avg := s.Average
		if res == spectral.ResolutionHigh {
			avg = s.AverageHD
		}
		for i := 0; i < 200; i++ {
			low, high := randomRange(rng, 400, 900)
			if i%10 == 0 {
				low = avg.MZ[rng.Intn(avg.Len())]
				if low > high {
					low, high = high, low
				}
			}
			lo, hi, err := e.IndexBoundaries(2, low, high, res)
			if err != nil {
				t.Fatalf("index boundaries: %v", err)
			}
			if lo != linearBoundary(avg.MZ, low) || hi != linearBoundary(avg.MZ, high) {
				t.Fatalf("%s [%v, %v): got [%d, %d), want [%d, %d)", res, low, high, lo, hi,
					linearBoundary(avg.MZ, low), linearBoundary(avg.MZ, high))
			}
		}
	}
}

func TestIndexBoundariesEdges(t *testing.T) {
	avg := &spectral.AverageSpectrum{
		MZ:        []float64{1.5, 2, 2.5, 7},
		Intensity: []float32{1, 1, 1, 1},
		Divider:   1,
		Lookup:    []int32{0, 0, 1, 3, 3, 3, 3, 3},
	}
	tests := []struct {
		low, high float64
		lo, hi    int
	}{
		{-5, 0, 0, 0},
		{0, 2, 0, 1},
		{2, 2.5, 1, 2},
		{2, 7, 1, 3},
		{2, 7.01, 1, 4},
		{8, 100, 4, 4},
	}
	for _, tt := range tests {
		lo, hi := avg.Boundaries(tt.low, tt.high)
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("Boundaries(%v, %v) = (%d, %d), want (%d, %d)", tt.low, tt.high, lo, hi, tt.lo, tt.hi)
		}
	}
}

func TestAverageRange(t *testing.T) {
	s := spectraltest.Build(spectraltest.Config{ID: 1, Shape: spectral.Shape{Rows: 1, Cols: 2}, Divider: 1, Buckets: 20, AverageWidth: 0.5}, [][]spectraltest.Peak{
		{{MZ: 2, Intensity: 2}, {MZ: 5, Intensity: 4}},
		{{MZ: 5, Intensity: 2}, {MZ: 9, Intensity: 8}},
	})
	s.AverageHD = nil
	if err := s.Prepare(true); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	e := spectral.NewEngine(spectral.NewMemStore(s), spectral.EngineConfig{})

	mz, in, err := e.AverageRange(1, 3, 9, spectral.Options{})
	if err != nil {
		t.Fatalf("average range: %v", err)
	}
	if len(mz) != 1 || mz[0] != 5 || in[0] != 3 {
		t.Fatalf("unexpected average slice %v %v", mz, in)
	}

	if _, _, err := e.IndexBoundaries(1, 3, 9, spectral.ResolutionHigh); !errors.Is(err, spectral.ErrNoAverageSpectrum) {
		t.Fatalf("expected ErrNoAverageSpectrum, got %v", err)
	}
	if _, _, err := e.IndexBoundaries(1, 9, 3, spectral.ResolutionLow); !errors.Is(err, spectral.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}
