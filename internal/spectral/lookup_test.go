package spectral_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/maldi-atlas/server/internal/spectral"
	"github.com/maldi-atlas/server/internal/spectral/spectraltest"
)

func TestSeekCorrectness(t *testing.T) {
	s := spectraltest.Random(spectraltest.Config{ID: 1, Shape: spectral.Shape{Rows: 8, Cols: 9}, Divider: 10, Buckets: 9010}, 21, 60, 400, 900)
	rng := rand.New(rand.NewSource(5))

	values := []float64{-1, 0, 399.99, 400, 900, 901, 1e9}
	for i := 0; i < 200; i++ {
		values = append(values, 395+rng.Float64()*510)
	}
	for i := 0; i < 100; i++ {
		values = append(values, s.MZ[rng.Intn(len(s.MZ))])
	}

	for _, v := range values {
		idx, err := s.SeekImage(v)
		if err != nil {
			t.Fatalf("seek %v: %v", v, err)
		}
		for p, i := range idx {
			lo, hi := s.Segments.Span(p)
			if i < lo || i > hi {
				t.Fatalf("seek %v pixel %d: %d outside [%d, %d]", v, p, i, lo, hi)
			}
			for j := lo; j < i; j++ {
				if s.MZ[j] >= v {
					t.Fatalf("seek %v pixel %d: entry %d (%v) before %d is >= value", v, p, j, s.MZ[j], i)
				}
			}
			if i < hi && s.MZ[i] < v {
				t.Fatalf("seek %v pixel %d: entry %d (%v) is < value", v, p, i, s.MZ[i])
			}
		}
	}
}

func TestSeekEdges(t *testing.T) {
	s := spectraltest.Build(spectraltest.Config{ID: 1, Shape: spectral.Shape{Rows: 1, Cols: 3}, Divider: 1, Buckets: 10}, [][]spectraltest.Peak{
		{{MZ: 2, Intensity: 1}, {MZ: 3, Intensity: 1}, {MZ: 7.5, Intensity: 1}},
		nil,
		{{MZ: 4, Intensity: 1}},
	})
	if err := s.Prepare(true); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	tests := []struct {
		pixel int
		value float64
		want  int
	}{
		{0, -3, 0},
		{0, 1.99, 0},
		{0, 2, 0},
		{0, 2.5, 1},
		{0, 3, 1},
		{0, 7.5, 2},
		{0, 7.51, 3},
		{0, 50, 3},
		{1, 5, 3},
		{2, 0, 3},
		{2, 4, 3},
		{2, 4.01, 4},
		{2, 100, 4},
	}
	for _, tt := range tests {
		got, err := s.Seek(tt.pixel, tt.value)
		if err != nil {
			t.Fatalf("seek: %v", err)
		}
		if got != tt.want {
			t.Errorf("Seek(%d, %v) = %d, want %d", tt.pixel, tt.value, got, tt.want)
		}
	}

	if _, err := s.Seek(3, 1); !errors.Is(err, spectral.ErrPixelOutOfBounds) {
		t.Fatalf("expected ErrPixelOutOfBounds, got %v", err)
	}
}

// A lookup built with a different rounding than the query side must still
// give exact seeks.
func TestSeekToleratesOffByOneLookup(t *testing.T) {
	s := spectraltest.Build(spectraltest.Config{ID: 1, Shape: spectral.Shape{Rows: 1, Cols: 1}, Divider: 10, Buckets: 100}, [][]spectraltest.Peak{
		{{MZ: 0.3, Intensity: 1}, {MZ: 0.7, Intensity: 1}, {MZ: 2.9, Intensity: 1}, {MZ: 3.0, Intensity: 1}},
	})
	// shift every estimate one entry late
	for i := range s.Lookup.Index {
		if s.Lookup.Index[i] < 4 {
			s.Lookup.Index[i]++
		}
	}
	if err := s.Prepare(false); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for _, tt := range []struct {
		v    float64
		want int
	}{{0.3, 0}, {0.69, 1}, {0.7, 1}, {2.95, 3}, {3.0, 3}, {3.01, 4}} {
		if got, _ := s.Seek(0, tt.v); got != tt.want {
			t.Errorf("Seek(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}
