package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/maldi-atlas/server/internal/spectral"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		values     []float64
		percentile float64
		logScale   bool
		want       []float64
	}{
		{
			name:       "maxWhenPercentileZero",
			values:     []float64{0, 2, 4, 8},
			percentile: 0,
			want:       []float64{0, 0.25, 0.5, 1},
		},
		{
			name:       "fullPercentile",
			values:     []float64{0, 2, 4, 8},
			percentile: 100,
			want:       []float64{0, 0.25, 0.5, 1},
		},
		{
			name:       "allZero",
			values:     []float64{0, 0, 0},
			percentile: 99,
			want:       []float64{0, 0, 0},
		},
		{
			name:       "percentileZeroFallsBackToMax",
			values:     []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 4},
			percentile: 50,
			want:       []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		},
		{
			name:       "log",
			values:     []float64{0, math.E - 1},
			percentile: 0,
			logScale:   true,
			want:       []float64{0, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.values, tt.percentile, tt.logScale)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d values, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-12 {
					t.Errorf("value %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNormalizeClipsAbovePercentile(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i)
	}
	values[99] = 1e6

	got := Normalize(values, 90, false)
	for i, v := range got {
		if v < 0 || v > 1 {
			t.Fatalf("value %d out of range: %v", i, v)
		}
	}
	if got[99] != 1 {
		t.Fatalf("expected outlier clipped to 1, got %v", got[99])
	}
	if got[10] <= 0 || got[10] >= 1 {
		t.Fatalf("expected interior value strictly inside (0,1), got %v", got[10])
	}
}

func TestChannel(t *testing.T) {
	got := Channel([]float64{0, 0.5, 1, 2, -1, math.NaN()})
	want := []uint8{0, 128, 255, 255, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("level %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestHeatmap(t *testing.T) {
	r := NewRenderer(Config{DefaultColormap: "greys"})
	img := &spectral.Image{
		Shape:  spectral.Shape{Rows: 2, Cols: 3},
		Values: []float64{0, 1, 2, 3, 4, 8},
	}

	t.Run("pixels", func(t *testing.T) {
		data, err := r.Heatmap(img, Style{Colormap: "greys", Scale: 2})
		if err != nil {
			t.Fatalf("Heatmap: %v", err)
		}
		decoded, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if b := decoded.Bounds(); b.Dx() != 6 || b.Dy() != 4 {
			t.Fatalf("unexpected bounds %v", b)
		}
		if c := color.RGBAModel.Convert(decoded.At(0, 0)).(color.RGBA); c.R != 0 {
			t.Errorf("expected black top-left, got %v", c)
		}
		if c := color.RGBAModel.Convert(decoded.At(5, 3)).(color.RGBA); c.R != 255 {
			t.Errorf("expected white bottom-right, got %v", c)
		}
		if c := color.RGBAModel.Convert(decoded.At(4, 3)).(color.RGBA); c.R != 255 {
			t.Errorf("expected scaled block to be filled, got %v", c)
		}
	})

	t.Run("colorbar", func(t *testing.T) {
		data, err := r.Heatmap(img, Style{Colormap: "viridis", Colorbar: true})
		if err != nil {
			t.Fatalf("Heatmap: %v", err)
		}
		decoded, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Bounds().Dy() != 2+colorbarHeight {
			t.Fatalf("expected colorbar strip, got bounds %v", decoded.Bounds())
		}
	})

	t.Run("unknownColormap", func(t *testing.T) {
		if _, err := r.Heatmap(img, Style{Colormap: "jet"}); err == nil {
			t.Fatal("expected error for unknown colormap")
		}
	})

	t.Run("defaultColormap", func(t *testing.T) {
		if _, err := r.Heatmap(img, Style{}); err != nil {
			t.Fatalf("Heatmap: %v", err)
		}
	})
}

func TestComposite(t *testing.T) {
	r := NewRenderer(Config{})
	shape := spectral.Shape{Rows: 1, Cols: 2}
	red := &spectral.Image{Shape: shape, Values: []float64{1, 0}}
	blue := &spectral.Image{Shape: shape, Values: []float64{0, 1}}

	data, err := r.Composite(shape, []*spectral.Image{red, nil, blue}, Style{})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c := color.RGBAModel.Convert(decoded.At(0, 0)).(color.RGBA); c != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("expected red pixel, got %v", c)
	}
	if c := color.RGBAModel.Convert(decoded.At(1, 0)).(color.RGBA); c != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("expected blue pixel, got %v", c)
	}

	if _, err := r.Composite(shape, nil, Style{}); err == nil {
		t.Error("expected error for zero channels")
	}
	if _, err := r.Composite(shape, []*spectral.Image{red, red, red, red}, Style{}); err == nil {
		t.Error("expected error for four channels")
	}
	other := spectral.NewImage(spectral.Shape{Rows: 2, Cols: 2})
	if _, err := r.Composite(shape, []*spectral.Image{other}, Style{}); err == nil {
		t.Error("expected error for mismatched shape")
	}
}

func TestChannelSum(t *testing.T) {
	shape := spectral.Shape{Rows: 1, Cols: 3}
	a := &spectral.Image{Shape: shape, Values: []float64{0, 2, 4}}
	b := &spectral.Image{Shape: shape, Values: []float64{4, 0, 4}}

	got := ChannelSum(shape, []*spectral.Image{a, b}, 0, false)
	want := []float64{1, 0.5, 1}
	for i := range want {
		if got.Values[i] != want[i] {
			t.Errorf("pixel %d: got %v, want %v", i, got.Values[i], want[i])
		}
	}
}
