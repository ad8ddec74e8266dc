// Package render draws range images as PNG heatmaps and RGB composites using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/maldi-atlas/server/internal/spectral"
	"github.com/maldi-atlas/server/pkg/colormap"
)

// MaxChannels is the number of channels of a composite image.
const MaxChannels = 3

// colorbarHeight is the height in output pixels of the legend strip.
const colorbarHeight = 12

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
	Percentile      float64
	LogScale        bool
}

// Style selects how a single image is rendered.
type Style struct {
	Colormap   string
	Percentile float64
	LogScale   bool
	// Scale is the number of output pixels per acquisition pixel (default 1).
	Scale int
	// Colorbar appends a legend strip below the image.
	Colorbar bool
}

// Renderer renders range images.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
	tables     map[string]*colormap.Table
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	if cfg.Percentile == 0 {
		cfg.Percentile = DefaultPercentile
	}
	r := &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		tables: make(map[string]*colormap.Table),
	}

	for _, name := range colormap.Names() {
		c, _ := colormap.ByName(name)
		r.tables[name] = colormap.NewTable(c)
	}
	return r
}

// DefaultStyle returns the configured style.
func (r *Renderer) DefaultStyle() Style {
	return Style{
		Colormap:   r.config.DefaultColormap,
		Percentile: r.config.Percentile,
		LogScale:   r.config.LogScale,
		Scale:      1,
	}
}

// Heatmap renders img through a colormap.
func (r *Renderer) Heatmap(img *spectral.Image, style Style) ([]byte, error) {
	table, ok := r.tables[style.Colormap]
	if !ok {
		if style.Colormap != "" {
			return nil, fmt.Errorf("unknown colormap %q", style.Colormap)
		}
		table = r.tables[r.config.DefaultColormap]
	}
	levels := Channel(Normalize(img.Values, style.Percentile, style.LogScale))

	scale := style.Scale
	if scale <= 0 {
		scale = 1
	}
	height := img.Shape.Rows * scale
	if style.Colorbar {
		height += colorbarHeight
	}
	canvas := image.NewRGBA(image.Rect(0, 0, img.Shape.Cols*scale, height))
	for p, level := range levels {
		row, col := p/img.Shape.Cols, p%img.Shape.Cols
		fillBlock(canvas, col*scale, row*scale, scale, table[level])
	}

	dc := gg.NewContextForRGBA(canvas)
	if style.Colorbar {
		r.drawColorbar(dc, table, img.Shape.Rows*scale)
	}
	return r.encodeContext(dc)
}

// Composite renders up to three channels as the red, green and blue
// components of one image. A nil channel stays black.
func (r *Renderer) Composite(shape spectral.Shape, channels []*spectral.Image, style Style) ([]byte, error) {
	if len(channels) == 0 || len(channels) > MaxChannels {
		return nil, fmt.Errorf("composite needs 1 to %d channels, got %d", MaxChannels, len(channels))
	}
	var levels [MaxChannels][]uint8
	for i, ch := range channels {
		if ch == nil {
			continue
		}
		if ch.Shape != shape {
			return nil, fmt.Errorf("channel %d has shape %dx%d, want %dx%d",
				i, ch.Shape.Rows, ch.Shape.Cols, shape.Rows, shape.Cols)
		}
		levels[i] = Channel(ch.Values)
	}

	scale := style.Scale
	if scale <= 0 {
		scale = 1
	}
	canvas := image.NewRGBA(image.Rect(0, 0, shape.Cols*scale, shape.Rows*scale))
	for p := 0; p < shape.Pixels(); p++ {
		c := color.RGBA{A: 255}
		if levels[0] != nil {
			c.R = levels[0][p]
		}
		if levels[1] != nil {
			c.G = levels[1][p]
		}
		if levels[2] != nil {
			c.B = levels[2][p]
		}
		fillBlock(canvas, (p%shape.Cols)*scale, (p/shape.Cols)*scale, scale, c)
	}
	return r.encodeContext(gg.NewContextForRGBA(canvas))
}

// ChannelSum normalizes each image independently and adds them into one
// channel clipped to [0, 1].
func ChannelSum(shape spectral.Shape, images []*spectral.Image, percentile float64, logScale bool) *spectral.Image {
	out := spectral.NewImage(shape)
	for _, img := range images {
		for i, v := range Normalize(img.Values, percentile, logScale) {
			out.Values[i] += v
		}
	}
	for i, v := range out.Values {
		out.Values[i] = clamp01(v)
	}
	return out
}

func (r *Renderer) drawColorbar(dc *gg.Context, table *colormap.Table, top int) {
	width := float64(dc.Width())
	step := width / float64(len(table))
	dc.SetColor(color.White)
	dc.DrawRectangle(0, float64(top), width, colorbarHeight)
	dc.Fill()
	for i, c := range table {
		dc.SetColor(c)
		dc.DrawRectangle(float64(i)*step, float64(top+2), step+1, colorbarHeight-4)
		dc.Fill()
	}
}

func fillBlock(img *image.RGBA, x, y, size int, c color.RGBA) {
	for dy := 0; dy < size; dy++ {
		off := img.PixOffset(x, y+dy)
		for dx := 0; dx < size; dx++ {
			img.Pix[off] = c.R
			img.Pix[off+1] = c.G
			img.Pix[off+2] = c.B
			img.Pix[off+3] = c.A
			off += 4
		}
	}
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
