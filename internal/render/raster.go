// Package render paints decoded rasters with a colour ramp and writes them
// as PNG overlays.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/damwatch/server/internal/raster"
	"github.com/damwatch/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	CompressionLevel png.CompressionLevel
	LegendWidth      int
	LegendHeight     int
	// MaxPixels bounds the rasters RenderFile will decode.
	MaxPixels int
}

// DefaultConfig returns the renderer defaults.
func DefaultConfig() Config {
	return Config{
		CompressionLevel: png.DefaultCompression,
		LegendWidth:      256,
		LegendHeight:     48,
		MaxPixels:        raster.DefaultMaxPixels,
	}
}

// RasterRenderer turns GeoTIFF files into PNG overlays. It is safe for
// concurrent use.
type RasterRenderer struct {
	config     Config
	encoder    png.Encoder
	bufferPool sync.Pool
}

// NewRasterRenderer creates a new renderer.
func NewRasterRenderer(cfg Config) *RasterRenderer {
	def := DefaultConfig()
	if cfg.LegendWidth <= 0 {
		cfg.LegendWidth = def.LegendWidth
	}
	if cfg.LegendHeight <= 0 {
		cfg.LegendHeight = def.LegendHeight
	}
	r := &RasterRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
	r.encoder = png.Encoder{CompressionLevel: cfg.CompressionLevel, BufferPool: &encoderPool{}}
	return r
}

// encoderPool lets concurrent encodes share zlib scratch buffers.
type encoderPool struct {
	pool sync.Pool
}

func (p *encoderPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *encoderPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}

// PNGPath returns the overlay path for a raster: the same directory and base
// name with the extension replaced by ".png".
func PNGPath(src string) string {
	return strings.TrimSuffix(src, filepath.Ext(src)) + ".png"
}

// Colorize paints every valid sample with the ramp bucket for its position
// between the grid's minimum and 90th percentile. Invalid samples stay fully
// transparent. When the range is empty every valid sample takes bucket 0.
func Colorize(ctx context.Context, g *raster.Grid, ramp colormap.Ramp) (*image.NRGBA, raster.Statistics, error) {
	if ramp.Len() == 0 {
		return nil, raster.Statistics{}, colormap.ErrEmptyRamp
	}
	if g.Width <= 0 || g.Height <= 0 || len(g.Samples) != g.Width*g.Height {
		return nil, raster.Statistics{}, fmt.Errorf("%w: %d samples for a %dx%d grid",
			raster.ErrDecode, len(g.Samples), g.Width, g.Height)
	}

	stats, err := raster.ComputeStatistics(g)
	if err != nil {
		return nil, raster.Statistics{}, err
	}
	span := stats.Max - stats.Min

	img := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, raster.Statistics{}, err
			}
		}
		row := g.Samples[y*g.Width : (y+1)*g.Width]
		pix := img.Pix[y*img.Stride : y*img.Stride+4*g.Width]
		for x, v := range row {
			if !g.IsValid(v) {
				continue
			}
			idx := 0
			if span > 0 {
				idx = ramp.Index((v - stats.Min) / span)
			}
			c := ramp.RGBA(idx)
			p := pix[4*x : 4*x+4]
			p[0], p[1], p[2], p[3] = c.R, c.G, c.B, 255
		}
	}
	return img, stats, nil
}

// RenderFile loads src, colorizes its first band and writes the result to
// PNGPath(src), replacing any previous overlay. Nothing is left on disk when
// it fails or ctx is cancelled.
func (r *RasterRenderer) RenderFile(ctx context.Context, src string, ramp colormap.Ramp) (string, error) {
	g, err := raster.Load(ctx, src, raster.WithMaxPixels(r.config.MaxPixels))
	if err != nil {
		return "", err
	}
	img, _, err := Colorize(ctx, g, ramp)
	if err != nil {
		return "", err
	}

	out := PNGPath(src)
	if err := r.writePNG(ctx, out, img); err != nil {
		return "", err
	}
	return out, nil
}

// EncodePNG returns the PNG encoding of img.
func (r *RasterRenderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	if err := r.encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func (r *RasterRenderer) writePNG(ctx context.Context, path string, img image.Image) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".render-*.png")
	if err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := r.encoder.Encode(tmp, img); err != nil {
		return fmt.Errorf("%w: encode png: %w", raster.ErrIO, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	return nil
}
