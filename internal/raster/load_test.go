package raster

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damwatch/server/internal/raster/rastertest"
)

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)*1.5 - 7
	}
	return out
}

func TestLoadLayouts(t *testing.T) {
	const w, h = 7, 5
	samples := ramp(w * h)
	bounds := &rastertest.Box{West: 10, South: 20, East: 11, North: 21}

	tests := []struct {
		name string
		opts rastertest.Options
	}{
		{"single strip", rastertest.Options{}},
		{"multiple strips", rastertest.Options{RowsPerStrip: 2}},
		{"tiles with padding", rastertest.Options{TileWidth: 4, TileHeight: 3}},
		{"big endian", rastertest.Options{BigEndian: true, RowsPerStrip: 3}},
		{"bigtiff", rastertest.Options{BigTIFF: true, TileWidth: 4, TileHeight: 4}},
		{"deflate", rastertest.Options{Compression: rastertest.Deflate}},
		{"zstd tiles", rastertest.Options{Compression: rastertest.ZSTD, TileWidth: 4, TileHeight: 2}},
		{"packbits", rastertest.Options{Compression: rastertest.PackBits, RowsPerStrip: 1}},
		{"float predictor", rastertest.Options{Compression: rastertest.Deflate, Predictor: rastertest.FloatPredictor}},
		{"float predictor big endian", rastertest.Options{BigEndian: true, Predictor: rastertest.FloatPredictor, TileWidth: 4, TileHeight: 4}},
		{"float64", rastertest.Options{Format: rastertest.Float64, Predictor: rastertest.FloatPredictor}},
		{"horizontal predictor float64", rastertest.Options{Format: rastertest.Float64, Predictor: rastertest.HorizontalPredictor}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Width, opts.Height = w, h
			opts.Bands = [][]float64{samples}
			opts.Bounds = bounds
			path := rastertest.WriteFile(t, t.TempDir(), "map.tif", opts)

			g, err := Load(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, w, g.Width)
			assert.Equal(t, h, g.Height)
			assert.Equal(t, samples, g.Samples)
			assert.True(t, g.Georeferenced)
			assert.InDelta(t, 10, g.Bounds.West, 1e-9)
			assert.InDelta(t, 20, g.Bounds.South, 1e-9)
			assert.InDelta(t, 11, g.Bounds.East, 1e-9)
			assert.InDelta(t, 21, g.Bounds.North, 1e-9)
		})
	}
}

func TestLoadIntegerSamples(t *testing.T) {
	samples := []float64{-5, 0, 120, -32768, 7, 300}

	tests := []struct {
		name string
		opts rastertest.Options
	}{
		{"int16", rastertest.Options{Format: rastertest.Int16}},
		{"int16 horizontal predictor", rastertest.Options{Format: rastertest.Int16, Predictor: rastertest.HorizontalPredictor, Compression: rastertest.Deflate}},
		{"int32 big endian", rastertest.Options{Format: rastertest.Int32, BigEndian: true, Predictor: rastertest.HorizontalPredictor}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Width, opts.Height = 3, 2
			opts.Bands = [][]float64{samples}
			path := rastertest.WriteFile(t, t.TempDir(), "int.tif", opts)

			g, err := Load(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, samples, g.Samples)
		})
	}
}

func TestLoadUint8(t *testing.T) {
	samples := []float64{0, 1, 254, 255}
	path := rastertest.WriteFile(t, t.TempDir(), "u8.tif", rastertest.Options{
		Width: 2, Height: 2, Bands: [][]float64{samples}, Format: rastertest.Uint8,
		Predictor: rastertest.HorizontalPredictor, Compression: rastertest.PackBits,
	})

	g, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, samples, g.Samples)
}

func TestLoadBandSelection(t *testing.T) {
	first := []float64{1, 2, 3, 4}
	second := []float64{10, 20, 30, 40}

	for _, planar := range []int{1, 2} {
		opts := rastertest.Options{Width: 2, Height: 2, Bands: [][]float64{first, second}, Planar: planar}
		path := rastertest.WriteFile(t, t.TempDir(), "bands.tif", opts)

		g, err := Load(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, first, g.Samples, "planar %d band 0", planar)

		g, err = LoadBand(context.Background(), path, 1)
		require.NoError(t, err)
		assert.Equal(t, second, g.Samples, "planar %d band 1", planar)

		_, err = LoadBand(context.Background(), path, 2)
		assert.ErrorIs(t, err, ErrDecode)
	}
}

func TestLoadNoData(t *testing.T) {
	t.Run("float32 sentinel is rounded to sample precision", func(t *testing.T) {
		path := rastertest.WriteFile(t, t.TempDir(), "nd.tif", rastertest.Options{
			Width: 2, Height: 2, Bands: [][]float64{{-3.4028234663852886e+38, 1, 2, 3}},
			NoData: "-3.4028234663852886e+38",
		})

		g, err := Load(context.Background(), path)
		require.NoError(t, err)
		assert.True(t, g.HasNoData)
		assert.False(t, g.IsValid(g.Samples[0]))
		assert.Equal(t, []float64{1, 2, 3}, g.ValidSamples())
	})

	t.Run("int16 sentinel", func(t *testing.T) {
		path := rastertest.WriteFile(t, t.TempDir(), "nd16.tif", rastertest.Options{
			Width: 3, Height: 1, Bands: [][]float64{{-9999, 4, -9999}},
			Format: rastertest.Int16, NoData: rastertest.FormatNoData(-9999),
		})

		g, err := Load(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, -9999.0, g.NoData)
		assert.Equal(t, []float64{4}, g.ValidSamples())
	})

	t.Run("absent tag", func(t *testing.T) {
		path := rastertest.WriteFile(t, t.TempDir(), "plain.tif", rastertest.Single(2, 1, 0, 1))

		g, err := Load(context.Background(), path)
		require.NoError(t, err)
		assert.False(t, g.HasNoData)
		assert.Equal(t, []float64{0, 1}, g.ValidSamples())
	})

	t.Run("nan samples are never valid", func(t *testing.T) {
		path := rastertest.WriteFile(t, t.TempDir(), "nan.tif", rastertest.Single(2, 1, math.NaN(), 1))

		g, err := Load(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, []float64{1}, g.ValidSamples())
	})
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := Load(ctx, filepath.Join(dir, "missing.tif"))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	garbage := filepath.Join(dir, "garbage.tif")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not a tiff file"), 0644))
	_, err = Load(ctx, garbage)
	assert.ErrorIs(t, err, ErrDecode)

	empty := filepath.Join(dir, "empty.tif")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = Load(ctx, empty)
	assert.ErrorIs(t, err, ErrDecode)

	data, err := rastertest.Encode(rastertest.Single(2, 2, 1, 2, 3, 4))
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.tif")
	require.NoError(t, os.WriteFile(truncated, data[:12], 0644))
	_, err = Load(ctx, truncated)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestLoadCancelled(t *testing.T) {
	path := rastertest.WriteFile(t, t.TempDir(), "map.tif", rastertest.Single(2, 1, 1, 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractBounds(t *testing.T) {
	ctx := context.Background()

	t.Run("tie point and scale", func(t *testing.T) {
		opts := rastertest.Single(4, 2, 0, 0, 0, 0, 0, 0, 0, 0)
		opts.Bounds = &rastertest.Box{West: 10, South: 20, East: 11, North: 21}
		path := rastertest.WriteFile(t, t.TempDir(), "b.tif", opts)

		box, err := ExtractBounds(ctx, path)
		require.NoError(t, err)
		assert.InDelta(t, 10, box.West, 1e-9)
		assert.InDelta(t, 20, box.South, 1e-9)
		assert.InDelta(t, 11, box.East, 1e-9)
		assert.InDelta(t, 21, box.North, 1e-9)
	})

	t.Run("model transformation", func(t *testing.T) {
		opts := rastertest.Single(4, 2, 0, 0, 0, 0, 0, 0, 0, 0)
		opts.Transformation = []float64{
			0.5, 0, 0, 100,
			0, -0.25, 0, 50,
			0, 0, 0, 0,
			0, 0, 0, 1,
		}
		path := rastertest.WriteFile(t, t.TempDir(), "m.tif", opts)

		box, err := ExtractBounds(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, BBox{West: 100, South: 49.5, East: 102, North: 50}, box)
	})

	t.Run("values pass through unchecked", func(t *testing.T) {
		opts := rastertest.Single(1, 1, 0)
		opts.Bounds = &rastertest.Box{West: 500000, South: 4000000, East: 500030, North: 4000030}
		opts.EPSG = 32633
		path := rastertest.WriteFile(t, t.TempDir(), "utm.tif", opts)

		box, err := ExtractBounds(ctx, path)
		require.NoError(t, err)
		assert.InDelta(t, 500000, box.West, 1e-6)
		assert.InDelta(t, 4000030, box.North, 1e-6)

		md, err := ReadMetadata(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 32633, md.EPSG)
	})

	t.Run("no georeference", func(t *testing.T) {
		path := rastertest.WriteFile(t, t.TempDir(), "plain.tif", rastertest.Single(1, 1, 0))

		_, err := ExtractBounds(ctx, path)
		assert.ErrorIs(t, err, ErrNoGeoreference)
	})
}

func TestReadMetadata(t *testing.T) {
	opts := rastertest.Options{
		Width: 5, Height: 3, Bands: [][]float64{ramp(15)},
		Compression: rastertest.ZSTD, TileWidth: 16, TileHeight: 16,
		NoData: "-9999", EPSG: 4326,
		Bounds: &rastertest.Box{West: -1, South: -1, East: 1, North: 1},
	}
	path := rastertest.WriteFile(t, t.TempDir(), "meta.tif", opts)

	md, err := ReadMetadata(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 5, md.Width)
	assert.Equal(t, 3, md.Height)
	assert.Equal(t, 1, md.Bands)
	assert.Equal(t, 32, md.BitsPerSample)
	assert.Equal(t, rastertest.ZSTD, md.Compression)
	assert.True(t, md.Tiled)
	assert.True(t, md.HasNoData)
	assert.Equal(t, -9999.0, md.NoData)
	assert.Equal(t, 4326, md.EPSG)
	assert.True(t, md.Georeferenced)
}

func TestUnpackBits(t *testing.T) {
	// Sample stream from the PackBits section of TIFF 6.0.
	src := []byte{0xFE, 0xAA, 0x02, 0x80, 0x00, 0x2A, 0xFD, 0xAA, 0x03, 0x80, 0x00, 0x2A, 0x22, 0xF7, 0xAA}
	want := []byte{
		0xAA, 0xAA, 0xAA, 0x80, 0x00, 0x2A, 0xAA, 0xAA, 0xAA, 0xAA,
		0x80, 0x00, 0x2A, 0x22, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
	}

	got, err := unpackBits(src, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = unpackBits([]byte{0x05, 0x01}, 6)
	assert.Error(t, err)
}
