package raster

import (
	"context"
	"fmt"
	"os"
)

// Metadata describes a raster without decoding its samples.
type Metadata struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Bands         int     `json:"bands"`
	BitsPerSample int     `json:"bits_per_sample"`
	Compression   int     `json:"compression"`
	Tiled         bool    `json:"tiled"`
	NoData        float64 `json:"nodata,omitempty"`
	HasNoData     bool    `json:"has_nodata"`
	Bounds        BBox    `json:"bounds"`
	Georeferenced bool    `json:"georeferenced"`
	EPSG          int     `json:"epsg,omitempty"`
}

// DefaultMaxPixels bounds the sample grid a single decode may allocate.
const DefaultMaxPixels = 1 << 28

type options struct {
	maxPixels int
}

// Option configures Load, LoadBand and Decode.
type Option func(*options)

// WithMaxPixels rejects rasters whose width*height exceeds n. Values <= 0
// keep DefaultMaxPixels.
func WithMaxPixels(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPixels = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Load reads the first band of the raster at path.
func Load(ctx context.Context, path string, opts ...Option) (*Grid, error) {
	return LoadBand(ctx, path, 0, opts...)
}

// LoadBand reads band (zero-based) of the first image in the raster at path.
func LoadBand(ctx context.Context, path string, band int, opts ...Option) (*Grid, error) {
	data, err := readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return Decode(ctx, data, band, opts...)
}

// Decode decodes band (zero-based) of the first image of a TIFF byte stream.
func Decode(ctx context.Context, data []byte, band int, opts ...Option) (*Grid, error) {
	o := newOptions(opts)
	d, err := parseFirstIFD(data)
	if err != nil {
		return nil, err
	}
	lay, err := newLayout(d)
	if err != nil {
		return nil, err
	}
	if px := lay.width * lay.height; px > o.maxPixels {
		return nil, fmt.Errorf("%w: %w: %dx%d is %d pixels, limit %d",
			ErrDecode, ErrTooLarge, lay.width, lay.height, px, o.maxPixels)
	}
	samples, err := lay.decodeBand(ctx, data, band)
	if err != nil {
		return nil, err
	}
	box, georeferenced, err := georeference(d, lay.width, lay.height)
	if err != nil {
		return nil, err
	}
	nd, hasNoData := noData(d, lay)

	return &Grid{
		Width:         lay.width,
		Height:        lay.height,
		Samples:       samples,
		NoData:        nd,
		HasNoData:     hasNoData,
		Bounds:        box,
		Georeferenced: georeferenced,
		EPSG:          epsgCode(d),
	}, nil
}

// ReadMetadata parses the header and tag table of the raster at path.
func ReadMetadata(ctx context.Context, path string) (*Metadata, error) {
	data, err := readFile(ctx, path)
	if err != nil {
		return nil, err
	}
	d, err := parseFirstIFD(data)
	if err != nil {
		return nil, err
	}
	lay, err := newLayout(d)
	if err != nil {
		return nil, err
	}
	box, georeferenced, err := georeference(d, lay.width, lay.height)
	if err != nil {
		return nil, err
	}
	nd, hasNoData := noData(d, lay)

	return &Metadata{
		Width:         lay.width,
		Height:        lay.height,
		Bands:         lay.samplesPerPixel,
		BitsPerSample: lay.bytesPerSample * 8,
		Compression:   int(lay.compression),
		Tiled:         lay.tiled,
		NoData:        nd,
		HasNoData:     hasNoData,
		Bounds:        box,
		Georeferenced: georeferenced,
		EPSG:          epsgCode(d),
	}, nil
}

// ExtractBounds returns the bounding box embedded in the raster at path as
// west, south, east, north. The values are passed through unchecked.
func ExtractBounds(ctx context.Context, path string) (BBox, error) {
	md, err := ReadMetadata(ctx, path)
	if err != nil {
		return BBox{}, err
	}
	if !md.Georeferenced {
		return BBox{}, fmt.Errorf("%w: %s", ErrNoGeoreference, path)
	}
	return md.Bounds, nil
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return data, nil
}
