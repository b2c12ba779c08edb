// Package raster decodes single-band GeoTIFF rasters and derives the
// statistics and bounds used to display flood-extent layers.
package raster

import (
	"errors"
	"math"
)

var (
	// ErrIO is returned when a raster file cannot be read or an artifact cannot be written.
	ErrIO = errors.New("raster: i/o error")
	// ErrDecode is returned for malformed or unsupported raster containers.
	ErrDecode = errors.New("raster: decode error")
	// ErrEmptyData is returned when a grid holds no valid samples.
	ErrEmptyData = errors.New("raster: no valid raster data found")
	// ErrNoGeoreference is returned when bounds are requested for a raster
	// that carries no affine georeferencing.
	ErrNoGeoreference = errors.New("raster: image has no affine transformation")
	// ErrTooLarge is returned, wrapped in ErrDecode, when a raster exceeds
	// the configured pixel limit.
	ErrTooLarge = errors.New("raster: image exceeds pixel limit")
	// ErrPercentileRange is returned for percentiles outside [0, 100].
	ErrPercentileRange = errors.New("raster: percentile must be within [0, 100]")
)

// BBox is a geographic bounding box in the raster's own coordinate system.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// LatLng is a single map coordinate.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LatLngBounds is the corner pair map clients use to place an overlay.
type LatLngBounds struct {
	SouthWest LatLng `json:"southWest"`
	NorthEast LatLng `json:"northEast"`
}

// LatLng maps west/east to longitude and south/north to latitude.
func (b BBox) LatLng() LatLngBounds {
	return LatLngBounds{
		SouthWest: LatLng{Latitude: b.South, Longitude: b.West},
		NorthEast: LatLng{Latitude: b.North, Longitude: b.East},
	}
}

// Grid is one decoded raster band. It is owned by the request that loaded it
// and must not be modified after Load returns.
type Grid struct {
	Width   int
	Height  int
	Samples []float64 // row-major, len == Width*Height

	NoData    float64
	HasNoData bool

	Bounds        BBox
	Georeferenced bool
	EPSG          int // 0 when the GeoKey directory does not name a code
}

// IsValid reports whether v is a measurement rather than no-data or garbage.
func (g *Grid) IsValid(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return !g.HasNoData || v != g.NoData
}

// ValidSamples returns a fresh slice holding every valid sample in grid order.
func (g *Grid) ValidSamples() []float64 {
	out := make([]float64, 0, len(g.Samples))
	for _, v := range g.Samples {
		if g.IsValid(v) {
			out = append(out, v)
		}
	}
	return out
}
