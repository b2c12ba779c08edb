package raster

import (
	"math"
	"strconv"
	"strings"
)

// GeoKey identifiers read from the GeoKeyDirectoryTag.
const (
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072
	geoKeyUserDefined    = 32767
)

// georeference derives the bounding box of a width x height image from the
// model transformation, or from the first tie point and the pixel scale.
// ok is false when the file carries neither.
func georeference(d *ifd, width, height int) (box BBox, ok bool, err error) {
	w, h := float64(width), float64(height)

	m, found, err := d.floats(tagModelTransformation)
	if err != nil {
		return BBox{}, false, err
	}
	if found && len(m) >= 16 {
		box = BBox{West: math.Inf(1), South: math.Inf(1), East: math.Inf(-1), North: math.Inf(-1)}
		for _, corner := range [][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
			x := m[0]*corner[0] + m[1]*corner[1] + m[3]
			y := m[4]*corner[0] + m[5]*corner[1] + m[7]
			box.West, box.East = math.Min(box.West, x), math.Max(box.East, x)
			box.South, box.North = math.Min(box.South, y), math.Max(box.North, y)
		}
		return box, true, nil
	}

	tie, hasTie, err := d.floats(tagModelTiepoint)
	if err != nil {
		return BBox{}, false, err
	}
	scale, hasScale, err := d.floats(tagModelPixelScale)
	if err != nil {
		return BBox{}, false, err
	}
	if !hasTie || !hasScale || len(tie) < 6 || len(scale) < 2 {
		return BBox{}, false, nil
	}

	// Tie point (I, J, K) -> (X, Y, Z); raster rows grow southwards.
	x0 := tie[3] - tie[0]*scale[0]
	y0 := tie[4] + tie[1]*scale[1]
	x1 := x0 + w*scale[0]
	y1 := y0 - h*scale[1]
	return BBox{
		West:  math.Min(x0, x1),
		South: math.Min(y0, y1),
		East:  math.Max(x0, x1),
		North: math.Max(y0, y1),
	}, true, nil
}

// geoKeys returns the short-valued keys of the GeoKey directory.
func geoKeys(d *ifd) map[uint16]uint16 {
	dir, err := d.uints(tagGeoKeyDirectory)
	if err != nil || len(dir) < 4 {
		return nil
	}
	n := int(dir[3])
	keys := make(map[uint16]uint16, n)
	for i := 0; i < n && 4+4*i+3 < len(dir); i++ {
		e := dir[4+4*i : 8+4*i]
		if e[1] != 0 { // value stored in another tag
			continue
		}
		keys[uint16(e[0])] = uint16(e[3])
	}
	return keys
}

// epsgCode returns the EPSG code of the projected or geographic CRS, or 0.
func epsgCode(d *ifd) int {
	keys := geoKeys(d)
	for _, k := range []uint16{geoKeyProjectedType, geoKeyGeographicType} {
		if v, ok := keys[k]; ok && v != 0 && v != geoKeyUserDefined {
			return int(v)
		}
	}
	return 0
}

// noData parses the GDAL_NODATA tag and rounds the sentinel to the precision
// of the stored samples so it compares equal to decoded values.
func noData(d *ifd, lay *layout) (float64, bool) {
	f, ok := d.fields[tagGDALNoData]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(f.ascii()), 64)
	if err != nil {
		return 0, false
	}
	if lay.sampleFormat == sampleFormatFloat && lay.bytesPerSample == 4 {
		v = float64(float32(v))
	}
	return v, true
}
