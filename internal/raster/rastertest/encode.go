// Package rastertest writes small GeoTIFF files for tests.
package rastertest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Format is the on-disk sample type.
type Format int

const (
	Float32 Format = iota
	Float64
	Uint8
	Uint16
	Int16
	Int32
)

// Compression codes accepted by Options.
const (
	None     = 1
	Deflate  = 8
	PackBits = 32773
	ZSTD     = 50000
)

// Predictor codes accepted by Options.
const (
	NoPredictor         = 1
	HorizontalPredictor = 2
	FloatPredictor      = 3
)

// Box is a georeferenced extent written as tie point + pixel scale.
type Box struct {
	West, South, East, North float64
}

// Options controls the layout of the generated file. Zero values give an
// uncompressed little-endian float32 single-strip image with no georeference.
type Options struct {
	Width, Height int
	Bands         [][]float64 // one row-major slice per band
	Format        Format

	BigEndian    bool
	BigTIFF      bool
	Compression  int
	Predictor    int
	RowsPerStrip int
	TileWidth    int
	TileHeight   int
	Planar       int

	NoData         string // GDAL_NODATA text, omitted when empty
	Bounds         *Box
	Transformation []float64 // 16 doubles, takes precedence over Bounds
	EPSG           int
}

// WriteFile encodes opts into dir/name and returns the full path.
func WriteFile(t testing.TB, dir, name string, opts Options) string {
	t.Helper()

	data, err := Encode(opts)
	if err != nil {
		t.Fatalf("encode geotiff: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write geotiff: %v", err)
	}
	return path
}

// Single is shorthand for a one-band float32 image.
func Single(width, height int, samples ...float64) Options {
	return Options{Width: width, Height: height, Bands: [][]float64{samples}}
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

// Encode builds the bytes of a TIFF file described by opts.
func Encode(opts Options) ([]byte, error) {
	if opts.Width <= 0 || opts.Height <= 0 || len(opts.Bands) == 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d with %d bands", opts.Width, opts.Height, len(opts.Bands))
	}
	for i, b := range opts.Bands {
		if len(b) != opts.Width*opts.Height {
			return nil, fmt.Errorf("band %d has %d samples, want %d", i, len(b), opts.Width*opts.Height)
		}
	}
	if opts.Compression == 0 {
		opts.Compression = None
	}
	if opts.Predictor == 0 {
		opts.Predictor = NoPredictor
	}
	if opts.Planar == 0 {
		opts.Planar = 1
	}

	var order byteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}
	bps, sampleFormat := formatInfo(opts.Format)
	spp := len(opts.Bands)

	tiled := opts.TileWidth > 0 && opts.TileHeight > 0
	chunkW, chunkH := opts.Width, opts.Height
	if tiled {
		chunkW, chunkH = opts.TileWidth, opts.TileHeight
	} else if opts.RowsPerStrip > 0 && opts.RowsPerStrip < opts.Height {
		chunkH = opts.RowsPerStrip
	}
	across := (opts.Width + chunkW - 1) / chunkW
	down := (opts.Height + chunkH - 1) / chunkH

	planes := [][]int{nil}
	sppChunk := spp
	if opts.Planar == 2 {
		planes = make([][]int, spp)
		for b := range planes {
			planes[b] = []int{b}
		}
		sppChunk = 1
	} else {
		all := make([]int, spp)
		for b := range all {
			all[b] = b
		}
		planes[0] = all
	}

	headerSize := 8
	if opts.BigTIFF {
		headerSize = 16
	}
	out := bytes.NewBuffer(make([]byte, headerSize))
	var offsets, counts []uint64

	for _, bands := range planes {
		for cy := 0; cy < down; cy++ {
			rows := chunkH
			if !tiled && (cy+1)*chunkH > opts.Height {
				rows = opts.Height - cy*chunkH
			}
			for cx := 0; cx < across; cx++ {
				raw := make([]byte, 0, chunkW*rows*sppChunk*bps)
				for r := 0; r < rows; r++ {
					row := make([]byte, 0, chunkW*sppChunk*bps)
					for c := 0; c < chunkW; c++ {
						x, y := cx*chunkW+c, cy*chunkH+r
						for _, b := range bands {
							v := 0.0
							if x < opts.Width && y < opts.Height {
								v = opts.Bands[b][y*opts.Width+x]
							}
							row = appendSample(row, order, opts.Format, v)
						}
					}
					row, err := applyPredictor(row, order, opts.Predictor, bps, sppChunk)
					if err != nil {
						return nil, err
					}
					raw = append(raw, row...)
				}
				chunk, err := compress(raw, opts.Compression)
				if err != nil {
					return nil, err
				}
				offsets = append(offsets, uint64(out.Len()))
				counts = append(counts, uint64(len(chunk)))
				out.Write(chunk)
			}
		}
	}

	e := newEntries(order, opts.BigTIFF)
	e.short(256, uint64(opts.Width))
	e.short(257, uint64(opts.Height))
	bits := make([]uint64, spp)
	formats := make([]uint64, spp)
	for i := range bits {
		bits[i] = uint64(bps * 8)
		formats[i] = sampleFormat
	}
	e.short(258, bits...)
	e.short(259, uint64(opts.Compression))
	e.short(262, 1)
	e.short(277, uint64(spp))
	e.short(284, uint64(opts.Planar))
	if opts.Predictor != NoPredictor {
		e.short(317, uint64(opts.Predictor))
	}
	e.short(339, formats...)
	if tiled {
		e.short(322, uint64(chunkW))
		e.short(323, uint64(chunkH))
		e.offsets(324, offsets...)
		e.offsets(325, counts...)
	} else {
		e.offsets(273, offsets...)
		e.short(278, uint64(chunkH))
		e.offsets(279, counts...)
	}
	switch {
	case len(opts.Transformation) > 0:
		e.doubles(34264, opts.Transformation...)
	case opts.Bounds != nil:
		b := opts.Bounds
		e.doubles(33550, (b.East-b.West)/float64(opts.Width), (b.North-b.South)/float64(opts.Height), 0)
		e.doubles(33922, 0, 0, 0, b.West, b.North, 0)
	}
	if opts.EPSG != 0 {
		key := uint64(2048)
		if opts.EPSG != 4326 && opts.EPSG != 4269 && opts.EPSG != 4258 {
			key = 3072
		}
		e.short(34735, 1, 1, 0, 1, key, 0, 1, uint64(opts.EPSG))
	}
	if opts.NoData != "" {
		e.ascii(42113, opts.NoData)
	}

	ifdOffset := uint64(out.Len())
	e.write(out, ifdOffset)

	data := out.Bytes()
	if opts.BigEndian {
		copy(data, "MM")
	} else {
		copy(data, "II")
	}
	if opts.BigTIFF {
		order.PutUint16(data[2:], 43)
		order.PutUint16(data[4:], 8)
		order.PutUint16(data[6:], 0)
		order.PutUint64(data[8:], ifdOffset)
	} else {
		order.PutUint16(data[2:], 42)
		order.PutUint32(data[4:], uint32(ifdOffset))
	}
	return data, nil
}

func formatInfo(f Format) (bytesPerSample int, sampleFormat uint64) {
	switch f {
	case Float64:
		return 8, 3
	case Uint8:
		return 1, 1
	case Uint16:
		return 2, 1
	case Int16:
		return 2, 2
	case Int32:
		return 4, 2
	default:
		return 4, 3
	}
}

// byteOrder writes with both the Put and Append forms.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func appendSample(b []byte, order byteOrder, f Format, v float64) []byte {
	switch f {
	case Float64:
		return order.AppendUint64(b, math.Float64bits(v))
	case Uint8:
		return append(b, uint8(v))
	case Uint16:
		return order.AppendUint16(b, uint16(v))
	case Int16:
		return order.AppendUint16(b, uint16(int16(v)))
	case Int32:
		return order.AppendUint32(b, uint32(int32(v)))
	default:
		return order.AppendUint32(b, math.Float32bits(float32(v)))
	}
}

func applyPredictor(row []byte, order byteOrder, predictor, bps, spp int) ([]byte, error) {
	n := len(row) / bps
	switch predictor {
	case NoPredictor:
		return row, nil
	case HorizontalPredictor:
		for i := n - 1; i >= spp; i-- {
			cur, prev := row[i*bps:(i+1)*bps], row[(i-spp)*bps:(i-spp+1)*bps]
			switch bps {
			case 1:
				cur[0] -= prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)-order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)-order.Uint32(prev))
			case 8:
				order.PutUint64(cur, order.Uint64(cur)-order.Uint64(prev))
			}
		}
		return row, nil
	case FloatPredictor:
		littleEndian := order == binary.LittleEndian
		planes := make([]byte, len(row))
		for i := 0; i < n; i++ {
			for b := 0; b < bps; b++ {
				src := row[i*bps+b]
				if littleEndian {
					src = row[i*bps+bps-1-b]
				}
				planes[b*n+i] = src
			}
		}
		for i := len(planes) - 1; i >= spp; i-- {
			planes[i] -= planes[i-spp]
		}
		return planes, nil
	}
	return nil, fmt.Errorf("unsupported predictor %d", predictor)
}

func compress(raw []byte, method int) ([]byte, error) {
	switch method {
	case None:
		return raw, nil
	case Deflate:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case PackBits:
		return packBits(raw), nil
	}
	return nil, fmt.Errorf("unsupported compression %d", method)
}

func packBits(src []byte) []byte {
	var out []byte
	for i := 0; i < len(src); {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 2 {
			out = append(out, byte(int8(1-run)), src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < 128 && (i+1 >= len(src) || src[i+1] != src[i]) {
			i++
		}
		if i == start {
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out
}

type entries struct {
	order   byteOrder
	bigTIFF bool
	list    []entry
}

func newEntries(order byteOrder, bigTIFF bool) *entries {
	return &entries{order: order, bigTIFF: bigTIFF}
}

func (e *entries) short(tag uint16, vals ...uint64) {
	var b []byte
	for _, v := range vals {
		b = e.order.AppendUint16(b, uint16(v))
	}
	e.list = append(e.list, entry{tag: tag, typ: 3, count: uint64(len(vals)), data: b})
}

func (e *entries) offsets(tag uint16, vals ...uint64) {
	var b []byte
	typ := uint16(4)
	for _, v := range vals {
		if e.bigTIFF {
			b = e.order.AppendUint64(b, v)
		} else {
			b = e.order.AppendUint32(b, uint32(v))
		}
	}
	if e.bigTIFF {
		typ = 16
	}
	e.list = append(e.list, entry{tag: tag, typ: typ, count: uint64(len(vals)), data: b})
}

func (e *entries) doubles(tag uint16, vals ...float64) {
	var b []byte
	for _, v := range vals {
		b = e.order.AppendUint64(b, math.Float64bits(v))
	}
	e.list = append(e.list, entry{tag: tag, typ: 12, count: uint64(len(vals)), data: b})
}

func (e *entries) ascii(tag uint16, s string) {
	b := append([]byte(s), 0)
	e.list = append(e.list, entry{tag: tag, typ: 2, count: uint64(len(b)), data: b})
}

// write appends the IFD at offset followed by the out-of-line values.
func (e *entries) write(out *bytes.Buffer, offset uint64) {
	sort.Slice(e.list, func(i, j int) bool { return e.list[i].tag < e.list[j].tag })

	countSize, entrySize, inline, nextSize := 2, 12, 4, 4
	if e.bigTIFF {
		countSize, entrySize, inline, nextSize = 8, 20, 8, 8
	}
	overflow := offset + uint64(countSize+len(e.list)*entrySize+nextSize)

	var dir, extra []byte
	if e.bigTIFF {
		dir = e.order.AppendUint64(dir, uint64(len(e.list)))
	} else {
		dir = e.order.AppendUint16(dir, uint16(len(e.list)))
	}
	for _, en := range e.list {
		dir = e.order.AppendUint16(dir, en.tag)
		dir = e.order.AppendUint16(dir, en.typ)
		value := make([]byte, inline)
		if len(en.data) <= inline {
			copy(value, en.data)
		} else {
			at := overflow + uint64(len(extra))
			if e.bigTIFF {
				e.order.PutUint64(value, at)
			} else {
				e.order.PutUint32(value, uint32(at))
			}
			extra = append(extra, en.data...)
		}
		if e.bigTIFF {
			dir = e.order.AppendUint64(dir, en.count)
		} else {
			dir = e.order.AppendUint32(dir, uint32(en.count))
		}
		dir = append(dir, value...)
	}
	dir = append(dir, make([]byte, nextSize)...)

	out.Write(dir)
	out.Write(extra)
}

// FormatNoData renders a sentinel the way GDAL writes GDAL_NODATA.
func FormatNoData(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
