package raster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// TIFF tags read by the decoder.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

var typeSizes = map[uint16]uint64{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8, typeLong8: 8, typeSLong8: 8, typeIFD8: 8,
}

// field is one decoded IFD entry with its value bytes resolved.
type field struct {
	typ   uint16
	count uint64
	raw   []byte
	order binary.ByteOrder
}

// ifd is the tag table of a single TIFF image.
type ifd struct {
	order  binary.ByteOrder
	fields map[uint16]field
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// parseFirstIFD reads the header of a classic TIFF or BigTIFF stream and
// returns its first image file directory.
func parseFirstIFD(data []byte) (*ifd, error) {
	if len(data) < 8 {
		return nil, decodeErr("file too short for a TIFF header (%d bytes)", len(data))
	}

	var order binary.ByteOrder
	switch string(data[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, decodeErr("not a TIFF file")
	}

	var (
		offset  uint64
		bigTIFF bool
	)
	switch order.Uint16(data[2:4]) {
	case 42:
		offset = uint64(order.Uint32(data[4:8]))
	case 43:
		if len(data) < 16 {
			return nil, decodeErr("file too short for a BigTIFF header")
		}
		if order.Uint16(data[4:6]) != 8 {
			return nil, decodeErr("unsupported BigTIFF offset size %d", order.Uint16(data[4:6]))
		}
		offset = order.Uint64(data[8:16])
		bigTIFF = true
	default:
		return nil, decodeErr("bad TIFF magic number %d", order.Uint16(data[2:4]))
	}

	return parseIFD(data, order, offset, bigTIFF)
}

func parseIFD(data []byte, order binary.ByteOrder, offset uint64, bigTIFF bool) (*ifd, error) {
	countSize, entrySize, inlineSize := uint64(2), uint64(12), uint64(4)
	if bigTIFF {
		countSize, entrySize, inlineSize = 8, 20, 8
	}
	size := uint64(len(data))

	if offset == 0 || offset > size || countSize > size-offset {
		return nil, decodeErr("IFD offset %d out of range", offset)
	}
	var n uint64
	if bigTIFF {
		n = order.Uint64(data[offset:])
	} else {
		n = uint64(order.Uint16(data[offset:]))
	}
	start := offset + countSize
	if n > (size-start)/entrySize {
		return nil, decodeErr("IFD with %d entries overruns file", n)
	}

	dir := &ifd{order: order, fields: make(map[uint16]field, n)}
	for i := uint64(0); i < n; i++ {
		e := data[start+i*entrySize : start+(i+1)*entrySize]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])

		var count uint64
		var valueBytes []byte
		if bigTIFF {
			count = order.Uint64(e[4:12])
			valueBytes = e[12:20]
		} else {
			count = uint64(order.Uint32(e[4:8]))
			valueBytes = e[8:12]
		}

		elem, ok := typeSizes[typ]
		if !ok {
			// Unknown types are skipped, as readers are required to do.
			continue
		}
		if count > size/elem {
			return nil, decodeErr("tag %d count %d overruns file", tag, count)
		}
		total := count * elem

		var raw []byte
		if total <= inlineSize {
			raw = valueBytes[:total]
		} else {
			var off uint64
			if bigTIFF {
				off = order.Uint64(valueBytes)
			} else {
				off = uint64(order.Uint32(valueBytes))
			}
			if off > size || total > size-off {
				return nil, decodeErr("tag %d value at %d overruns file", tag, off)
			}
			raw = data[off : off+total]
		}
		dir.fields[tag] = field{typ: typ, count: count, raw: raw, order: order}
	}
	return dir, nil
}

// uintAt decodes element i of an unsigned integer field.
func (f field) uintAt(i int) (uint64, bool) {
	switch f.typ {
	case typeByte, typeUndefined:
		return uint64(f.raw[i]), true
	case typeShort:
		return uint64(f.order.Uint16(f.raw[2*i:])), true
	case typeLong:
		return uint64(f.order.Uint32(f.raw[4*i:])), true
	case typeLong8, typeIFD8:
		return f.order.Uint64(f.raw[8*i:]), true
	}
	return 0, false
}

// uints decodes integer-typed fields.
func (f field) uints() ([]uint64, error) {
	out := make([]uint64, f.count)
	for i := range out {
		v, ok := f.uintAt(i)
		if !ok {
			return nil, decodeErr("field type %d is not an unsigned integer", f.typ)
		}
		out[i] = v
	}
	return out, nil
}

// floats decodes numeric fields of any type as float64.
func (f field) floats() ([]float64, error) {
	out := make([]float64, f.count)
	for i := range out {
		switch f.typ {
		case typeFloat:
			out[i] = float64(math.Float32frombits(f.order.Uint32(f.raw[4*i:])))
		case typeDouble:
			out[i] = math.Float64frombits(f.order.Uint64(f.raw[8*i:]))
		case typeSByte:
			out[i] = float64(int8(f.raw[i]))
		case typeSShort:
			out[i] = float64(int16(f.order.Uint16(f.raw[2*i:])))
		case typeSLong:
			out[i] = float64(int32(f.order.Uint32(f.raw[4*i:])))
		case typeSLong8:
			out[i] = float64(int64(f.order.Uint64(f.raw[8*i:])))
		case typeRational:
			num, den := f.order.Uint32(f.raw[8*i:]), f.order.Uint32(f.raw[8*i+4:])
			out[i] = float64(num) / float64(den)
		case typeSRational:
			num, den := int32(f.order.Uint32(f.raw[8*i:])), int32(f.order.Uint32(f.raw[8*i+4:]))
			out[i] = float64(num) / float64(den)
		default:
			v, ok := f.uintAt(i)
			if !ok {
				return nil, decodeErr("field type %d is not numeric", f.typ)
			}
			out[i] = float64(v)
		}
	}
	return out, nil
}

func (f field) ascii() string {
	return strings.TrimRight(string(f.raw), "\x00")
}

func (d *ifd) has(tag uint16) bool {
	_, ok := d.fields[tag]
	return ok
}

// uintOr returns the first value of an integer tag, or def when it is absent.
func (d *ifd) uintOr(tag uint16, def uint64) (uint64, error) {
	f, ok := d.fields[tag]
	if !ok || f.count == 0 {
		return def, nil
	}
	v, err := f.uints()
	if err != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, err)
	}
	return v[0], nil
}

func (d *ifd) uints(tag uint16) ([]uint64, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, decodeErr("missing required tag %d", tag)
	}
	v, err := f.uints()
	if err != nil {
		return nil, fmt.Errorf("tag %d: %w", tag, err)
	}
	return v, nil
}

func (d *ifd) floats(tag uint16) ([]float64, bool, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, false, nil
	}
	v, err := f.floats()
	if err != nil {
		return nil, true, fmt.Errorf("tag %d: %w", tag, err)
	}
	return v, true, nil
}
