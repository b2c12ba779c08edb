package raster

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

// Compression schemes understood by the decoder.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionPackBits    = 32773
	compressionDeflateOld  = 32946
	compressionZSTD        = 50000
	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3
	planarChunky           = 1
	planarSeparate         = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatFloat      = 3
	sampleFormatVoid       = 4
)

// DecompressLimit caps the size of a single decompressed strip or tile.
const DecompressLimit = 1 << 30

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DecompressLimit))
})

// layout describes how the pixels of an image are split into chunks
// (strips or tiles) inside the file.
type layout struct {
	order binary.ByteOrder

	width, height   int
	samplesPerPixel int
	bytesPerSample  int
	sampleFormat    uint64
	planar          uint64
	compression     uint64
	predictor       uint64

	tiled          bool
	chunkW, chunkH int
	across, down   int
	offsets        []uint64
	byteCounts     []uint64
}

func newLayout(d *ifd) (*layout, error) {
	lay := &layout{order: d.order}

	width, err := d.uintOr(tagImageWidth, 0)
	if err != nil {
		return nil, err
	}
	height, err := d.uintOr(tagImageLength, 0)
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 {
		return nil, decodeErr("image has no dimensions (%dx%d)", width, height)
	}
	if width > math.MaxInt32 || height > math.MaxInt32 || width*height > math.MaxInt32 {
		return nil, decodeErr("image too large (%dx%d)", width, height)
	}
	lay.width, lay.height = int(width), int(height)

	spp, err := d.uintOr(tagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	if spp == 0 || spp > 64 {
		return nil, decodeErr("unsupported samples per pixel %d", spp)
	}
	lay.samplesPerPixel = int(spp)

	bits, err := d.uintOr(tagBitsPerSample, 1)
	if err != nil {
		return nil, err
	}
	if all, err := d.uints(tagBitsPerSample); err == nil {
		for _, b := range all {
			if b != bits {
				return nil, decodeErr("mixed bits per sample %v", all)
			}
		}
	}
	switch bits {
	case 8, 16, 32, 64:
		lay.bytesPerSample = int(bits / 8)
	default:
		return nil, decodeErr("unsupported bits per sample %d", bits)
	}

	if lay.sampleFormat, err = d.uintOr(tagSampleFormat, sampleFormatUint); err != nil {
		return nil, err
	}
	if lay.planar, err = d.uintOr(tagPlanarConfiguration, planarChunky); err != nil {
		return nil, err
	}
	if lay.planar != planarChunky && lay.planar != planarSeparate {
		return nil, decodeErr("unsupported planar configuration %d", lay.planar)
	}
	if lay.compression, err = d.uintOr(tagCompression, compressionNone); err != nil {
		return nil, err
	}
	if lay.predictor, err = d.uintOr(tagPredictor, predictorNone); err != nil {
		return nil, err
	}
	if _, err := sampleDecoder(lay.order, lay.sampleFormat, lay.bytesPerSample); err != nil {
		return nil, err
	}

	if d.has(tagTileWidth) {
		tw, err := d.uintOr(tagTileWidth, 0)
		if err != nil {
			return nil, err
		}
		th, err := d.uintOr(tagTileLength, 0)
		if err != nil {
			return nil, err
		}
		if tw == 0 || th == 0 || tw > width*16 || th > height*16 {
			return nil, decodeErr("invalid tile size %dx%d", tw, th)
		}
		lay.tiled = true
		lay.chunkW, lay.chunkH = int(tw), int(th)
		if lay.offsets, err = d.uints(tagTileOffsets); err != nil {
			return nil, err
		}
		if lay.byteCounts, err = d.uints(tagTileByteCounts); err != nil {
			return nil, err
		}
	} else {
		rps, err := d.uintOr(tagRowsPerStrip, height)
		if err != nil {
			return nil, err
		}
		if rps == 0 || rps > height {
			rps = height
		}
		lay.chunkW, lay.chunkH = lay.width, int(rps)
		if lay.offsets, err = d.uints(tagStripOffsets); err != nil {
			return nil, err
		}
		if lay.byteCounts, err = d.uints(tagStripByteCounts); err != nil {
			return nil, err
		}
	}
	lay.across = (lay.width + lay.chunkW - 1) / lay.chunkW
	lay.down = (lay.height + lay.chunkH - 1) / lay.chunkH

	want := lay.across * lay.down
	if lay.planar == planarSeparate {
		want *= lay.samplesPerPixel
	}
	if len(lay.offsets) < want || len(lay.byteCounts) < want {
		return nil, decodeErr("expected %d chunks, found %d offsets and %d byte counts",
			want, len(lay.offsets), len(lay.byteCounts))
	}
	return lay, nil
}

// decodeBand expands one band of the image into row-major float64 samples.
func (lay *layout) decodeBand(ctx context.Context, data []byte, band int) ([]float64, error) {
	if band < 0 || band >= lay.samplesPerPixel {
		return nil, decodeErr("band %d not present (image has %d)", band+1, lay.samplesPerPixel)
	}
	read, err := sampleDecoder(lay.order, lay.sampleFormat, lay.bytesPerSample)
	if err != nil {
		return nil, err
	}

	sppChunk, bandOffset, chunkBase := lay.samplesPerPixel, band, 0
	if lay.planar == planarSeparate {
		sppChunk, bandOffset, chunkBase = 1, 0, band*lay.across*lay.down
	}
	bps := lay.bytesPerSample
	if err := lay.checkChunks(data, chunkBase, sppChunk); err != nil {
		return nil, err
	}
	samples := make([]float64, lay.width*lay.height)

	for cy := 0; cy < lay.down; cy++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows := lay.chunkRows(cy)
		for cx := 0; cx < lay.across; cx++ {
			idx := chunkBase + cy*lay.across + cx
			buf, err := lay.readChunk(data, idx, lay.chunkW*rows*sppChunk*bps)
			if err != nil {
				return nil, err
			}
			if err := lay.undoPredictor(buf, rows, sppChunk); err != nil {
				return nil, err
			}

			for r := 0; r < rows; r++ {
				y := cy*lay.chunkH + r
				if y >= lay.height {
					break
				}
				for c := 0; c < lay.chunkW; c++ {
					x := cx*lay.chunkW + c
					if x >= lay.width {
						break
					}
					off := ((r*lay.chunkW+c)*sppChunk + bandOffset) * bps
					samples[y*lay.width+x] = read(buf[off : off+bps])
				}
			}
		}
	}
	return samples, nil
}

// chunkRows is the number of rows stored in chunk row cy. The last strip
// may be short; tiles are always padded.
func (lay *layout) chunkRows(cy int) int {
	if !lay.tiled && (cy+1)*lay.chunkH > lay.height {
		return lay.height - cy*lay.chunkH
	}
	return lay.chunkH
}

// checkChunks verifies that every chunk of the band lies inside data and
// could plausibly hold its pixels, so the sample grid is only allocated for
// files that carry the bytes to fill it.
func (lay *layout) checkChunks(data []byte, chunkBase, sppChunk int) error {
	size := uint64(len(data))
	for cy := 0; cy < lay.down; cy++ {
		want := uint64(lay.chunkW * lay.chunkRows(cy) * sppChunk * lay.bytesPerSample)
		for cx := 0; cx < lay.across; cx++ {
			idx := chunkBase + cy*lay.across + cx
			off, n := lay.offsets[idx], lay.byteCounts[idx]
			switch {
			case off > size || n > size-off:
				return decodeErr("chunk %d at %d+%d overruns file", idx, off, n)
			case n == 0:
				return decodeErr("chunk %d is empty", idx)
			case lay.compression == compressionNone && n < want:
				return decodeErr("chunk %d holds %d bytes, want %d", idx, n, want)
			}
		}
	}
	return nil
}

// readChunk returns exactly want decompressed bytes of chunk idx. The
// returned slice is never an alias of data.
func (lay *layout) readChunk(data []byte, idx, want int) ([]byte, error) {
	off, n := lay.offsets[idx], lay.byteCounts[idx]
	size := uint64(len(data))
	if off > size || n > size-off {
		return nil, decodeErr("chunk %d at %d+%d overruns file", idx, off, n)
	}
	raw := data[off : off+n]

	var (
		out []byte
		err error
	)
	switch lay.compression {
	case compressionNone:
		out = bytes.Clone(raw)
	case compressionLZW:
		rc := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		out, err = readAllLimited(rc, want)
		rc.Close()
	case compressionDeflate, compressionDeflateOld:
		var rc io.ReadCloser
		if rc, err = zlib.NewReader(bytes.NewReader(raw)); err == nil {
			out, err = readAllLimited(rc, want)
			rc.Close()
		}
	case compressionPackBits:
		out, err = unpackBits(raw, want)
	case compressionZSTD:
		var dec *zstd.Decoder
		if dec, err = zstdDecoder(); err == nil {
			out, err = dec.DecodeAll(raw, make([]byte, 0, min(want, len(raw)*8)))
		}
	default:
		return nil, decodeErr("unsupported compression %d", lay.compression)
	}
	if err != nil {
		return nil, decodeErr("chunk %d: %v", idx, err)
	}
	if len(out) < want {
		return nil, decodeErr("chunk %d holds %d bytes, want %d", idx, len(out), want)
	}
	return out[:want], nil
}

// readAllLimited drains r, tolerating streams that end without an end marker
// once enough bytes have been produced.
func readAllLimited(r io.Reader, want int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, DecompressLimit))
	if err != nil && errors.Is(err, io.ErrUnexpectedEOF) && len(out) >= want {
		err = nil
	}
	return out, err
}

func unpackBits(src []byte, want int) ([]byte, error) {
	// A repeat run expands two input bytes to at most 128 output bytes.
	dst := make([]byte, 0, min(want, len(src)*64))
	for i := 0; i < len(src) && len(dst) < want; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, errors.New("packbits literal run overruns input")
			}
			dst = append(dst, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, errors.New("packbits repeat run overruns input")
			}
			for k := 0; k < 1-n; k++ {
				dst = append(dst, src[i])
			}
			i++
		}
	}
	return dst, nil
}

func (lay *layout) undoPredictor(buf []byte, rows, spp int) error {
	bps := lay.bytesPerSample
	rowSamples := lay.chunkW * spp
	rowBytes := rowSamples * bps

	switch lay.predictor {
	case predictorNone:
		return nil

	case predictorHorizontal:
		for r := 0; r < rows; r++ {
			row := buf[r*rowBytes : (r+1)*rowBytes]
			for i := spp; i < rowSamples; i++ {
				cur, prev := row[i*bps:(i+1)*bps], row[(i-spp)*bps:(i-spp+1)*bps]
				switch bps {
				case 1:
					cur[0] += prev[0]
				case 2:
					lay.order.PutUint16(cur, lay.order.Uint16(cur)+lay.order.Uint16(prev))
				case 4:
					lay.order.PutUint32(cur, lay.order.Uint32(cur)+lay.order.Uint32(prev))
				case 8:
					lay.order.PutUint64(cur, lay.order.Uint64(cur)+lay.order.Uint64(prev))
				}
			}
		}
		return nil

	case predictorFloatingPoint:
		if lay.sampleFormat != sampleFormatFloat {
			return decodeErr("floating point predictor on non-float samples")
		}
		littleEndian := lay.order == binary.LittleEndian
		tmp := make([]byte, rowBytes)
		for r := 0; r < rows; r++ {
			row := buf[r*rowBytes : (r+1)*rowBytes]
			for i := spp; i < rowBytes; i++ {
				row[i] += row[i-spp]
			}
			// Bytes are stored as planes, most significant byte first.
			copy(tmp, row)
			for i := 0; i < rowSamples; i++ {
				for b := 0; b < bps; b++ {
					v := tmp[b*rowSamples+i]
					if littleEndian {
						row[i*bps+bps-1-b] = v
					} else {
						row[i*bps+b] = v
					}
				}
			}
		}
		return nil
	}
	return decodeErr("unsupported predictor %d", lay.predictor)
}

// sampleDecoder returns a converter from raw sample bytes to float64.
func sampleDecoder(order binary.ByteOrder, format uint64, size int) (func([]byte) float64, error) {
	switch format {
	case sampleFormatUint, sampleFormatVoid:
		switch size {
		case 1:
			return func(b []byte) float64 { return float64(b[0]) }, nil
		case 2:
			return func(b []byte) float64 { return float64(order.Uint16(b)) }, nil
		case 4:
			return func(b []byte) float64 { return float64(order.Uint32(b)) }, nil
		case 8:
			return func(b []byte) float64 { return float64(order.Uint64(b)) }, nil
		}
	case sampleFormatInt:
		switch size {
		case 1:
			return func(b []byte) float64 { return float64(int8(b[0])) }, nil
		case 2:
			return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, nil
		case 4:
			return func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, nil
		case 8:
			return func(b []byte) float64 { return float64(int64(order.Uint64(b))) }, nil
		}
	case sampleFormatFloat:
		switch size {
		case 4:
			return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, nil
		case 8:
			return func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, nil
		}
	}
	return nil, decodeErr("unsupported sample format %d with %d-bit samples", format, size*8)
}
