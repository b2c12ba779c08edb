package raster

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damwatch/server/internal/raster/rastertest"
)

type rawEntry struct {
	tag, typ     uint16
	count, value uint32
}

// classicTIFF lays out a little-endian header with a single IFD at offset 8
// and no data beyond it.
func classicTIFF(entries ...rawEntry) []byte {
	b := []byte("II")
	b = binary.LittleEndian.AppendUint16(b, 42)
	b = binary.LittleEndian.AppendUint32(b, 8)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = binary.LittleEndian.AppendUint16(b, e.tag)
		b = binary.LittleEndian.AppendUint16(b, e.typ)
		b = binary.LittleEndian.AppendUint32(b, e.count)
		b = binary.LittleEndian.AppendUint32(b, e.value)
	}
	return binary.LittleEndian.AppendUint32(b, 0)
}

func float64Strip(width, height, stripBytes uint32) []byte {
	return classicTIFF(
		rawEntry{tagImageWidth, typeLong, 1, width},
		rawEntry{tagImageLength, typeLong, 1, height},
		rawEntry{tagBitsPerSample, typeShort, 1, 64},
		rawEntry{tagCompression, typeShort, 1, compressionNone},
		rawEntry{tagStripOffsets, typeLong, 1, 8},
		rawEntry{tagSamplesPerPixel, typeShort, 1, 1},
		rawEntry{tagRowsPerStrip, typeLong, 1, height},
		rawEntry{tagStripByteCounts, typeLong, 1, stripBytes},
		rawEntry{tagSampleFormat, typeShort, 1, sampleFormatFloat},
	)
}

func TestDecodeRejectsUnbackedStrips(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		stripBytes uint32
	}{
		{"empty strip", 0},
		{"short strip", 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := float64Strip(8000, 8000, tt.stripBytes)
			require.Less(t, len(data), 200)

			_, err := Decode(ctx, data, 0)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecodeMaxPixels(t *testing.T) {
	ctx := context.Background()
	data, err := rastertest.Encode(rastertest.Single(5, 2, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	require.NoError(t, err)

	_, err = Decode(ctx, data, 0, WithMaxPixels(9))
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, ErrTooLarge)

	g, err := Decode(ctx, data, 0, WithMaxPixels(10))
	require.NoError(t, err)
	assert.Len(t, g.Samples, 10)

	// Non-positive limits fall back to the default.
	_, err = Decode(ctx, data, 0, WithMaxPixels(0))
	require.NoError(t, err)
}

func TestLoadMaxPixels(t *testing.T) {
	path := rastertest.WriteFile(t, t.TempDir(), "map.tif", rastertest.Single(3, 3, 1, 2, 3, 4, 5, 6, 7, 8, 9))

	_, err := Load(context.Background(), path, WithMaxPixels(8))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeHugeTagCount(t *testing.T) {
	data := classicTIFF(
		rawEntry{tagImageWidth, typeLong, 1, 1},
		rawEntry{tagImageLength, typeLong, 1, 1},
		rawEntry{tagModelTransformation, typeDouble, 0xFFFFFFFF, 8},
	)

	_, err := Decode(context.Background(), data, 0)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeBigTIFFOffsetOverflow(t *testing.T) {
	b := []byte("II")
	b = binary.LittleEndian.AppendUint16(b, 43)
	b = binary.LittleEndian.AppendUint16(b, 8)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint64(b, ^uint64(0))
	require.Len(t, b, 16)

	assert.NotPanics(t, func() {
		_, err := Decode(context.Background(), b, 0)
		assert.ErrorIs(t, err, ErrDecode)
	})

	// Offsets just short of the end leave no room for the entry count.
	b = append(b[:8], make([]byte, 8)...)
	binary.LittleEndian.PutUint64(b[8:], uint64(len(b)-4))
	_, err := Decode(context.Background(), b, 0)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestUnpackBitsCapacityBoundedByInput(t *testing.T) {
	got, err := unpackBits([]byte{0x81, 0x07}, 1<<30)
	require.NoError(t, err)
	assert.Len(t, got, 128)
	assert.LessOrEqual(t, cap(got), 128)
}
