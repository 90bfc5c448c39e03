package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/rwcarlsen/goexif/tiff"
	"golang.org/x/image/tiff/lzw"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// Baseline TIFF tags used by the strip decoder.
const (
	tagImageWidth      = 0x0100
	tagImageLength     = 0x0101
	tagBitsPerSample   = 0x0102
	tagCompression     = 0x0103
	tagStripOffsets    = 0x0111
	tagSamplesPerPixel = 0x0115
	tagRowsPerStrip    = 0x0116
	tagStripByteCounts = 0x0117
	tagPredictor       = 0x013D
	tagSampleFormat    = 0x0153
)

// TIFF Compression values accepted for strips.
const (
	compressNone       = 1
	compressLZW        = 5
	compressDeflate    = 8
	compressPackBits   = 32773
	compressDeflateOld = 32946
)

// TIFF SampleFormat values.
const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// decodeTIFF decodes the first image of a single-sample TIFF. Strips may be
// stored raw or compressed with LZW, Deflate or PackBits; horizontal
// differencing predictors are rejected.
func decodeTIFF(data []byte) (*filewriter.Array, error) {
	tf, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("tiff: %w", err)
	}
	if len(tf.Dirs) == 0 {
		return nil, errors.New("tiff: no image directory")
	}
	dir := tf.Dirs[0]

	width, err := tagInt(dir, tagImageWidth, -1)
	if err != nil {
		return nil, err
	}
	height, err := tagInt(dir, tagImageLength, -1)
	if err != nil {
		return nil, err
	}
	bits, err := tagInt(dir, tagBitsPerSample, 1)
	if err != nil {
		return nil, err
	}
	compression, err := tagInt(dir, tagCompression, 1)
	if err != nil {
		return nil, err
	}
	samples, err := tagInt(dir, tagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	format, err := tagInt(dir, tagSampleFormat, sampleUint)
	if err != nil {
		return nil, err
	}
	predictor, err := tagInt(dir, tagPredictor, 1)
	if err != nil {
		return nil, err
	}
	if predictor != 1 {
		return nil, fmt.Errorf("tiff: predictor %d not supported", predictor)
	}
	if samples != 1 {
		return nil, fmt.Errorf("tiff: %d samples per pixel not supported", samples)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("tiff: invalid image size %dx%d", width, height)
	}

	dtype, err := tiffDType(format, bits)
	if err != nil {
		return nil, err
	}

	offsets := findTag(dir, tagStripOffsets)
	counts := findTag(dir, tagStripByteCounts)
	if offsets == nil || counts == nil || offsets.Count != counts.Count {
		return nil, errors.New("tiff: missing or inconsistent strip tags")
	}

	shape := []uint64{uint64(height), uint64(width)}
	want, err := utils.ByteSize(shape, uint64(dtype.Size()))
	if err != nil {
		return nil, err
	}

	rowsPerStrip, err := tagInt(dir, tagRowsPerStrip, height)
	if err != nil {
		return nil, err
	}
	if rowsPerStrip <= 0 || rowsPerStrip > height {
		rowsPerStrip = height
	}
	rowBytes := want / uint64(height)

	pixels := make([]byte, 0, want)
	for i := 0; i < int(offsets.Count); i++ {
		off, err := offsets.Int64(i)
		if err != nil {
			return nil, fmt.Errorf("tiff: strip offset %d: %w", i, err)
		}
		n, err := counts.Int64(i)
		if err != nil {
			return nil, fmt.Errorf("tiff: strip byte count %d: %w", i, err)
		}
		if off < 0 || n < 0 || off+n > int64(len(data)) {
			return nil, fmt.Errorf("tiff: strip %d out of bounds", i)
		}
		rows := uint64(min(rowsPerStrip, max(height-i*rowsPerStrip, 0)))
		strip, err := decompressStrip(compression, data[off:off+n], rows*rowBytes)
		if err != nil {
			return nil, fmt.Errorf("tiff: strip %d: %w", i, err)
		}
		pixels = append(pixels, strip...)
	}
	if uint64(len(pixels)) < want {
		return nil, fmt.Errorf("tiff: strips hold %d bytes, image needs %d", len(pixels), want)
	}
	pixels = utils.ToLittleEndian(pixels[:want], dtype.Size(), tf.Order)

	return &filewriter.Array{DType: dtype, Shape: shape, Data: pixels}, nil
}

// decompressStrip expands one strip holding size bytes once decoded.
func decompressStrip(compression int, strip []byte, size uint64) ([]byte, error) {
	var r io.Reader
	switch compression {
	case compressNone:
		return strip, nil
	case compressPackBits:
		return unpackBits(strip, size)
	case compressLZW:
		rc := lzw.NewReader(bytes.NewReader(strip), lzw.MSB, 8)
		defer rc.Close()
		r = rc
	case compressDeflate, compressDeflateOld:
		rc, err := zlib.NewReader(bytes.NewReader(strip))
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		r = rc
	default:
		return nil, fmt.Errorf("compression %d not supported", compression)
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// unpackBits decodes a PackBits run-length encoded strip.
func unpackBits(src []byte, size uint64) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < len(src) && uint64(len(out)) < size; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, errors.New("packbits: literal run past end of strip")
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n == -128:
		default:
			if i >= len(src) {
				return nil, errors.New("packbits: repeat run past end of strip")
			}
			out = append(out, bytes.Repeat(src[i:i+1], 1-n)...)
			i++
		}
	}
	if uint64(len(out)) < size {
		return nil, fmt.Errorf("packbits: strip holds %d bytes, need %d", len(out), size)
	}
	return out[:size], nil
}

func tiffDType(format, bits int) (filewriter.DType, error) {
	switch {
	case format == sampleUint && bits == 8:
		return filewriter.Uint8, nil
	case format == sampleUint && bits == 16:
		return filewriter.Uint16, nil
	case format == sampleUint && bits == 32:
		return filewriter.Uint32, nil
	case format == sampleUint && bits == 64:
		return filewriter.Uint64, nil
	case format == sampleInt && bits == 8:
		return filewriter.Int8, nil
	case format == sampleInt && bits == 16:
		return filewriter.Int16, nil
	case format == sampleInt && bits == 32:
		return filewriter.Int32, nil
	case format == sampleInt && bits == 64:
		return filewriter.Int64, nil
	case format == sampleFloat && bits == 32:
		return filewriter.Float32, nil
	case format == sampleFloat && bits == 64:
		return filewriter.Float64, nil
	}
	return "", fmt.Errorf("tiff: sample format %d with %d bits not supported", format, bits)
}

func findTag(dir *tiff.Dir, id uint16) *tiff.Tag {
	for _, tag := range dir.Tags {
		if tag.Id == id {
			return tag
		}
	}
	return nil
}

// tagInt returns the first value of tag id, or def when the tag is absent.
// A negative def makes the tag mandatory.
func tagInt(dir *tiff.Dir, id uint16, def int) (int, error) {
	tag := findTag(dir, id)
	if tag == nil {
		if def < 0 {
			return 0, fmt.Errorf("tiff: missing tag 0x%04x", id)
		}
		return def, nil
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0, fmt.Errorf("tiff: tag 0x%04x: %w", id, err)
	}
	return v, nil
}
