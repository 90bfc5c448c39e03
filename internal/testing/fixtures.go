// Package testing provides fixture writers shared by nxstools tests:
// detector images in the supported source formats and small NeXus master
// files carrying collection markers.
package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// Frame builds a h x w frame of dtype whose element i holds base+i.
func Frame(dtype filewriter.DType, h, w int, base float64) *filewriter.Array {
	values := make([]float64, h*w)
	for i := range values {
		values[i] = base + float64(i)
	}
	arr, err := filewriter.PackFloat64s(dtype, values, []uint64{uint64(h), uint64(w)})
	if err != nil {
		panic(err)
	}
	return arr
}

// TIFF encodes a 2D numeric array as an uncompressed single-sample TIFF
// with rowsPerStrip rows in every strip (0 means one strip).
func TIFF(img *filewriter.Array, order binary.ByteOrder, rowsPerStrip int) ([]byte, error) {
	return CompressedTIFF(img, order, rowsPerStrip, 1)
}

// CompressedTIFF is TIFF with every strip encoded by the given TIFF
// compression scheme: 1 (none), 5 (LZW), 8 (Deflate) or 32773 (PackBits).
func CompressedTIFF(img *filewriter.Array, order binary.ByteOrder, rowsPerStrip int, compression uint16) ([]byte, error) {
	if len(img.Shape) != 2 || !img.DType.IsNumeric() {
		return nil, fmt.Errorf("tiff fixture needs a 2D numeric array, got %s%v", img.DType, img.Shape)
	}
	height, width := int(img.Shape[0]), int(img.Shape[1])
	size := img.DType.Size()
	if rowsPerStrip <= 0 || rowsPerStrip > height {
		rowsPerStrip = height
	}

	var buf bytes.Buffer
	if order == binary.BigEndian {
		buf.WriteString("MM")
	} else {
		order = binary.LittleEndian
		buf.WriteString("II")
	}
	_ = binary.Write(&buf, order, uint16(42))
	_ = binary.Write(&buf, order, uint32(0)) // IFD offset, patched below

	var offsets, counts []uint32
	rowBytes := width * size
	for row := 0; row < height; row += rowsPerStrip {
		rows := min(rowsPerStrip, height-row)
		offsets = append(offsets, uint32(buf.Len()))
		counts = append(counts, uint32(rows*rowBytes))
		strip := bytes.Clone(img.Data[row*rowBytes : (row+rows)*rowBytes])
		utils.ToLittleEndian(strip, size, order)
		encoded, err := compressStrip(strip, compression)
		if err != nil {
			return nil, err
		}
		counts[len(counts)-1] = uint32(len(encoded))
		buf.Write(encoded)
	}
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}

	var format uint16 = 1
	switch img.DType {
	case filewriter.Int8, filewriter.Int16, filewriter.Int32, filewriter.Int64:
		format = 2
	case filewriter.Float32, filewriter.Float64:
		format = 3
	}

	type entry struct {
		tag, typ uint16
		values   []uint32
	}
	entries := []entry{
		{0x0100, 4, []uint32{uint32(width)}},
		{0x0101, 4, []uint32{uint32(height)}},
		{0x0102, 3, []uint32{uint32(8 * size)}},
		{0x0103, 3, []uint32{uint32(compression)}},
		{0x0106, 3, []uint32{1}},
		{0x0111, 4, offsets},
		{0x0115, 3, []uint32{1}},
		{0x0116, 4, []uint32{uint32(rowsPerStrip)}},
		{0x0117, 4, counts},
		{0x0153, 3, []uint32{uint32(format)}},
	}

	ifd := uint32(buf.Len())
	extra := ifd + 2 + uint32(12*len(entries)) + 4
	var tail bytes.Buffer
	_ = binary.Write(&buf, order, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&buf, order, e.tag)
		_ = binary.Write(&buf, order, e.typ)
		_ = binary.Write(&buf, order, uint32(len(e.values)))
		switch {
		case e.typ == 3 && len(e.values) == 1:
			_ = binary.Write(&buf, order, uint16(e.values[0]))
			_ = binary.Write(&buf, order, uint16(0))
		case len(e.values) == 1:
			_ = binary.Write(&buf, order, e.values[0])
		default:
			_ = binary.Write(&buf, order, extra+uint32(tail.Len()))
			for _, v := range e.values {
				_ = binary.Write(&tail, order, v)
			}
		}
	}
	_ = binary.Write(&buf, order, uint32(0))
	buf.Write(tail.Bytes())

	out := buf.Bytes()
	order.PutUint32(out[4:], ifd)
	return out, nil
}

func compressStrip(strip []byte, compression uint16) ([]byte, error) {
	switch compression {
	case 1:
		return strip, nil
	case 5:
		return lzwLiterals(strip), nil
	case 8:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(strip); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case 32773:
		return PackBits(strip), nil
	}
	return nil, fmt.Errorf("tiff fixture: compression %d not supported", compression)
}

// lzwLiterals writes src as a TIFF LZW stream of 9-bit literal codes,
// restarting the table often enough that the code width never grows.
func lzwLiterals(src []byte) []byte {
	const clear, eoi = 256, 257
	var out []byte
	var acc uint32
	var nbits uint
	emit := func(code uint32) {
		acc = acc<<9 | code
		nbits += 9
		for nbits >= 8 {
			out = append(out, byte(acc>>(nbits-8)))
			nbits -= 8
		}
	}
	for i, b := range src {
		if i%200 == 0 {
			emit(clear)
		}
		emit(uint32(b))
	}
	emit(eoi)
	if nbits > 0 {
		out = append(out, byte(acc<<(8-nbits)))
	}
	return out
}

// PackBits run-length encodes src the way TIFF compression 32773 stores it.
func PackBits(src []byte) []byte {
	var out []byte
	for i := 0; i < len(src); {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(int8(1-run)), src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < 128 {
			if i+2 < len(src) && src[i] == src[i+1] && src[i] == src[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out
}

// CBF encodes a 2D integer array as a byte-offset compressed CBF image.
func CBF(img *filewriter.Array) ([]byte, error) {
	if len(img.Shape) != 2 {
		return nil, fmt.Errorf("cbf fixture needs a 2D array, got %v", img.Shape)
	}
	values, err := img.Float64s()
	if err != nil {
		return nil, err
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		ints[i] = int64(math.Round(v))
	}
	payload := ByteOffset(ints)

	var hdr strings.Builder
	hdr.WriteString("###CBF: VERSION 1.5\r\n")
	hdr.WriteString("data_frame\r\n\r\n_array_data.data\r\n;\r\n")
	hdr.WriteString("--CIF-BINARY-FORMAT-SECTION--\r\n")
	hdr.WriteString("Content-Type: application/octet-stream;\r\n")
	hdr.WriteString("     conversions=\"x-CBF_BYTE_OFFSET\"\r\n")
	hdr.WriteString("Content-Transfer-Encoding: BINARY\r\n")
	fmt.Fprintf(&hdr, "X-Binary-Size: %d\r\n", len(payload))
	hdr.WriteString("X-Binary-ID: 1\r\n")
	hdr.WriteString("X-Binary-Element-Type: \"signed 32-bit integer\"\r\n")
	hdr.WriteString("X-Binary-Element-Byte-Order: LITTLE_ENDIAN\r\n")
	fmt.Fprintf(&hdr, "X-Binary-Number-of-Elements: %d\r\n", len(ints))
	fmt.Fprintf(&hdr, "X-Binary-Size-Fastest-Dimension: %d\r\n", img.Shape[1])
	fmt.Fprintf(&hdr, "X-Binary-Size-Second-Dimension: %d\r\n", img.Shape[0])
	hdr.WriteString("X-Binary-Size-Padding: 4095\r\n\r\n")

	var out bytes.Buffer
	out.WriteString(hdr.String())
	out.Write([]byte{0x0c, 0x1a, 0x04, 0xd5})
	out.Write(payload)
	out.WriteString("\r\n--CIF-BINARY-FORMAT-SECTION----\r\n;\r\n")
	return out.Bytes(), nil
}

// Gzip compresses data.
func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}

// WriteFile writes data to path on fs, creating parent directories.
func WriteFile(fs afero.Fs, path string, data []byte) error {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// ByteOffset compresses values with the CBF byte-offset scheme: int8
// deltas, escaped to 16, 32 and 64 bits when they do not fit.
func ByteOffset(values []int64) []byte {
	var out []byte
	var prev int64
	for _, v := range values {
		d := v - prev
		prev = v
		switch {
		case d > math.MinInt8 && d <= math.MaxInt8:
			out = append(out, byte(int8(d)))
		case d > math.MinInt16 && d <= math.MaxInt16:
			out = append(out, 0x80)
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(d)))
		case d > math.MinInt32 && d <= math.MaxInt32:
			out = append(out, 0x80, 0x00, 0x80)
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(d)))
		default:
			out = append(out, 0x80, 0x00, 0x80, 0x00, 0x00, 0x00, 0x80)
			out = binary.LittleEndian.AppendUint64(out, uint64(d))
		}
	}
	return out
}
