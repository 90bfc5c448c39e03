package jsonwriter

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/scigolib/nxstools/filewriter"
)

// encodeFrame applies the field filter pipeline (shuffle, then deflate)
// to one frame of raw little-endian samples.
func encodeFrame(data []byte, filter *filewriter.DeflateFilter, elemSize int) ([]byte, error) {
	if filter == nil {
		return append([]byte(nil), data...), nil
	}

	buf := data
	if filter.Shuffle {
		var err error
		if buf, err = shuffle(data, elemSize); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	w, err := flate.NewWriter(&out, filter.Rate)
	if err != nil {
		return nil, fmt.Errorf("deflate writer creation failed: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("deflate compression failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate writer close failed: %w", err)
	}
	return out.Bytes(), nil
}

// decodeFrame reverses encodeFrame. size is the expected decoded length.
func decodeFrame(enc []byte, filter *filewriter.DeflateFilter, elemSize int, size uint64) ([]byte, error) {
	if filter == nil {
		if uint64(len(enc)) != size {
			return nil, fmt.Errorf("stored frame is %d bytes, expected %d", len(enc), size)
		}
		return append([]byte(nil), enc...), nil
	}

	r := flate.NewReader(bytes.NewReader(enc))
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("deflate decompression failed: %w", err)
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("decompressed frame is %d bytes, expected %d", len(data), size)
	}
	if filter.Shuffle {
		return unshuffle(data, elemSize)
	}
	return data, nil
}

// shuffle groups the i-th byte of every element together, which makes
// slowly varying detector data compress better.
func shuffle(data []byte, elemSize int) ([]byte, error) {
	if len(data) == 0 || elemSize <= 1 {
		return data, nil
	}
	if len(data)%elemSize != 0 {
		return nil, fmt.Errorf("data length %d not multiple of element size %d", len(data), elemSize)
	}

	n := len(data) / elemSize
	out := make([]byte, len(data))
	for b := 0; b < elemSize; b++ {
		for e := 0; e < n; e++ {
			out[b*n+e] = data[e*elemSize+b]
		}
	}
	return out, nil
}

func unshuffle(data []byte, elemSize int) ([]byte, error) {
	if len(data) == 0 || elemSize <= 1 {
		return data, nil
	}
	if len(data)%elemSize != 0 {
		return nil, fmt.Errorf("data length %d not multiple of element size %d", len(data), elemSize)
	}

	n := len(data) / elemSize
	out := make([]byte, len(data))
	for b := 0; b < elemSize; b++ {
		for e := 0; e < n; e++ {
			out[e*elemSize+b] = data[b*n+e]
		}
	}
	return out, nil
}
