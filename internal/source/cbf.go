package source

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/scigolib/nxstools/filewriter"
)

// cbfBinaryStart separates the MIME header of a CBF binary section from
// its payload.
var cbfBinaryStart = []byte{0x0c, 0x1a, 0x04, 0xd5}

type cbfHeader struct {
	conversions string
	elementType string
	size        int
	fastest     int
	second      int
	elements    int
}

// decodeCBF decodes the first binary section of a CBF image compressed
// with the byte-offset scheme.
func decodeCBF(data []byte) (*filewriter.Array, error) {
	start := bytes.Index(data, cbfBinaryStart)
	if start < 0 {
		return nil, errors.New("cbf: binary section not found")
	}
	hdr, err := parseCBFHeader(data[:start])
	if err != nil {
		return nil, err
	}
	if !strings.Contains(strings.ToLower(hdr.conversions), "x-cbf_byte_offset") {
		return nil, fmt.Errorf("cbf: conversion %q not supported", hdr.conversions)
	}

	payload := data[start+len(cbfBinaryStart):]
	if hdr.size > 0 {
		if hdr.size > len(payload) {
			return nil, fmt.Errorf("cbf: binary size %d exceeds file", hdr.size)
		}
		payload = payload[:hdr.size]
	}

	values, err := byteOffsetDecode(payload, hdr.elements)
	if err != nil {
		return nil, err
	}

	dtype := filewriter.Int32
	if strings.Contains(hdr.elementType, "unsigned") {
		dtype = filewriter.Uint32
	}
	out := make([]byte, 4*len(values))
	for i, v := range values {
		if v < math.MinInt32 || v > math.MaxUint32 {
			return nil, fmt.Errorf("cbf: value %d at %d out of 32-bit range", v, i)
		}
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return &filewriter.Array{
		DType: dtype,
		Shape: []uint64{uint64(hdr.second), uint64(hdr.fastest)},
		Data:  out,
	}, nil
}

func parseCBFHeader(text []byte) (cbfHeader, error) {
	var hdr cbfHeader
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// conversions usually sits on a continuation line of Content-Type.
		if _, conv, found := strings.Cut(line, "conversions="); found {
			hdr.conversions = strings.Trim(strings.TrimSpace(conv), `";`)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		var err error
		switch key {
		case "x-binary-element-type":
			hdr.elementType = strings.ToLower(value)
		case "x-binary-size":
			hdr.size, err = strconv.Atoi(value)
		case "x-binary-number-of-elements":
			hdr.elements, err = strconv.Atoi(value)
		case "x-binary-size-fastest-dimension":
			hdr.fastest, err = strconv.Atoi(value)
		case "x-binary-size-second-dimension":
			hdr.second, err = strconv.Atoi(value)
		}
		if err != nil {
			return hdr, fmt.Errorf("cbf: header %s: %w", key, err)
		}
	}
	if hdr.fastest <= 0 || hdr.second <= 0 {
		return hdr, fmt.Errorf("cbf: invalid dimensions %dx%d", hdr.second, hdr.fastest)
	}
	if hdr.elements == 0 {
		hdr.elements = hdr.fastest * hdr.second
	}
	if hdr.elements != hdr.fastest*hdr.second {
		return hdr, fmt.Errorf("cbf: %d elements do not fill %dx%d", hdr.elements, hdr.second, hdr.fastest)
	}
	return hdr, nil
}

// byteOffsetDecode expands n byte-offset coded values. Each delta is an
// int8; the escape values -128, -32768 and -2^31 announce a wider delta.
func byteOffsetDecode(buf []byte, n int) ([]int64, error) {
	values := make([]int64, 0, n)
	var cur int64
	pos := 0
	for len(values) < n {
		if pos >= len(buf) {
			return nil, fmt.Errorf("cbf: payload ends after %d of %d values", len(values), n)
		}
		delta := int64(int8(buf[pos]))
		pos++
		if delta == math.MinInt8 {
			if pos+2 > len(buf) {
				return nil, errors.New("cbf: truncated 16-bit delta")
			}
			delta = int64(int16(binary.LittleEndian.Uint16(buf[pos:])))
			pos += 2
			if delta == math.MinInt16 {
				if pos+4 > len(buf) {
					return nil, errors.New("cbf: truncated 32-bit delta")
				}
				delta = int64(int32(binary.LittleEndian.Uint32(buf[pos:])))
				pos += 4
				if delta == math.MinInt32 {
					if pos+8 > len(buf) {
						return nil, errors.New("cbf: truncated 64-bit delta")
					}
					delta = int64(binary.LittleEndian.Uint64(buf[pos:]))
					pos += 8
				}
			}
		}
		cur += delta
		values = append(values, cur)
	}
	return values, nil
}
