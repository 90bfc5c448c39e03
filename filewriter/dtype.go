package filewriter

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/scigolib/nxstools/internal/utils"
)

// DType names an element type using numpy-style spelling.
type DType string

// Supported element types.
const (
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
	Float32 DType = "float32"
	Float64 DType = "float64"
	String  DType = "string"
)

var dtypeAliases = map[string]DType{
	"int8": Int8, "i1": Int8, "b": Int8,
	"int16": Int16, "i2": Int16, "h": Int16,
	"int32": Int32, "i4": Int32, "i": Int32,
	"int64": Int64, "i8": Int64, "int": Int64, "long": Int64,
	"uint8": Uint8, "u1": Uint8, "B": Uint8,
	"uint16": Uint16, "u2": Uint16, "H": Uint16,
	"uint32": Uint32, "u4": Uint32, "I": Uint32,
	"uint64": Uint64, "u8": Uint64, "uint": Uint64,
	"float32": Float32, "f4": Float32, "float": Float64, "f": Float32,
	"float64": Float64, "f8": Float64, "double": Float64, "d": Float64,
	"string": String, "str": String, "char": String,
}

// ParseDType parses a dtype name. A leading '<', '=' or '|' byte-order
// marker is accepted and ignored; big-endian markers are left to callers
// that decode foreign byte orders.
func ParseDType(s string) (DType, error) {
	name := strings.TrimSpace(s)
	name = strings.TrimLeft(name, "<=|")
	if dt, ok := dtypeAliases[name]; ok {
		return dt, nil
	}
	if dt, ok := dtypeAliases[strings.ToLower(name)]; ok {
		return dt, nil
	}
	return "", fmt.Errorf("unknown dtype %q", s)
}

// Size returns the element size in bytes; 0 for strings.
func (d DType) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// IsNumeric reports whether d is a fixed-size numeric type.
func (d DType) IsNumeric() bool {
	return d.Size() > 0
}

// Array is an n-dimensional value. Numeric data is packed little-endian in
// Data; string data lives in Strings.
type Array struct {
	DType   DType    `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Data    []byte   `json:"data,omitempty"`
	Strings []string `json:"strings,omitempty"`
}

// NewArray allocates a zero-filled numeric array.
func NewArray(dtype DType, shape []uint64) (*Array, error) {
	if !dtype.IsNumeric() {
		return nil, fmt.Errorf("cannot allocate %q array", dtype)
	}
	size, err := utils.ByteSize(shape, uint64(dtype.Size()))
	if err != nil {
		return nil, err
	}
	return &Array{
		DType: dtype,
		Shape: append([]uint64(nil), shape...),
		Data:  make([]byte, size),
	}, nil
}

// Len returns the number of elements.
func (a *Array) Len() uint64 {
	if a.DType == String {
		return uint64(len(a.Strings))
	}
	n, err := utils.ElementCount(a.Shape)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks that the payload size agrees with dtype and shape.
func (a *Array) Validate() error {
	if a.DType == String {
		n, err := utils.ElementCount(a.Shape)
		if err != nil {
			return err
		}
		if n != uint64(len(a.Strings)) {
			return fmt.Errorf("string array holds %d values, shape %v needs %d", len(a.Strings), a.Shape, n)
		}
		return nil
	}
	if !a.DType.IsNumeric() {
		return fmt.Errorf("unsupported dtype %q", a.DType)
	}
	size, err := utils.ByteSize(a.Shape, uint64(a.DType.Size()))
	if err != nil {
		return err
	}
	if uint64(len(a.Data)) != size {
		return fmt.Errorf("array data is %d bytes, %s%v needs %d", len(a.Data), a.DType, a.Shape, size)
	}
	return nil
}

// FrameBytes returns the byte size of one slab along the leading axis.
func (a *Array) FrameBytes() uint64 {
	if len(a.Shape) == 0 {
		return uint64(len(a.Data))
	}
	size, err := utils.ByteSize(a.Shape[1:], uint64(a.DType.Size()))
	if err != nil {
		return 0
	}
	return size
}

// Frame returns a copy of the slab at leading index i.
func (a *Array) Frame(i uint64) (*Array, error) {
	if len(a.Shape) == 0 {
		return nil, fmt.Errorf("scalar array has no frames")
	}
	if i >= a.Shape[0] {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", i, a.Shape[0])
	}
	if a.DType == String {
		per := uint64(1)
		for _, d := range a.Shape[1:] {
			per *= d
		}
		return &Array{
			DType:   String,
			Shape:   append([]uint64(nil), a.Shape[1:]...),
			Strings: append([]string(nil), a.Strings[i*per:(i+1)*per]...),
		}, nil
	}
	fb := a.FrameBytes()
	return &Array{
		DType: a.DType,
		Shape: append([]uint64(nil), a.Shape[1:]...),
		Data:  append([]byte(nil), a.Data[i*fb:(i+1)*fb]...),
	}, nil
}

// Float64s converts numeric data to float64 values.
func (a *Array) Float64s() ([]float64, error) {
	if !a.DType.IsNumeric() {
		return nil, fmt.Errorf("cannot convert %q array to float64", a.DType)
	}
	size := a.DType.Size()
	n := len(a.Data) / size
	out := make([]float64, n)
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		b := a.Data[i*size : (i+1)*size]
		switch a.DType {
		case Int8:
			out[i] = float64(int8(b[0]))
		case Uint8:
			out[i] = float64(b[0])
		case Int16:
			out[i] = float64(int16(le.Uint16(b)))
		case Uint16:
			out[i] = float64(le.Uint16(b))
		case Int32:
			out[i] = float64(int32(le.Uint32(b)))
		case Uint32:
			out[i] = float64(le.Uint32(b))
		case Int64:
			out[i] = float64(int64(le.Uint64(b)))
		case Uint64:
			out[i] = float64(le.Uint64(b))
		case Float32:
			out[i] = float64(math.Float32frombits(le.Uint32(b)))
		case Float64:
			out[i] = math.Float64frombits(le.Uint64(b))
		}
	}
	return out, nil
}

// FromFloat64s packs float64 values as a float64 array of shape.
func FromFloat64s(values []float64, shape []uint64) *Array {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return &Array{DType: Float64, Shape: append([]uint64(nil), shape...), Data: data}
}

// Typed returns the data as a Go slice of the matching element type
// ([]uint16 for Uint16 and so on, []string for String).
func (a *Array) Typed() (any, error) {
	le := binary.LittleEndian
	size := a.DType.Size()
	n := 0
	if size > 0 {
		n = len(a.Data) / size
	}
	switch a.DType {
	case Int8:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(a.Data[i])
		}
		return out, nil
	case Uint8:
		return append([]uint8(nil), a.Data...), nil
	case Int16:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(le.Uint16(a.Data[i*2:]))
		}
		return out, nil
	case Uint16:
		out := make([]uint16, n)
		for i := range out {
			out[i] = le.Uint16(a.Data[i*2:])
		}
		return out, nil
	case Int32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(le.Uint32(a.Data[i*4:]))
		}
		return out, nil
	case Uint32:
		out := make([]uint32, n)
		for i := range out {
			out[i] = le.Uint32(a.Data[i*4:])
		}
		return out, nil
	case Int64:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(le.Uint64(a.Data[i*8:]))
		}
		return out, nil
	case Uint64:
		out := make([]uint64, n)
		for i := range out {
			out[i] = le.Uint64(a.Data[i*8:])
		}
		return out, nil
	case Float32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(a.Data[i*4:]))
		}
		return out, nil
	case Float64:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(le.Uint64(a.Data[i*8:]))
		}
		return out, nil
	case String:
		return append([]string(nil), a.Strings...), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", a.DType)
	}
}

// PackFloat64s converts values into a numeric array of dtype and shape.
// Integer conversions truncate toward zero.
func PackFloat64s(dtype DType, values []float64, shape []uint64) (*Array, error) {
	out, err := NewArray(dtype, shape)
	if err != nil {
		return nil, err
	}
	size := dtype.Size()
	if uint64(len(values))*uint64(size) != uint64(len(out.Data)) {
		return nil, fmt.Errorf("%d values do not fill %s%v", len(values), dtype, shape)
	}
	le := binary.LittleEndian
	for i, v := range values {
		b := out.Data[i*size : (i+1)*size]
		switch dtype {
		case Int8:
			b[0] = byte(int8(v))
		case Uint8:
			b[0] = byte(v)
		case Int16:
			le.PutUint16(b, uint16(int16(v)))
		case Uint16:
			le.PutUint16(b, uint16(v))
		case Int32:
			le.PutUint32(b, uint32(int32(v)))
		case Uint32:
			le.PutUint32(b, uint32(v))
		case Int64:
			le.PutUint64(b, uint64(int64(v)))
		case Uint64:
			le.PutUint64(b, uint64(v))
		case Float32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case Float64:
			le.PutUint64(b, math.Float64bits(v))
		}
	}
	return out, nil
}
