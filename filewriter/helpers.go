package filewriter

import (
	"errors"
	"fmt"
	"strings"
)

// AttrString returns attribute name of attrs as a string. ok is false when
// the attribute does not exist.
func AttrString(attrs Attributes, name string) (value string, ok bool, err error) {
	attr, err := attrs.Get(name)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	v, err := attr.Value()
	if err != nil {
		return "", false, err
	}
	switch s := v.(type) {
	case string:
		return s, true, nil
	case []string:
		return strings.Join(s, ""), true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}

// NXClass returns the NX_class attribute of g, or "" when unset.
func NXClass(g Group) string {
	class, _, err := AttrString(g.Attributes(), "NX_class")
	if err != nil {
		return ""
	}
	return class
}

// ReadStrings reads a string (or string-array) field.
func ReadStrings(f Field) ([]string, error) {
	arr, err := f.Read()
	if err != nil {
		return nil, err
	}
	if arr.DType != String {
		return nil, fmt.Errorf("field %s holds %s, not strings", f.Path(), arr.DType)
	}
	return arr.Strings, nil
}

// OpenGroup resolves path in f and returns it as a Group.
func OpenGroup(f File, path string) (Group, error) {
	n, err := f.Lookup(path)
	if err != nil {
		return nil, err
	}
	g, ok := n.(Group)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a group", path, n.Kind())
	}
	return g, nil
}

// OpenField resolves path in f and returns it as a Field.
func OpenField(f File, path string) (Field, error) {
	n, err := f.Lookup(path)
	if err != nil {
		return nil, err
	}
	fld, ok := n.(Field)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a field", path, n.Kind())
	}
	return fld, nil
}

// NormalizeAttrValue converts the many Go numeric types decoders produce
// into the canonical attribute value set (int64, float64, string and their
// slices). Unknown values are returned unchanged.
func NormalizeAttrValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []int32:
		out := make([]int64, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out
	case []int:
		out := make([]int64, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out
	case []uint32:
		out := make([]int64, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out
	case []float32:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	case []any:
		return normalizeSlice(x)
	default:
		return v
	}
}

func normalizeSlice(x []any) any {
	if len(x) == 0 {
		return []string{}
	}
	switch x[0].(type) {
	case string:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = fmt.Sprint(e)
		}
		return out
	case float64:
		out := make([]float64, len(x))
		for i, e := range x {
			f, _ := e.(float64)
			out[i] = f
		}
		return out
	default:
		return x
	}
}

// AttrDType infers the dtype and shape of a canonical attribute value.
func AttrDType(v any) (DType, []uint64) {
	switch x := v.(type) {
	case string:
		return String, nil
	case []string:
		return String, []uint64{uint64(len(x))}
	case int64:
		return Int64, nil
	case []int64:
		return Int64, []uint64{uint64(len(x))}
	case float64:
		return Float64, nil
	case []float64:
		return Float64, []uint64{uint64(len(x))}
	case bool:
		return Int8, nil
	default:
		return String, nil
	}
}
