package nxstools

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/scigolib/nxstools/filewriter"
)

// NXCollection is the NX_class of groups holding collection markers.
const NXCollection = "NXcollection"

// Names used by the marker convention.
const (
	postrunName         = "postrun"
	fieldNameKey        = "fieldname"
	fieldCompressionKey = "fieldcompression"
	fieldDTypeKey       = "fielddtype"
	fieldShapeKey       = "fieldshape"
	fieldAttrPrefix     = "fieldattr_"
	defaultFieldName    = "data"
)

// FieldAttribute is an attribute to stamp on the collected field.
type FieldAttribute struct {
	Name  string
	Value any
	DType filewriter.DType
	Shape []uint64
}

// Marker is a postrun collection request found in an NXcollection group.
// Settings are read from attributes of the postrun field, or from sibling
// fields of the same name when the attribute is absent.
type Marker struct {
	// Path is the path of the NXcollection group.
	Path string
	// FileSpecs holds the raw file specifications of the postrun value.
	FileSpecs   []string
	FieldName   string
	Attributes  []FieldAttribute
	Compression *int
	FieldDType  filewriter.DType
	FieldShape  []uint64
}

// ReadMarker reads the marker held by collection. It returns ErrNotFound
// when the group has no postrun field.
func ReadMarker(collection filewriter.Group, separator string) (*Marker, error) {
	n, err := collection.Open(postrunName)
	if err != nil {
		return nil, err
	}
	postrun, ok := n.(filewriter.Field)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a field: %w", n.Path(), n.Kind(), filewriter.ErrNotFound)
	}

	values, err := filewriter.ReadStrings(postrun)
	if err != nil {
		return nil, err
	}
	m := &Marker{Path: collection.Path(), FieldName: defaultFieldName}
	if separator == "" {
		separator = ","
	}
	for _, v := range values {
		for _, part := range strings.Split(v, separator) {
			if part = strings.TrimSpace(part); part != "" {
				m.FileSpecs = append(m.FileSpecs, part)
			}
		}
	}

	settings, err := markerSettings(collection, postrun)
	if err != nil {
		return nil, err
	}
	for _, key := range settings.order {
		value := settings.values[key]
		switch {
		case key == fieldNameKey:
			if s := fmt.Sprint(value); s != "" {
				m.FieldName = s
			}
		case key == fieldCompressionKey:
			level, err := toInt(value)
			if err == nil {
				_, err = filewriter.NewDeflateFilter(level, false)
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", m.Path, key, err)
			}
			m.Compression = &level
		case key == fieldDTypeKey:
			dt, err := filewriter.ParseDType(fmt.Sprint(value))
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", m.Path, key, err)
			}
			m.FieldDType = dt
		case key == fieldShapeKey:
			shape, err := ParseShape(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", m.Path, key, err)
			}
			m.FieldShape = shape
		case strings.HasPrefix(key, fieldAttrPrefix):
			name := strings.TrimPrefix(key, fieldAttrPrefix)
			if name == "" {
				continue
			}
			dt, shape := filewriter.AttrDType(value)
			m.Attributes = append(m.Attributes, FieldAttribute{Name: name, Value: value, DType: dt, Shape: shape})
		}
	}
	return m, nil
}

// Request turns m into a collection request writing into dest.
func (m *Marker) Request(dest filewriter.Group) Request {
	return Request{
		FileSpecs:   m.FileSpecs,
		Parent:      dest,
		FieldName:   m.FieldName,
		Attributes:  m.Attributes,
		Compression: m.Compression,
		FieldDType:  m.FieldDType,
		FieldShape:  m.FieldShape,
		NodeName:    dest.Name(),
	}
}

type orderedValues struct {
	order  []string
	values map[string]any
}

func (o *orderedValues) set(key string, v any) {
	if _, ok := o.values[key]; !ok {
		o.order = append(o.order, key)
	}
	o.values[key] = v
}

func isMarkerKey(name string) bool {
	switch name {
	case fieldNameKey, fieldCompressionKey, fieldDTypeKey, fieldShapeKey:
		return true
	}
	return strings.HasPrefix(name, fieldAttrPrefix)
}

// markerSettings collects marker keys from sibling fields first, then lets
// attributes of the postrun field override them.
func markerSettings(collection filewriter.Group, postrun filewriter.Field) (*orderedValues, error) {
	out := &orderedValues{values: map[string]any{}}

	children, err := collection.Children()
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		fld, ok := child.(filewriter.Field)
		if !ok || !isMarkerKey(fld.Name()) {
			continue
		}
		v, err := scalarValue(fld)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fld.Path(), err)
		}
		out.set(fld.Name(), v)
	}

	names, err := postrun.Attributes().Names()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if !isMarkerKey(name) {
			continue
		}
		a, err := postrun.Attributes().Get(name)
		if err != nil {
			return nil, err
		}
		v, err := a.Value()
		if err != nil {
			return nil, fmt.Errorf("%s@%s: %w", postrun.Path(), name, err)
		}
		out.set(name, filewriter.NormalizeAttrValue(v))
	}
	return out, nil
}

// scalarValue reads a marker field as a Go value: string, int64, float64
// or a slice of those.
func scalarValue(f filewriter.Field) (any, error) {
	arr, err := f.Read()
	if err != nil {
		return nil, err
	}
	if arr.DType == filewriter.String {
		if len(arr.Strings) == 1 {
			return arr.Strings[0], nil
		}
		return arr.Strings, nil
	}
	values, err := arr.Float64s()
	if err != nil {
		return nil, err
	}
	integer := arr.DType != filewriter.Float32 && arr.DType != filewriter.Float64
	if len(values) == 1 && len(arr.Shape) <= 1 {
		if integer {
			return int64(values[0]), nil
		}
		return values[0], nil
	}
	if integer {
		ints := make([]int64, len(values))
		for i, v := range values {
			ints[i] = int64(v)
		}
		return ints, nil
	}
	return values, nil
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(x))
	case []int64:
		if len(x) == 1 {
			return int(x[0]), nil
		}
	}
	return 0, fmt.Errorf("not an integer: %v", v)
}

// ParseShape parses a frame shape given as "512,256", "[512, 256]",
// "(512 256)" or an integer slice.
func ParseShape(v any) ([]uint64, error) {
	switch x := v.(type) {
	case []uint64:
		return append([]uint64(nil), x...), nil
	case []int64:
		out := make([]uint64, len(x))
		for i, d := range x {
			if d < 0 {
				return nil, fmt.Errorf("negative dimension %d", d)
			}
			out[i] = uint64(d)
		}
		return out, nil
	case int64:
		return ParseShape([]int64{x})
	case string:
		trimmed := strings.Trim(strings.TrimSpace(x), "[]()")
		fields := strings.FieldsFunc(trimmed, func(r rune) bool { return r == ',' || r == ' ' || r == 'x' })
		if len(fields) == 0 {
			return nil, errors.New("empty shape")
		}
		out := make([]uint64, len(fields))
		for i, f := range fields {
			d, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("shape %q: %w", x, err)
			}
			out[i] = d
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported shape value %T", v)
}
