package testing

import (
	"fmt"
	"slices"
	"strings"

	"github.com/scigolib/nxstools/filewriter"
)

// Collection describes an NXcollection marker group to place in a master
// file.
type Collection struct {
	// Parent is the destination group as "name:NXclass" segments, e.g.
	// "entry:NXentry/instrument:NXinstrument/detector:NXdetector".
	Parent string
	// Name of the NXcollection group; "collection" when empty.
	Name string
	// Postrun is the file specification stored in the postrun field.
	Postrun string
	// Fields holds extra marker fields such as fieldname or
	// fieldattr_units. Values are string, int, int64 or float64.
	Fields map[string]any
	// Attrs holds marker settings stored as attributes of the postrun
	// field.
	Attrs map[string]any
}

// WriteMaster creates a NeXus master file at path holding cols.
func WriteMaster(b filewriter.Backend, path string, cols ...Collection) error {
	f, err := b.CreateFile(path, true)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if err := addCollection(f, c); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// EnsureGroups walks "name:NXclass" segments below g, creating missing
// groups.
func EnsureGroups(g filewriter.Group, segments string) (filewriter.Group, error) {
	for _, seg := range strings.Split(strings.Trim(segments, "/"), "/") {
		if seg == "" {
			continue
		}
		name, class, _ := strings.Cut(seg, ":")
		n, err := g.Open(name)
		if err == nil {
			sub, ok := n.(filewriter.Group)
			if !ok {
				return nil, fmt.Errorf("%s is not a group", n.Path())
			}
			g = sub
			continue
		}
		if g, err = g.CreateGroup(name, class); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// WriteScalar stores value as a scalar field of g.
func WriteScalar(g filewriter.Group, name string, value any) error {
	var arr *filewriter.Array
	switch v := value.(type) {
	case string:
		arr = &filewriter.Array{DType: filewriter.String, Strings: []string{v}}
	case int:
		arr = must(filewriter.PackFloat64s(filewriter.Int64, []float64{float64(v)}, nil))
	case int64:
		arr = must(filewriter.PackFloat64s(filewriter.Int64, []float64{float64(v)}, nil))
	case float64:
		arr = filewriter.FromFloat64s([]float64{v}, nil)
	default:
		return fmt.Errorf("unsupported fixture value %T", value)
	}
	fld, err := g.CreateField(name, filewriter.FieldSpec{DType: arr.DType})
	if err != nil {
		return err
	}
	return fld.Write(arr)
}

func addCollection(f filewriter.File, c Collection) error {
	root, err := f.Root()
	if err != nil {
		return err
	}
	parent, err := EnsureGroups(root, c.Parent)
	if err != nil {
		return err
	}
	name := c.Name
	if name == "" {
		name = "collection"
	}
	col, err := parent.CreateGroup(name, "NXcollection")
	if err != nil {
		return err
	}
	if err := WriteScalar(col, "postrun", c.Postrun); err != nil {
		return err
	}
	for _, k := range sortedKeys(c.Fields) {
		if err := WriteScalar(col, k, c.Fields[k]); err != nil {
			return err
		}
	}
	if len(c.Attrs) == 0 {
		return nil
	}
	n, err := col.Open("postrun")
	if err != nil {
		return err
	}
	postrun := n.(filewriter.Field)
	for _, k := range sortedKeys(c.Attrs) {
		if err := postrun.Attributes().Set(k, c.Attrs[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func must(arr *filewriter.Array, err error) *filewriter.Array {
	if err != nil {
		panic(err)
	}
	return arr
}
