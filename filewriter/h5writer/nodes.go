package h5writer

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

type group struct {
	filewriter.Sealed
	f *File
	e *entry
}

func (g *group) Kind() filewriter.Kind { return filewriter.KindGroup }
func (g *group) Name() string          { return nodeName(g.e.path) }
func (g *group) Path() string          { return g.e.path }

func (g *group) Attributes() filewriter.Attributes {
	return &attributes{f: g.f, e: g.e}
}

func (g *group) Parent() (filewriter.Group, error) {
	if g.e.path == "/" {
		return nil, nil
	}
	parent, _ := filewriter.SplitPath(g.e.path)
	return filewriter.OpenGroup(g.f, parent)
}

func (g *group) Children() ([]filewriter.Node, error) {
	out := make([]filewriter.Node, 0, len(g.e.children))
	for _, p := range g.e.children {
		if e, ok := g.f.nodes[p]; ok {
			out = append(out, g.f.wrap(e))
		}
	}
	return out, nil
}

func (g *group) Open(name string) (filewriter.Node, error) {
	return g.f.Lookup(filewriter.JoinPath(g.e.path, name))
}

func (g *group) CreateGroup(name, nxClass string) (filewriter.Group, error) {
	e := &entry{kind: filewriter.KindGroup, attrsLoaded: true}
	if nxClass != "" {
		e.attrs = []*attr{{name: "NX_class", dtype: filewriter.String, value: nxClass}}
	}
	if err := g.f.attach(g.e, name, e, false); err != nil {
		return nil, err
	}
	return &group{f: g.f, e: e}, nil
}

func (g *group) CreateField(name string, spec filewriter.FieldSpec) (filewriter.Field, error) {
	var data *filewriter.Array
	switch {
	case spec.DType == filewriter.String:
		n, err := utils.ElementCount(spec.Shape)
		if err != nil {
			return nil, err
		}
		data = &filewriter.Array{DType: filewriter.String, Shape: cloneShape(spec.Shape), Strings: make([]string, n)}
	case spec.DType.IsNumeric():
		var err error
		if data, err = filewriter.NewArray(spec.DType, spec.Shape); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("field %s: unsupported dtype %q", name, spec.DType)
	}
	if len(spec.Chunk) > 0 && len(spec.Chunk) != len(spec.Shape) {
		return nil, fmt.Errorf("field %s: chunk rank %d does not match shape rank %d", name, len(spec.Chunk), len(spec.Shape))
	}

	e := &entry{kind: filewriter.KindField, data: data, attrsLoaded: true}
	if err := g.f.attach(g.e, name, e, false); err != nil {
		return nil, err
	}
	return &field{f: g.f, e: e}, nil
}

func (g *group) CreateVirtualField(name string, layout *filewriter.VirtualFieldLayout) (filewriter.Field, error) {
	if err := layout.Validate(); err != nil {
		return nil, utils.WrapError(filewriter.JoinPath(g.e.path, name), err)
	}
	cp := *layout
	cp.Shape = cloneShape(layout.Shape)
	cp.Mappings = append([]filewriter.VirtualMapping(nil), layout.Mappings...)

	e := &entry{kind: filewriter.KindField, virtual: &cp, attrsLoaded: true}
	if err := g.f.attach(g.e, name, e, true); err != nil {
		return nil, err
	}
	return &field{f: g.f, e: e}, nil
}

type field struct {
	filewriter.Sealed
	f *File
	e *entry
}

func (fd *field) Kind() filewriter.Kind { return filewriter.KindField }
func (fd *field) Name() string          { return nodeName(fd.e.path) }
func (fd *field) Path() string          { return fd.e.path }

func (fd *field) Attributes() filewriter.Attributes {
	return &attributes{f: fd.f, e: fd.e}
}

func (fd *field) DType() filewriter.DType {
	switch {
	case fd.e.data != nil:
		return fd.e.data.DType
	case fd.e.virtual != nil:
		return fd.e.virtual.DType
	}
	d, err := fd.f.stored(fd.e)
	if err != nil {
		return ""
	}
	return d.dtype
}

func (fd *field) Shape() []uint64 {
	switch {
	case fd.e.data != nil:
		return cloneShape(fd.e.data.Shape)
	case fd.e.virtual != nil:
		return cloneShape(fd.e.virtual.Shape)
	}
	d, err := fd.f.stored(fd.e)
	if err != nil {
		return nil
	}
	return cloneShape(d.shape)
}

func (fd *field) Grow(axis int, n uint64) error {
	data, err := fd.f.modify(fd.e)
	if err != nil {
		return err
	}
	if axis != 0 || len(data.Shape) == 0 {
		return fmt.Errorf("%s: growing axis %d: %w", fd.e.path, axis, filewriter.ErrNotSupported)
	}

	if data.DType == filewriter.String {
		per, err := utils.ElementCount(data.Shape[1:])
		if err != nil {
			return err
		}
		data.Strings = append(data.Strings, make([]string, n*per)...)
	} else {
		data.Data = append(data.Data, make([]byte, data.FrameBytes()*n)...)
	}
	data.Shape[0] += n
	fd.f.touch()
	return nil
}

func (fd *field) Write(data *filewriter.Array) error {
	cur, err := fd.f.modify(fd.e)
	if err != nil {
		return err
	}
	if err := data.Validate(); err != nil {
		return utils.WrapError("field write failed", err)
	}
	if data.DType != cur.DType || !equalShape(data.Shape, cur.Shape) {
		return fmt.Errorf("%s: cannot write %s%v into %s%v", fd.e.path, data.DType, data.Shape, cur.DType, cur.Shape)
	}
	cur.Data = append([]byte(nil), data.Data...)
	cur.Strings = append([]string(nil), data.Strings...)
	fd.f.touch()
	return nil
}

func (fd *field) WriteFrame(index uint64, frame *filewriter.Array) error {
	cur, err := fd.f.modify(fd.e)
	if err != nil {
		return err
	}
	if len(cur.Shape) == 0 {
		return fmt.Errorf("%s: scalar field has no frames", fd.e.path)
	}
	if index >= cur.Shape[0] {
		return fmt.Errorf("%s: frame %d out of range [0, %d)", fd.e.path, index, cur.Shape[0])
	}
	if frame.DType != cur.DType || !equalShape(frame.Shape, cur.Shape[1:]) {
		return fmt.Errorf("%s: cannot write %s%v frame into %s%v", fd.e.path, frame.DType, frame.Shape, cur.DType, cur.Shape)
	}
	if err := frame.Validate(); err != nil {
		return utils.WrapError("frame write failed", err)
	}

	if cur.DType == filewriter.String {
		per := uint64(len(frame.Strings))
		copy(cur.Strings[index*per:], frame.Strings)
	} else {
		fb := cur.FrameBytes()
		copy(cur.Data[index*fb:(index+1)*fb], frame.Data)
	}
	fd.f.touch()
	return nil
}

func (fd *field) Read() (*filewriter.Array, error) {
	v, err := fd.f.value(fd.e)
	if err != nil {
		return nil, err
	}
	if v != fd.e.data {
		return v, nil
	}
	cp := *v
	cp.Shape = cloneShape(v.Shape)
	cp.Data = append([]byte(nil), v.Data...)
	cp.Strings = append([]string(nil), v.Strings...)
	return &cp, nil
}

func (fd *field) ReadFrame(index uint64) (*filewriter.Array, error) {
	if fd.e.virtual != nil {
		shape := fd.e.virtual.Shape
		if len(shape) == 0 || index >= shape[0] {
			return nil, fmt.Errorf("%s: frame %d out of range %v", fd.e.path, index, shape)
		}
		sources := newSourceCache(fd.f)
		defer sources.close()
		frame, err := fd.f.virtualFrame(fd.e, index, sources)
		if err != nil || frame != nil {
			return frame, err
		}
		return filewriter.NewArray(fd.e.virtual.DType, shape[1:])
	}
	all, err := fd.Read()
	if err != nil {
		return nil, err
	}
	return all.Frame(index)
}

type attributes struct {
	f *File
	e *entry
}

// loadAttrs reads the attributes of a node from disk once.
func (f *File) loadAttrs(e *entry) error {
	if e.attrsLoaded {
		return nil
	}
	add := func(name string, value any, err error) {
		at := &attr{name: name}
		if err != nil {
			at.value = err
		} else {
			at.value = filewriter.NormalizeAttrValue(value)
			at.dtype, at.shape = filewriter.AttrDType(at.value)
		}
		e.attrs = append(e.attrs, at)
	}

	switch {
	case e.group != nil:
		list, err := e.group.Attributes()
		if err != nil {
			return utils.WrapError(e.path, err)
		}
		for _, at := range list {
			v, err := at.ReadValue()
			add(at.Name, v, err)
		}
	case e.ds != nil:
		list, err := e.ds.Attributes()
		if err != nil {
			return utils.WrapError(e.path, err)
		}
		for _, at := range list {
			v, err := at.ReadValue()
			add(at.Name, v, err)
		}
	}
	e.attrsLoaded = true
	return nil
}

func (a *attributes) Names() ([]string, error) {
	if err := a.f.loadAttrs(a.e); err != nil {
		return nil, err
	}
	names := make([]string, len(a.e.attrs))
	for i, at := range a.e.attrs {
		names[i] = at.name
	}
	return names, nil
}

func (a *attributes) Get(name string) (filewriter.Attribute, error) {
	if err := a.f.loadAttrs(a.e); err != nil {
		return nil, err
	}
	for _, at := range a.e.attrs {
		if at.name == name {
			return &attribute{a: at, path: a.e.path + "@" + name}, nil
		}
	}
	return nil, fmt.Errorf("%s@%s: %w", a.e.path, name, filewriter.ErrNotFound)
}

// Set creates or overwrites an attribute. The root group takes no
// attributes; string arrays must hold exactly one element.
func (a *attributes) Set(name string, value any) error {
	if err := a.f.writable(); err != nil {
		return err
	}
	if a.e.path == "/" {
		return fmt.Errorf("/@%s: root group attributes: %w", name, filewriter.ErrNotSupported)
	}
	if err := a.f.loadAttrs(a.e); err != nil {
		return err
	}

	value = filewriter.NormalizeAttrValue(value)
	if b, ok := value.(bool); ok {
		value = int64(0)
		if b {
			value = int64(1)
		}
	}
	value, err := attrValue(value)
	if err != nil {
		return fmt.Errorf("%s@%s: %w", a.e.path, name, err)
	}

	dt, shape := filewriter.AttrDType(value)
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	a.f.pacer.Touch()
	for _, at := range a.e.attrs {
		if at.name == name {
			at.dtype, at.shape, at.value = dt, shape, value
			return nil
		}
	}
	a.e.attrs = append(a.e.attrs, &attr{name: name, dtype: dt, shape: shape, value: value})
	return nil
}

type attribute struct {
	filewriter.Sealed
	a    *attr
	path string
}

func (at *attribute) Kind() filewriter.Kind   { return filewriter.KindAttribute }
func (at *attribute) Name() string            { return at.a.name }
func (at *attribute) Path() string            { return at.path }
func (at *attribute) DType() filewriter.DType { return at.a.dtype }
func (at *attribute) Shape() []uint64         { return append([]uint64(nil), at.a.shape...) }

func (at *attribute) Value() (any, error) {
	if err, ok := at.a.value.(error); ok {
		return nil, utils.WrapError(at.path, err)
	}
	return at.a.value, nil
}

// sourceCache keeps the files referenced by a virtual field open for the
// duration of one read.
type sourceCache struct {
	owner *File
	files map[string]filewriter.File
}

func newSourceCache(owner *File) *sourceCache {
	return &sourceCache{owner: owner, files: map[string]filewriter.File{}}
}

// field opens the viewed field. A nil field with a nil error means the
// referenced file does not exist (yet).
func (c *sourceCache) field(view filewriter.TargetFieldView) (filewriter.Field, error) {
	p := view.File
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(c.owner.path), p)
	}
	f, ok := c.files[p]
	if !ok {
		var err error
		f, err = Backend{}.OpenFile(p, true)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.files[p] = nil
				return nil, nil
			}
			return nil, utils.WrapError("virtual source open failed", err)
		}
		c.files[p] = f
	}
	if f == nil {
		return nil, nil
	}
	return filewriter.OpenField(f, view.FieldPath)
}

func (c *sourceCache) close() {
	for _, f := range c.files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func nodeName(p string) string {
	if p == "/" {
		return "/"
	}
	_, name := filewriter.SplitPath(p)
	return name
}

func equalShape(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
