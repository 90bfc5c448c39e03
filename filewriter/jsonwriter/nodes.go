package jsonwriter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

type group struct {
	filewriter.Sealed
	f    *File
	n    *node
	path string
}

func (g *group) Kind() filewriter.Kind { return filewriter.KindGroup }
func (g *group) Name() string          { return nodeName(g.path) }
func (g *group) Path() string          { return g.path }

func (g *group) Attributes() filewriter.Attributes {
	return &attributes{f: g.f, owner: g.n, path: g.path}
}

func (g *group) Parent() (filewriter.Group, error) {
	if g.path == "/" {
		return nil, nil
	}
	parent, _ := filewriter.SplitPath(g.path)
	return filewriter.OpenGroup(g.f, parent)
}

func (g *group) Children() ([]filewriter.Node, error) {
	out := make([]filewriter.Node, 0, len(g.n.Children))
	for _, c := range g.n.Children {
		out = append(out, g.f.wrap(c, filewriter.JoinPath(g.path, c.Name)))
	}
	return out, nil
}

func (g *group) Open(name string) (filewriter.Node, error) {
	if c := g.child(name); c != nil {
		return g.f.wrap(c, filewriter.JoinPath(g.path, name)), nil
	}
	return nil, fmt.Errorf("%s: %w", filewriter.JoinPath(g.path, name), filewriter.ErrNotFound)
}

func (g *group) CreateGroup(name, nxClass string) (filewriter.Group, error) {
	n := &node{Kind: kindGroup, Name: name}
	if nxClass != "" {
		n.Attrs = append(n.Attrs, &attr{Name: "NX_class", DType: filewriter.String, Value: nxClass})
	}
	p, err := g.insert(n)
	if err != nil {
		return nil, err
	}
	return &group{f: g.f, n: n, path: p}, nil
}

func (g *group) CreateField(name string, spec filewriter.FieldSpec) (filewriter.Field, error) {
	if spec.DType != filewriter.String && !spec.DType.IsNumeric() {
		return nil, fmt.Errorf("field %s: unsupported dtype %q", name, spec.DType)
	}
	if len(spec.Chunk) > 0 && len(spec.Chunk) != len(spec.Shape) {
		return nil, fmt.Errorf("field %s: chunk rank %d does not match shape rank %d", name, len(spec.Chunk), len(spec.Shape))
	}

	n := &node{
		Kind:   kindField,
		Name:   name,
		DType:  spec.DType,
		Shape:  append([]uint64{}, spec.Shape...),
		Chunk:  append([]uint64(nil), spec.Chunk...),
		Filter: spec.Filter,
	}
	if spec.DType == filewriter.String {
		count, err := utils.ElementCount(spec.Shape)
		if err != nil {
			return nil, err
		}
		n.Strings = make([]string, count)
	} else if len(spec.Shape) > 0 {
		n.Frames = make([][]byte, spec.Shape[0])
	} else {
		n.Frames = make([][]byte, 1)
	}

	p, err := g.insert(n)
	if err != nil {
		return nil, err
	}
	return &field{f: g.f, n: n, path: p}, nil
}

func (g *group) CreateVirtualField(name string, layout *filewriter.VirtualFieldLayout) (filewriter.Field, error) {
	if err := g.f.writable(); err != nil {
		return nil, err
	}
	if err := layout.Validate(); err != nil {
		return nil, utils.WrapError("virtual layout invalid", err)
	}

	n := &node{
		Kind:    kindField,
		Name:    name,
		DType:   layout.DType,
		Shape:   append([]uint64(nil), layout.Shape...),
		Virtual: layout,
	}

	if old := g.child(name); old != nil {
		if old.Virtual == nil {
			return nil, fmt.Errorf("%s: %w", filewriter.JoinPath(g.path, name), filewriter.ErrExists)
		}
		for i, c := range g.n.Children {
			if c == old {
				g.n.Children[i] = n
			}
		}
		p := filewriter.JoinPath(g.path, name)
		g.f.index.Insert(p, n)
		g.f.touch()
		return &field{f: g.f, n: n, path: p}, nil
	}

	p, err := g.insert(n)
	if err != nil {
		return nil, err
	}
	return &field{f: g.f, n: n, path: p}, nil
}

// CreateLink adds a soft link named name pointing at target.
func (g *group) CreateLink(name, target string) (filewriter.Link, error) {
	n := &node{Kind: kindLink, Name: name, Target: target}
	p, err := g.insert(n)
	if err != nil {
		return nil, err
	}
	return &link{f: g.f, n: n, path: p}, nil
}

func (g *group) child(name string) *node {
	for _, c := range g.n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (g *group) insert(n *node) (string, error) {
	if err := g.f.writable(); err != nil {
		return "", err
	}
	if n.Name == "" || strings.Contains(n.Name, "/") {
		return "", fmt.Errorf("invalid node name %q", n.Name)
	}
	p := filewriter.JoinPath(g.path, n.Name)
	if g.child(n.Name) != nil {
		return "", fmt.Errorf("%s: %w", p, filewriter.ErrExists)
	}
	g.n.Children = append(g.n.Children, n)
	g.f.index.Insert(p, n)
	g.f.touch()
	return p, nil
}

type field struct {
	filewriter.Sealed
	f    *File
	n    *node
	path string
}

func (fd *field) Kind() filewriter.Kind   { return filewriter.KindField }
func (fd *field) Name() string            { return nodeName(fd.path) }
func (fd *field) Path() string            { return fd.path }
func (fd *field) DType() filewriter.DType { return fd.n.DType }
func (fd *field) Shape() []uint64         { return append([]uint64{}, fd.n.Shape...) }

func (fd *field) Attributes() filewriter.Attributes {
	return &attributes{f: fd.f, owner: fd.n, path: fd.path}
}

func (fd *field) Grow(axis int, n uint64) error {
	if err := fd.f.writable(); err != nil {
		return err
	}
	if fd.n.Virtual != nil {
		return fmt.Errorf("%s: growing a virtual field: %w", fd.path, filewriter.ErrNotSupported)
	}
	if axis != 0 || len(fd.n.Shape) == 0 {
		return fmt.Errorf("%s: growing axis %d: %w", fd.path, axis, filewriter.ErrNotSupported)
	}
	if fd.n.DType == filewriter.String {
		per, err := utils.ElementCount(fd.n.Shape[1:])
		if err != nil {
			return err
		}
		fd.n.Strings = append(fd.n.Strings, make([]string, n*per)...)
	} else {
		fd.n.Frames = append(fd.n.Frames, make([][]byte, n)...)
	}
	fd.n.Shape[0] += n
	fd.f.touch()
	return nil
}

func (fd *field) Write(data *filewriter.Array) error {
	if err := fd.f.writable(); err != nil {
		return err
	}
	if fd.n.Virtual != nil {
		return fmt.Errorf("%s: writing a virtual field: %w", fd.path, filewriter.ErrNotSupported)
	}
	if err := data.Validate(); err != nil {
		return utils.WrapError("field write failed", err)
	}
	if data.DType != fd.n.DType || !equalShape(data.Shape, fd.n.Shape) {
		return fmt.Errorf("%s: cannot write %s%v into %s%v", fd.path, data.DType, data.Shape, fd.n.DType, fd.n.Shape)
	}

	if data.DType == filewriter.String {
		fd.n.Strings = append([]string(nil), data.Strings...)
		fd.f.touch()
		return nil
	}
	if len(fd.n.Shape) == 0 {
		enc, err := encodeFrame(data.Data, fd.n.Filter, data.DType.Size())
		if err != nil {
			return err
		}
		fd.n.Frames = [][]byte{enc}
		fd.f.touch()
		return nil
	}
	for i := uint64(0); i < fd.n.Shape[0]; i++ {
		frame, err := data.Frame(i)
		if err != nil {
			return err
		}
		if err := fd.storeFrame(i, frame); err != nil {
			return err
		}
	}
	fd.f.touch()
	return nil
}

func (fd *field) WriteFrame(index uint64, frame *filewriter.Array) error {
	if err := fd.f.writable(); err != nil {
		return err
	}
	if fd.n.Virtual != nil {
		return fmt.Errorf("%s: writing a virtual field: %w", fd.path, filewriter.ErrNotSupported)
	}
	if len(fd.n.Shape) == 0 {
		return fmt.Errorf("%s: scalar field has no frames", fd.path)
	}
	if index >= fd.n.Shape[0] {
		return fmt.Errorf("%s: frame %d out of range [0, %d)", fd.path, index, fd.n.Shape[0])
	}
	if frame.DType != fd.n.DType || !equalShape(frame.Shape, fd.n.Shape[1:]) {
		return fmt.Errorf("%s: cannot write %s%v frame into %s%v", fd.path, frame.DType, frame.Shape, fd.n.DType, fd.n.Shape)
	}
	if err := frame.Validate(); err != nil {
		return utils.WrapError("frame write failed", err)
	}
	if err := fd.storeFrame(index, frame); err != nil {
		return err
	}
	fd.f.touch()
	return nil
}

func (fd *field) storeFrame(index uint64, frame *filewriter.Array) error {
	if fd.n.DType == filewriter.String {
		per := uint64(len(frame.Strings))
		copy(fd.n.Strings[index*per:], frame.Strings)
		return nil
	}
	enc, err := encodeFrame(frame.Data, fd.n.Filter, fd.n.DType.Size())
	if err != nil {
		return err
	}
	fd.n.Frames[index] = enc
	return nil
}

func (fd *field) Read() (*filewriter.Array, error) {
	if fd.n.DType == filewriter.String {
		return &filewriter.Array{
			DType:   filewriter.String,
			Shape:   fd.Shape(),
			Strings: append([]string(nil), fd.n.Strings...),
		}, nil
	}

	out, err := filewriter.NewArray(fd.n.DType, fd.n.Shape)
	if err != nil {
		return nil, err
	}
	if len(fd.n.Shape) == 0 {
		if len(fd.n.Frames) > 0 && fd.n.Frames[0] != nil {
			data, err := decodeFrame(fd.n.Frames[0], fd.n.Filter, fd.n.DType.Size(), uint64(len(out.Data)))
			if err != nil {
				return nil, utils.WrapError(fd.path, err)
			}
			out.Data = data
		}
		return out, nil
	}

	fb := out.FrameBytes()
	sources := newSourceCache(fd.f)
	defer sources.close()
	for i := uint64(0); i < fd.n.Shape[0]; i++ {
		frame, err := fd.readFrame(i, sources)
		if err != nil {
			return nil, err
		}
		copy(out.Data[i*fb:], frame.Data)
	}
	return out, nil
}

func (fd *field) ReadFrame(index uint64) (*filewriter.Array, error) {
	sources := newSourceCache(fd.f)
	defer sources.close()
	return fd.readFrame(index, sources)
}

func (fd *field) readFrame(index uint64, sources *sourceCache) (*filewriter.Array, error) {
	if len(fd.n.Shape) == 0 {
		return nil, fmt.Errorf("%s: scalar field has no frames", fd.path)
	}
	if index >= fd.n.Shape[0] {
		return nil, fmt.Errorf("%s: frame %d out of range [0, %d)", fd.path, index, fd.n.Shape[0])
	}

	if fd.n.DType == filewriter.String {
		all, err := fd.Read()
		if err != nil {
			return nil, err
		}
		return all.Frame(index)
	}

	frame, err := filewriter.NewArray(fd.n.DType, fd.n.Shape[1:])
	if err != nil {
		return nil, err
	}

	if fd.n.Virtual != nil {
		m, srcIndex, ok := fd.n.Virtual.Locate(index)
		if !ok {
			return frame, nil // unmapped frames read as fill value
		}
		src, err := sources.field(m.View)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return frame, nil // missing source files read as fill value
		}
		return src.ReadFrame(srcIndex)
	}

	enc := fd.n.Frames[index]
	if enc == nil {
		return frame, nil
	}
	data, err := decodeFrame(enc, fd.n.Filter, fd.n.DType.Size(), uint64(len(frame.Data)))
	if err != nil {
		return nil, utils.WrapError(fmt.Sprintf("%s frame %d", fd.path, index), err)
	}
	frame.Data = data
	return frame, nil
}

type link struct {
	filewriter.Sealed
	f    *File
	n    *node
	path string
}

func (l *link) Kind() filewriter.Kind { return filewriter.KindLink }
func (l *link) Name() string          { return nodeName(l.path) }
func (l *link) Path() string          { return l.path }
func (l *link) Target() string        { return l.n.Target }

type attributes struct {
	f     *File
	owner *node
	path  string
}

func (a *attributes) Names() ([]string, error) {
	names := make([]string, len(a.owner.Attrs))
	for i, at := range a.owner.Attrs {
		names[i] = at.Name
	}
	return names, nil
}

func (a *attributes) Get(name string) (filewriter.Attribute, error) {
	for _, at := range a.owner.Attrs {
		if at.Name == name {
			return &attribute{a: at, path: a.path + "@" + name}, nil
		}
	}
	return nil, fmt.Errorf("%s@%s: %w", a.path, name, filewriter.ErrNotFound)
}

func (a *attributes) Set(name string, value any) error {
	if err := a.f.writable(); err != nil {
		return err
	}
	value = filewriter.NormalizeAttrValue(value)
	if b, ok := value.(bool); ok {
		value = int64(0)
		if b {
			value = int64(1)
		}
	}
	dt, shape := filewriter.AttrDType(value)
	for _, at := range a.owner.Attrs {
		if at.Name == name {
			at.DType, at.Shape, at.Value = dt, shape, value
			a.f.touch()
			return nil
		}
	}
	a.owner.Attrs = append(a.owner.Attrs, &attr{Name: name, DType: dt, Shape: shape, Value: value})
	a.f.touch()
	return nil
}

type attribute struct {
	filewriter.Sealed
	a    *attr
	path string
}

func (at *attribute) Kind() filewriter.Kind   { return filewriter.KindAttribute }
func (at *attribute) Name() string            { return at.a.Name }
func (at *attribute) Path() string            { return at.path }
func (at *attribute) DType() filewriter.DType { return at.a.DType }
func (at *attribute) Shape() []uint64         { return append([]uint64(nil), at.a.Shape...) }
func (at *attribute) Value() (any, error)     { return at.a.Value, nil }

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
			if isNotExist(err) {
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
