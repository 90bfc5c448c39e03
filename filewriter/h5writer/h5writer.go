// Package h5writer is the filewriter backend for HDF5/NeXus files, built on
// the pure-Go github.com/scigolib/hdf5 library.
//
// Datasets written by the library cannot be resized or rewritten, so the
// backend keeps modified nodes in memory and commits by rebuilding the
// whole file next to the original and renaming it into place. Groups,
// their attributes, datasets and virtual fields may be created at any
// depth. Virtual fields are stored as ordinary datasets holding the mapped
// frames at the time of the commit.
//
// Dataset metadata and raw values are decoded from the object headers
// directly, so integer signedness, 64-bit integers, byte order and
// deflate/shuffle chunked storage written by other HDF5 producers are
// honoured. Limits of the library remain: soft and external links are
// neither reported by its reader nor created by its writer, datasets are
// stored contiguous (chunk and filter requests are not applied), the root
// group carries no attributes and a group holds at most 32 children.
package h5writer

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/scigolib/hdf5"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// BackendName is the registry name of this backend.
const BackendName = "h5"

func init() {
	filewriter.Register(Backend{})
}

// Backend opens and creates HDF5 files.
type Backend struct{}

// Name returns the registry name.
func (Backend) Name() string { return BackendName }

// OpenFile opens an existing HDF5 file and loads its structure.
func (Backend) OpenFile(path string, readOnly bool) (filewriter.File, error) {
	f := &File{
		path:     path,
		readOnly: readOnly,
		nodes:    map[string]*entry{},
		pacer:    filewriter.NewFlushPacer(),
	}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

// CreateFile creates a new HDF5 file holding an empty root group.
func (Backend) CreateFile(path string, overwrite bool) (filewriter.File, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%s: %w", path, filewriter.ErrExists)
		}
	}
	f := &File{
		path:  path,
		nodes: map[string]*entry{"/": {path: "/", kind: filewriter.KindGroup, attrsLoaded: true}},
		pacer: filewriter.NewFlushPacer(),
	}
	f.pacer.Touch()
	if err := f.Flush(); err != nil {
		return nil, err
	}
	return f, nil
}

// File is an open HDF5 file.
type File struct {
	mu       sync.Mutex
	path     string
	readOnly bool
	src      *hdf5.File
	geo      geometry
	nodes    map[string]*entry
	pacer    *filewriter.FlushPacer
	closed   bool
}

// entry is one node of the tree.
type entry struct {
	path     string
	kind     filewriter.Kind
	children []string

	group *hdf5.Group
	ds    *hdf5.Dataset

	attrs       []*attr
	attrsLoaded bool

	// stored is the decoded header of ds.
	stored *storedDataset
	// data is the value of a field modified since the last commit.
	data    *filewriter.Array
	virtual *filewriter.VirtualFieldLayout
}

type attr struct {
	name  string
	dtype filewriter.DType
	shape []uint64
	value any
}

// Path returns the file path on disk.
func (f *File) Path() string { return f.path }

// ReadOnly reports whether modifications are rejected.
func (f *File) ReadOnly() bool { return f.readOnly }

// Root returns the root group.
func (f *File) Root() (filewriter.Group, error) {
	if f.closed {
		return nil, filewriter.ErrClosed
	}
	return &group{f: f, e: f.nodes["/"]}, nil
}

// Lookup resolves an absolute node path.
func (f *File) Lookup(path string) (filewriter.Node, error) {
	if f.closed {
		return nil, filewriter.ErrClosed
	}
	p := filewriter.JoinPath(path)
	e, ok := f.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, filewriter.ErrNotFound)
	}
	return f.wrap(e), nil
}

// Flush commits pending modifications. Every commit rewrites the file, so
// frequent calls are batched by a filewriter.FlushPacer; Close always
// commits what is left.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return filewriter.ErrClosed
	}
	if f.readOnly || !f.pacer.Due() {
		return nil
	}
	return f.commit()
}

// Close commits pending modifications and releases the file.
// It is safe to call Close multiple times.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	var err error
	if !f.readOnly && f.pacer.Pending() {
		err = f.commit()
	}
	f.closed = true
	if f.src != nil {
		if cerr := f.src.Close(); err == nil && cerr != nil {
			err = utils.WrapError("hdf5 close failed", cerr)
		}
		f.src = nil
	}
	return err
}

// open reads the file on disk and binds the tree to it. Entries that
// already exist keep their in-memory state.
func (f *File) open() error {
	src, err := hdf5.Open(f.path)
	if err != nil {
		return utils.WrapError("hdf5 open failed", err)
	}
	sb := src.Superblock()
	f.src = src
	f.geo = geometry{offsetSize: sb.OffsetSize, lengthSize: sb.LengthSize, order: sb.Endianness}

	root := f.entry("/", filewriter.KindGroup)
	root.group = src.Root()

	src.Walk(func(p string, obj hdf5.Object) {
		np := filewriter.JoinPath(strings.TrimSuffix(p, "/"))
		if np == "/" {
			return
		}
		var e *entry
		switch o := obj.(type) {
		case *hdf5.Group:
			e = f.entry(np, filewriter.KindGroup)
			e.group = o
		case *hdf5.Dataset:
			e = f.entry(np, filewriter.KindField)
			e.ds, e.stored = o, nil
		default:
			return
		}
		parent, _ := filewriter.SplitPath(np)
		if pe, ok := f.nodes[parent]; ok && !contains(pe.children, np) {
			pe.children = append(pe.children, np)
		}
	})
	return nil
}

func (f *File) entry(p string, kind filewriter.Kind) *entry {
	if e, ok := f.nodes[p]; ok && e.kind == kind {
		return e
	}
	e := &entry{path: p, kind: kind}
	f.nodes[p] = e
	return e
}

func (f *File) wrap(e *entry) filewriter.Node {
	if e.kind == filewriter.KindGroup {
		return &group{f: f, e: e}
	}
	return &field{f: f, e: e}
}

func (f *File) writable() error {
	if f.closed {
		return filewriter.ErrClosed
	}
	if f.readOnly {
		return fmt.Errorf("%s: %w", f.path, filewriter.ErrReadOnly)
	}
	return nil
}

// attach registers e as child name of parent. With replace set an existing
// field of that name is replaced and its attributes carried over.
func (f *File) attach(parent *entry, name string, e *entry, replace bool) error {
	if err := f.writable(); err != nil {
		return err
	}
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid node name %q", name)
	}
	e.path = filewriter.JoinPath(parent.path, name)

	f.mu.Lock()
	defer f.mu.Unlock()
	if old, exists := f.nodes[e.path]; exists {
		if !replace || old.kind != filewriter.KindField {
			return fmt.Errorf("%s: %w", e.path, filewriter.ErrExists)
		}
		if err := f.loadAttrs(old); err != nil {
			return err
		}
		e.attrs, e.attrsLoaded = old.attrs, true
	} else {
		parent.children = append(parent.children, e.path)
	}
	f.nodes[e.path] = e
	f.pacer.Touch()
	return nil
}

// touch records a modification.
func (f *File) touch() {
	f.mu.Lock()
	f.pacer.Touch()
	f.mu.Unlock()
}

// stored decodes the header of a dataset read from disk.
func (f *File) stored(e *entry) (*storedDataset, error) {
	if e.stored != nil {
		return e.stored, nil
	}
	if e.ds == nil {
		return nil, fmt.Errorf("%s: %w", e.path, filewriter.ErrNotFound)
	}
	d, err := inspectDataset(f.src.Reader(), e.ds.Address(), f.geo)
	if err != nil {
		return nil, utils.WrapError(e.path, err)
	}
	e.stored = d
	return d, nil
}

// load reads the full value of a dataset on disk.
func (f *File) load(e *entry) (*filewriter.Array, error) {
	d, err := f.stored(e)
	if err != nil {
		return nil, err
	}
	if d.dtype == filewriter.String {
		values, err := e.ds.ReadStrings()
		if err != nil {
			return nil, utils.WrapError(e.path, err)
		}
		return &filewriter.Array{DType: filewriter.String, Shape: cloneShape(d.shape), Strings: values}, nil
	}
	arr, err := d.readNumeric(f.src.Reader(), f.geo)
	if err != nil {
		return nil, utils.WrapError(e.path, err)
	}
	return arr, nil
}

// value returns the current value of a field.
func (f *File) value(e *entry) (*filewriter.Array, error) {
	switch {
	case e.data != nil:
		return e.data, nil
	case e.virtual != nil:
		return f.readVirtual(e)
	default:
		return f.load(e)
	}
}

// modify makes the value of a field resident so it can be changed.
func (f *File) modify(e *entry) (*filewriter.Array, error) {
	if err := f.writable(); err != nil {
		return nil, err
	}
	if e.data != nil {
		return e.data, nil
	}
	data, err := f.value(e)
	if err != nil {
		return nil, err
	}
	e.data, e.virtual = data, nil
	return data, nil
}

// readVirtual assembles a virtual field from its source files. Unmapped
// frames and missing source files read as zero.
func (f *File) readVirtual(e *entry) (*filewriter.Array, error) {
	v := e.virtual
	out, err := filewriter.NewArray(v.DType, v.Shape)
	if err != nil {
		return nil, err
	}
	if len(v.Shape) == 0 {
		return out, nil
	}
	sources := newSourceCache(f)
	defer sources.close()

	fb := out.FrameBytes()
	for i := uint64(0); i < v.Shape[0]; i++ {
		frame, err := f.virtualFrame(e, i, sources)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			copy(out.Data[i*fb:(i+1)*fb], frame.Data)
		}
	}
	return out, nil
}

func (f *File) virtualFrame(e *entry, index uint64, sources *sourceCache) (*filewriter.Array, error) {
	m, srcIndex, ok := e.virtual.Locate(index)
	if !ok {
		return nil, nil
	}
	src, err := sources.field(m.View)
	if err != nil || src == nil {
		return nil, err
	}
	frame, err := src.ReadFrame(srcIndex)
	if err != nil {
		return nil, utils.WrapError(fmt.Sprintf("%s frame %d", e.path, index), err)
	}
	if frame.DType != e.virtual.DType || !equalShape(frame.Shape, e.virtual.Shape[1:]) {
		return nil, fmt.Errorf("%s frame %d: source %s%v does not match %s%v",
			e.path, index, frame.DType, frame.Shape, e.virtual.DType, e.virtual.Shape[1:])
	}
	return frame, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func cloneShape(s []uint64) []uint64 {
	if s == nil {
		return nil
	}
	return append([]uint64{}, s...)
}
