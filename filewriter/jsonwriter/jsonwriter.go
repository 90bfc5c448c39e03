// Package jsonwriter is a filewriter backend that stores a NeXus tree as a
// single JSON document. Field frames are stored as individually deflated
// chunks, so the chunking and compression settings requested by callers
// have the same effect they have in HDF5. Virtual fields keep their layout
// and are resolved against the referenced files on read.
//
// The backend is meant for fixtures, tests and small runs. Writing the
// document rewrites it whole and atomically, so flushes are batched by a
// filewriter.FlushPacer and Close writes whatever is still pending.
package jsonwriter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	radix "github.com/armon/go-radix"
	jsoniter "github.com/json-iterator/go"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// BackendName is the registry name of this backend.
const BackendName = "json"

const (
	formatName    = "nxs-json"
	formatVersion = 1
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	filewriter.Register(Backend{})
}

// Backend opens and creates JSON NeXus documents.
type Backend struct{}

// Name returns the registry name.
func (Backend) Name() string { return BackendName }

// OpenFile opens an existing document.
func (Backend) OpenFile(path string, readOnly bool) (filewriter.File, error) {
	//nolint:gosec // G304: opening user-supplied NeXus files is the purpose of this backend
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.WrapError("file open failed", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, utils.WrapError("document decode failed", err)
	}
	if doc.Format != formatName {
		return nil, fmt.Errorf("%s is not an %s document", path, formatName)
	}
	if doc.Version > formatVersion {
		return nil, fmt.Errorf("%s: unsupported document version %d", path, doc.Version)
	}
	if doc.Root == nil {
		return nil, fmt.Errorf("%s: document has no root group", path)
	}
	doc.Root.normalize()

	f := &File{path: path, readOnly: readOnly, doc: &doc, pacer: filewriter.NewFlushPacer()}
	f.reindex()
	return f, nil
}

// CreateFile creates a new empty document. The file is written on the
// first Flush or Close.
func (Backend) CreateFile(path string, overwrite bool) (filewriter.File, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%s: %w", path, filewriter.ErrExists)
		}
	}
	f := &File{
		path:  path,
		doc:   &document{Format: formatName, Version: formatVersion, Root: &node{Kind: kindGroup, Name: "/"}},
		pacer: filewriter.NewFlushPacer(),
	}
	f.pacer.Touch()
	f.reindex()
	if err := f.Flush(); err != nil {
		return nil, err
	}
	return f, nil
}

type document struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
	Root    *node  `json:"root"`
}

const (
	kindGroup = "group"
	kindField = "field"
	kindLink  = "link"
)

type node struct {
	Kind     string                         `json:"kind"`
	Name     string                         `json:"name"`
	Attrs    []*attr                        `json:"attrs,omitempty"`
	Children []*node                        `json:"children,omitempty"`
	DType    filewriter.DType               `json:"dtype,omitempty"`
	Shape    []uint64                       `json:"shape,omitempty"`
	Chunk    []uint64                       `json:"chunk,omitempty"`
	Filter   *filewriter.DeflateFilter      `json:"filter,omitempty"`
	Frames   [][]byte                       `json:"frames,omitempty"`
	Strings  []string                       `json:"strings,omitempty"`
	Virtual  *filewriter.VirtualFieldLayout `json:"virtual,omitempty"`
	Target   string                         `json:"target,omitempty"`
}

type attr struct {
	Name  string           `json:"name"`
	DType filewriter.DType `json:"dtype"`
	Shape []uint64         `json:"shape,omitempty"`
	Value any              `json:"value"`
}

// normalize restores canonical attribute value types after decoding.
func (n *node) normalize() {
	for _, a := range n.Attrs {
		a.Value = decodeAttrValue(a.DType, a.Shape, a.Value)
	}
	for _, c := range n.Children {
		c.normalize()
	}
}

func decodeAttrValue(dt filewriter.DType, shape []uint64, v any) any {
	v = filewriter.NormalizeAttrValue(v)
	switch dt {
	case filewriter.Int8, filewriter.Int16, filewriter.Int32, filewriter.Int64,
		filewriter.Uint8, filewriter.Uint16, filewriter.Uint32, filewriter.Uint64:
		switch x := v.(type) {
		case float64:
			return int64(x)
		case []float64:
			out := make([]int64, len(x))
			for i, e := range x {
				out[i] = int64(e)
			}
			return out
		}
	case filewriter.String:
		if len(shape) > 0 {
			if s, ok := v.(string); ok {
				return []string{s}
			}
		}
	}
	return v
}

// File is an open JSON NeXus document.
type File struct {
	mu       sync.Mutex
	path     string
	readOnly bool
	doc      *document
	index    *radix.Tree
	pacer    *filewriter.FlushPacer
	writes   int
	closed   bool
}

// Path returns the document path on disk.
func (f *File) Path() string { return f.path }

// ReadOnly reports whether modifications are rejected.
func (f *File) ReadOnly() bool { return f.readOnly }

// Root returns the root group.
func (f *File) Root() (filewriter.Group, error) {
	if f.closed {
		return nil, filewriter.ErrClosed
	}
	return &group{f: f, n: f.doc.Root, path: "/"}, nil
}

// Lookup resolves an absolute node path.
func (f *File) Lookup(path string) (filewriter.Node, error) {
	if f.closed {
		return nil, filewriter.ErrClosed
	}
	p := filewriter.JoinPath(path)
	v, ok := f.index.Get(p)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, filewriter.ErrNotFound)
	}
	return f.wrap(v.(*node), p), nil
}

// Flush writes pending changes once the pacer deems them due.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return filewriter.ErrClosed
	}
	if f.readOnly || !f.pacer.Due() {
		return nil
	}
	return f.write()
}

// Close writes pending changes and releases the document.
// It is safe to call Close multiple times.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	var err error
	if !f.readOnly && f.pacer.Pending() {
		err = f.write()
	}
	f.closed = true
	return err
}

// write replaces the document on disk atomically.
func (f *File) write() error {
	raw, err := json.Marshal(f.doc)
	if err != nil {
		return utils.WrapError("document encode failed", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return utils.WrapError("document flush failed", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return utils.WrapError("document flush failed", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return utils.WrapError("document flush failed", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return utils.WrapError("document flush failed", err)
	}

	f.writes++
	f.pacer.Done()
	return nil
}

func (f *File) reindex() {
	f.index = radix.New()
	var walk func(n *node, p string)
	walk = func(n *node, p string) {
		f.index.Insert(p, n)
		for _, c := range n.Children {
			walk(c, filewriter.JoinPath(p, c.Name))
		}
	}
	walk(f.doc.Root, "/")
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

func (f *File) touch() {
	f.mu.Lock()
	f.pacer.Touch()
	f.mu.Unlock()
}

func (f *File) wrap(n *node, p string) filewriter.Node {
	switch n.Kind {
	case kindGroup:
		return &group{f: f, n: n, path: p}
	case kindLink:
		return &link{f: f, n: n, path: p}
	default:
		return &field{f: f, n: n, path: p}
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
