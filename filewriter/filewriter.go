// Package filewriter defines the storage surface used by the collection
// engine: files, groups, fields, links and attributes of a NeXus tree.
//
// Concrete backends live in subpackages and register themselves by name:
//
//	import _ "github.com/scigolib/nxstools/filewriter/h5writer"
//
//	backend, err := filewriter.Lookup("h5")
//	f, err := backend.OpenFile("scan_00001.nxs", false)
//
// Business logic never searches for a backend; the caller selects one once
// (usually from configuration) and injects it.
package filewriter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors returned by backends.
var (
	ErrNotFound     = errors.New("node not found")
	ErrExists       = errors.New("node already exists")
	ErrReadOnly     = errors.New("file opened read-only")
	ErrNotSupported = errors.New("operation not supported by backend")
	ErrClosed       = errors.New("file already closed")
)

// Kind tags the closed set of node variants.
type Kind int

const (
	// KindGroup is an NXgroup-like container.
	KindGroup Kind = iota + 1
	// KindField is a dataset.
	KindField
	// KindLink is a soft or external link that is not followed.
	KindLink
	// KindAttribute is an attribute attached to a group or field.
	KindAttribute
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindField:
		return "field"
	case KindLink:
		return "link"
	case KindAttribute:
		return "attribute"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// Node is one of Group, Field, Link or Attribute. The set is closed:
// backends embed Sealed to satisfy it, and consumers dispatch with a
// type switch over the four variant interfaces.
type Node interface {
	Kind() Kind
	Name() string
	Path() string
	isNode()
}

// Sealed is embedded by backend node types to join the Node variant set.
type Sealed struct{}

func (Sealed) isNode() {}

// Attributes manages the attributes of one group or field.
type Attributes interface {
	// Names lists attribute names in storage order.
	Names() ([]string, error)
	// Get returns the named attribute or ErrNotFound.
	Get(name string) (Attribute, error)
	// Set creates or overwrites an attribute. Supported values are string,
	// []string, int64, []int64, float64, []float64 and bool.
	Set(name string, value any) error
}

// Attribute is a named value attached to a group or field.
type Attribute interface {
	Node
	DType() DType
	Shape() []uint64
	Value() (any, error)
}

// Group contains other nodes.
type Group interface {
	Node
	Attributes() Attributes
	// Parent returns the enclosing group, or nil for the root group.
	Parent() (Group, error)
	// Children lists direct children in storage order.
	Children() ([]Node, error)
	// Open returns the named direct child or ErrNotFound.
	Open(name string) (Node, error)
	// CreateGroup creates a child group; a non-empty nxClass is stored in
	// the NX_class attribute.
	CreateGroup(name, nxClass string) (Group, error)
	// CreateField creates a child field.
	CreateField(name string, spec FieldSpec) (Field, error)
	// CreateVirtualField creates (or replaces) a child field whose storage
	// is mapped onto fields of other files.
	CreateVirtualField(name string, layout *VirtualFieldLayout) (Field, error)
}

// FieldSpec describes a field to create.
type FieldSpec struct {
	DType DType
	Shape []uint64
	// Chunk is the chunk shape; nil means contiguous storage.
	Chunk []uint64
	// Filter is the optional deflate filter.
	Filter *DeflateFilter
}

// Field is a dataset. Fields with a leading frame axis can be grown and
// written one frame at a time.
type Field interface {
	Node
	Attributes() Attributes
	DType() DType
	Shape() []uint64
	// Grow extends axis by n elements.
	Grow(axis int, n uint64) error
	// Write replaces the full field value; data must match DType and Shape.
	Write(data *Array) error
	// Read returns the full field value.
	Read() (*Array, error)
	// ReadFrame returns the slab at leading index.
	ReadFrame(index uint64) (*Array, error)
	// WriteFrame writes frame into the slab at leading index. The frame
	// shape must equal Shape()[1:].
	WriteFrame(index uint64, frame *Array) error
}

// Link is a soft or external link.
type Link interface {
	Node
	Target() string
}

// File is an open NeXus file.
type File interface {
	Path() string
	ReadOnly() bool
	Root() (Group, error)
	// Lookup resolves an absolute node path such as /entry/data/data.
	Lookup(path string) (Node, error)
	// Flush persists pending modifications. Backends that rewrite the
	// whole file may defer part of them to a later Flush (see FlushPacer);
	// Close persists everything.
	Flush() error
	Close() error
}

// Backend opens and creates files.
type Backend interface {
	Name() string
	OpenFile(path string, readOnly bool) (File, error)
	CreateFile(path string, overwrite bool) (File, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register makes a backend available by name. It panics if a backend with
// the same name was already registered.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[b.Name()]; dup {
		panic("filewriter: Register called twice for backend " + b.Name())
	}
	registry[b.Name()] = b
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown filewriter backend %q (registered: %v)", name, backendNames())
	}
	return b, nil
}

// Backends returns the sorted names of registered backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendNames()
}

func backendNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
