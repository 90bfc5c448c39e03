package h5writer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/scigolib/hdf5"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// commit rebuilds the file from the tree into a temporary file next to it
// and renames that into place. Values of unmodified fields are copied from
// the current file, which stays open until the new one is complete.
func (f *File) commit() error {
	for _, e := range f.nodes {
		if err := f.loadAttrs(e); err != nil {
			return err
		}
	}
	if root := f.nodes["/"]; len(root.attrs) > 0 {
		return fmt.Errorf("%s: root group attributes: %w", f.path, filewriter.ErrNotSupported)
	}

	tmp, err := tempName(f.path)
	if err != nil {
		return utils.WrapError("hdf5 temp file failed", err)
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmp)
		}
	}()

	fw, err := hdf5.CreateForWrite(tmp, hdf5.CreateTruncate)
	if err != nil {
		return utils.WrapError("hdf5 create failed", err)
	}
	var fixes []fixup
	if err := f.writeGroup(fw, f.nodes["/"], &fixes); err != nil {
		_ = fw.Close()
		return err
	}
	if err := fw.Close(); err != nil {
		return utils.WrapError("hdf5 close failed", err)
	}
	if err := applyFixups(tmp, fixes); err != nil {
		return err
	}

	if f.src != nil {
		_ = f.src.Close()
		f.src = nil
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return utils.WrapError("hdf5 rename failed", err)
	}
	renamed = true

	if err := f.open(); err != nil {
		return err
	}
	for _, e := range f.nodes {
		e.data = nil
	}
	f.pacer.Done()
	return nil
}

func (f *File) writeGroup(fw *hdf5.FileWriter, e *entry, fixes *[]fixup) error {
	if e.path != "/" {
		gw, err := fw.CreateGroup(e.path)
		if err != nil {
			return utils.WrapError(e.path+": hdf5 group create failed", err)
		}
		for _, a := range e.attrs {
			v, err := attrValue(a.value)
			if err != nil {
				return utils.WrapError(e.path+"@"+a.name, err)
			}
			if err := gw.WriteAttribute(a.name, v); err != nil {
				return utils.WrapError(e.path+"@"+a.name, err)
			}
		}
	}

	for _, p := range e.children {
		c, ok := f.nodes[p]
		if !ok {
			continue
		}
		var err error
		if c.kind == filewriter.KindGroup {
			err = f.writeGroup(fw, c, fixes)
		} else {
			err = f.writeField(fw, c, fixes)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *File) writeField(fw *hdf5.FileWriter, e *entry, fixes *[]fixup) error {
	data, err := f.value(e)
	if err != nil {
		return err
	}
	for _, d := range data.Shape {
		if d == 0 {
			return fmt.Errorf("%s: empty field %v: %w", e.path, data.Shape, filewriter.ErrNotSupported)
		}
	}
	dt, err := toH5(data.DType)
	if err != nil {
		return utils.WrapError(e.path, err)
	}

	// Scalars are written with one element and patched to rank 0.
	dims := data.Shape
	if len(dims) == 0 {
		dims = []uint64{1}
	}
	var opts []hdf5.DatasetOption
	if data.DType == filewriter.String {
		opts = append(opts, hdf5.WithStringSize(stringSize(data.Strings)))
	}

	dw, err := fw.CreateDataset(e.path, dt, dims, opts...)
	if err != nil {
		return utils.WrapError(e.path+": hdf5 dataset create failed", err)
	}
	typed, err := data.Typed()
	if err != nil {
		return utils.WrapError(e.path, err)
	}
	if err := dw.Write(typed); err != nil {
		return utils.WrapError(e.path+": hdf5 dataset write failed", err)
	}
	for _, a := range e.attrs {
		v, err := attrValue(a.value)
		if err != nil {
			return utils.WrapError(e.path+"@"+a.name, err)
		}
		if err := dw.WriteAttribute(a.name, v); err != nil {
			return utils.WrapError(e.path+"@"+a.name, err)
		}
	}
	if err := dw.Close(); err != nil {
		return utils.WrapError(e.path, err)
	}

	fx := fixup{path: e.path, signed: signedInt(data.DType), scalar: len(data.Shape) == 0}
	if fx.signed || fx.scalar {
		*fixes = append(*fixes, fx)
	}
	return nil
}

// fixup marks a dataset whose header needs a correction the library cannot
// express: the signed flag of integer datatypes and the rank of scalars.
type fixup struct {
	path   string
	signed bool
	scalar bool
}

// applyFixups patches datatype and dataspace messages of the file in
// place.
func applyFixups(path string, fixes []fixup) error {
	if len(fixes) == 0 {
		return nil
	}
	src, err := hdf5.Open(path)
	if err != nil {
		return utils.WrapError("hdf5 reopen failed", err)
	}
	sb := src.Superblock()
	g := geometry{offsetSize: sb.OffsetSize, lengthSize: sb.LengthSize, order: sb.Endianness}

	addrs := map[string]uint64{}
	src.Walk(func(p string, obj hdf5.Object) {
		if ds, ok := obj.(*hdf5.Dataset); ok {
			addrs[filewriter.JoinPath(p)] = ds.Address()
		}
	})

	type patch struct {
		at    uint64
		value byte
	}
	var patches []patch
	for _, fx := range fixes {
		addr, ok := addrs[fx.path]
		if !ok {
			_ = src.Close()
			return fmt.Errorf("%s: written dataset not found", fx.path)
		}
		msgs, err := readHeader(src.Reader(), addr, g)
		if err != nil {
			_ = src.Close()
			return utils.WrapError(fx.path, err)
		}
		dt, ds := findMessage(msgs, msgDatatype), findMessage(msgs, msgDataspace)
		if dt == nil || ds == nil || len(dt.data) < 2 || len(ds.data) < 2 {
			_ = src.Close()
			return fmt.Errorf("%s: dataset header lacks datatype or dataspace", fx.path)
		}
		if fx.signed {
			patches = append(patches, patch{at: dt.dataAt + 1, value: dt.data[1] | 0x08})
		}
		if fx.scalar {
			patches = append(patches, patch{at: ds.dataAt + 1, value: 0})
		}
	}
	if err := src.Close(); err != nil {
		return utils.WrapError("hdf5 close failed", err)
	}

	out, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return utils.WrapError("hdf5 patch open failed", err)
	}
	for _, p := range patches {
		//nolint:gosec // G115: HDF5 addresses fit in int64 for io.WriterAt
		if _, err := out.WriteAt([]byte{p.value}, int64(p.at)); err != nil {
			_ = out.Close()
			return utils.WrapError("hdf5 patch failed", err)
		}
	}
	return out.Close()
}

// attrValue converts an attribute value into one the library can write.
func attrValue(v any) (any, error) {
	switch x := v.(type) {
	case error:
		return nil, x
	case string, int64, float64:
		return x, nil
	case []int64:
		if len(x) > 0 {
			return x, nil
		}
	case []float64:
		if len(x) > 0 {
			return x, nil
		}
	case []string:
		if len(x) == 1 {
			return x[0], nil
		}
	}
	return nil, fmt.Errorf("%T values of this length: %w", v, filewriter.ErrNotSupported)
}

func signedInt(dt filewriter.DType) bool {
	switch dt {
	case filewriter.Int8, filewriter.Int16, filewriter.Int32, filewriter.Int64:
		return true
	}
	return false
}

func stringSize(values []string) uint32 {
	size := 1
	for _, s := range values {
		if len(s)+1 > size {
			size = len(s) + 1
		}
	}
	return uint32(size) //nolint:gosec // bounded by in-memory string length
}

func toH5(dt filewriter.DType) (hdf5.Datatype, error) {
	switch dt {
	case filewriter.Int8:
		return hdf5.Int8, nil
	case filewriter.Int16:
		return hdf5.Int16, nil
	case filewriter.Int32:
		return hdf5.Int32, nil
	case filewriter.Int64:
		return hdf5.Int64, nil
	case filewriter.Uint8:
		return hdf5.Uint8, nil
	case filewriter.Uint16:
		return hdf5.Uint16, nil
	case filewriter.Uint32:
		return hdf5.Uint32, nil
	case filewriter.Uint64:
		return hdf5.Uint64, nil
	case filewriter.Float32:
		return hdf5.Float32, nil
	case filewriter.Float64:
		return hdf5.Float64, nil
	case filewriter.String:
		return hdf5.String, nil
	default:
		return 0, fmt.Errorf("dtype %q: %w", dt, filewriter.ErrNotSupported)
	}
}

func tempName(path string) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	return name, tmp.Close()
}
