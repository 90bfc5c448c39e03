package h5writer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// Datatype classes.
const (
	classFixed  = 0
	classFloat  = 1
	classString = 3
	classVarLen = 9
)

// Storage layouts.
const (
	layoutCompact    = 0
	layoutContiguous = 1
	layoutChunked    = 2
)

// Filters.
const (
	filterDeflate  = 1
	filterShuffle  = 2
	filterFletcher = 3
)

// datatype is a decoded datatype message.
type datatype struct {
	class    uint8
	size     uint32
	bitField uint32
}

func parseDatatype(data []byte) (datatype, error) {
	if len(data) < 8 {
		return datatype{}, errors.New("datatype message too short")
	}
	cv := binary.LittleEndian.Uint32(data[0:4])
	return datatype{
		class:    uint8(cv & 0x0F),
		bitField: cv >> 8 & 0x00FFFFFF,
		size:     binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// signed reports bit 3 of a fixed-point class bit field.
func (t datatype) signed() bool { return t.bitField&0x08 != 0 }

// order is bit 0 of a numeric class bit field.
func (t datatype) order() binary.ByteOrder {
	if t.bitField&0x01 != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// dtype maps the datatype onto a filewriter element type.
func (t datatype) dtype() (filewriter.DType, error) {
	switch t.class {
	case classFixed:
		signed := map[uint32]filewriter.DType{1: filewriter.Int8, 2: filewriter.Int16, 4: filewriter.Int32, 8: filewriter.Int64}
		unsigned := map[uint32]filewriter.DType{1: filewriter.Uint8, 2: filewriter.Uint16, 4: filewriter.Uint32, 8: filewriter.Uint64}
		m := unsigned
		if t.signed() {
			m = signed
		}
		if dt, ok := m[t.size]; ok {
			return dt, nil
		}
	case classFloat:
		switch t.size {
		case 4:
			return filewriter.Float32, nil
		case 8:
			return filewriter.Float64, nil
		}
	case classString, classVarLen:
		return filewriter.String, nil
	}
	return "", fmt.Errorf("datatype class %d of %d bytes: %w", t.class, t.size, filewriter.ErrNotSupported)
}

// parseDataspace returns the dimensions; nil for a scalar.
func parseDataspace(data []byte, g geometry) ([]uint64, error) {
	if len(data) < 4 {
		return nil, errors.New("dataspace message too short")
	}
	version, rank, flags := data[0], int(data[1]), data[2]
	off := 8
	switch version {
	case 1:
	case 2:
		off = 4
		if data[3] == 2 {
			return []uint64{0}, nil // null dataspace
		}
	default:
		return nil, fmt.Errorf("unsupported dataspace version %d", version)
	}
	if rank == 0 {
		return nil, nil
	}

	width := int(g.lengthSize)
	need := rank
	if flags&0x01 != 0 {
		need *= 2
	}
	// Some writers store version 1 dimensions in 4 bytes.
	if len(data) < off+need*width && len(data) >= off+need*4 {
		width = 4
	}
	if len(data) < off+rank*width {
		return nil, fmt.Errorf("dataspace message truncated: %d bytes for rank %d", len(data), rank)
	}
	dims := make([]uint64, rank)
	for i := range dims {
		dims[i] = readUint(data[off+i*width:], width, g.order)
	}
	return dims, nil
}

// dataLayout is a decoded data layout message (versions 3 and 4 for
// compact, contiguous and version-1 B-tree chunked storage).
type dataLayout struct {
	class   uint8
	address uint64
	size    uint64
	compact []byte
	chunk   []uint64
}

func parseLayout(data []byte, g geometry) (*dataLayout, error) {
	if len(data) < 2 {
		return nil, errors.New("data layout message too short")
	}
	if data[0] != 3 && data[0] != 4 {
		return nil, fmt.Errorf("data layout version %d: %w", data[0], filewriter.ErrNotSupported)
	}
	l := &dataLayout{class: data[1]}
	osz, lsz := int(g.offsetSize), int(g.lengthSize)

	switch l.class {
	case layoutCompact:
		if len(data) < 4 {
			return nil, errors.New("compact layout message too short")
		}
		n := int(binary.LittleEndian.Uint16(data[2:4]))
		if len(data) < 4+n {
			return nil, errors.New("compact layout data truncated")
		}
		l.compact = data[4 : 4+n]
		l.size = uint64(n)
	case layoutContiguous:
		if len(data) < 2+osz+lsz {
			return nil, errors.New("contiguous layout message too short")
		}
		l.address = g.address(data[2:])
		l.size = g.length(data[2+osz:])
	case layoutChunked:
		if data[0] == 4 {
			return nil, fmt.Errorf("version 4 chunk indexes: %w", filewriter.ErrNotSupported)
		}
		if len(data) < 3 {
			return nil, errors.New("chunked layout message too short")
		}
		rank := int(data[2])
		if len(data) < 3+osz+rank*4 {
			return nil, errors.New("chunked layout message truncated")
		}
		l.address = g.address(data[3:])
		l.chunk = make([]uint64, rank)
		for i := range l.chunk {
			l.chunk[i] = uint64(binary.LittleEndian.Uint32(data[3+osz+i*4:]))
		}
	default:
		return nil, fmt.Errorf("layout class %d: %w", l.class, filewriter.ErrNotSupported)
	}
	return l, nil
}

// pipelineFilter is one entry of a filter pipeline message.
type pipelineFilter struct {
	id       uint16
	optional bool
	client   []uint32
}

func parseFilters(data []byte) ([]pipelineFilter, error) {
	if len(data) < 2 {
		return nil, errors.New("filter pipeline message too short")
	}
	version, n := data[0], int(data[1])
	off := 2
	switch version {
	case 1:
		off += 6
	case 2:
	default:
		return nil, fmt.Errorf("unsupported filter pipeline version %d", version)
	}

	le := binary.LittleEndian
	filters := make([]pipelineFilter, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("filter pipeline truncated at filter %d", i)
		}
		f := pipelineFilter{id: le.Uint16(data[off:])}
		off += 2
		var nameLen int
		if version == 1 || f.id >= 256 {
			if off+2 > len(data) {
				return nil, fmt.Errorf("filter pipeline truncated at filter %d", i)
			}
			nameLen = int(le.Uint16(data[off:]))
			off += 2
		}
		if off+4 > len(data) {
			return nil, fmt.Errorf("filter pipeline truncated at filter %d", i)
		}
		f.optional = le.Uint16(data[off:])&0x0001 != 0
		nClient := int(le.Uint16(data[off+2:]))
		off += 4
		if version == 1 {
			off += int(align8(uint64(nameLen)))
		} else {
			off += nameLen
		}
		if off+nClient*4 > len(data) {
			return nil, fmt.Errorf("filter client data truncated at filter %d", i)
		}
		f.client = make([]uint32, nClient)
		for j := range f.client {
			f.client[j] = le.Uint32(data[off+j*4:])
		}
		off += nClient * 4
		if version == 1 && nClient%2 == 1 {
			off += 4
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// decode reverses the pipeline on one chunk. Bits of mask mark filters
// that were skipped when the chunk was written.
func decode(filters []pipelineFilter, chunk []byte, mask uint32) ([]byte, error) {
	var err error
	for i := len(filters) - 1; i >= 0; i-- {
		if mask&(1<<uint(i)) != 0 {
			continue
		}
		f := filters[i]
		switch f.id {
		case filterDeflate:
			chunk, err = inflate(chunk)
		case filterShuffle:
			if len(f.client) == 0 {
				return nil, errors.New("shuffle filter without element size")
			}
			chunk, err = unshuffle(chunk, int(f.client[0]))
		case filterFletcher:
			if len(chunk) < 4 {
				return nil, errors.New("chunk too short for fletcher32 checksum")
			}
			chunk = chunk[:len(chunk)-4]
		default:
			if f.optional {
				continue
			}
			return nil, fmt.Errorf("filter %d: %w", f.id, filewriter.ErrNotSupported)
		}
		if err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, utils.WrapError("deflate chunk", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, utils.WrapError("deflate chunk", err)
	}
	return out, nil
}

func unshuffle(data []byte, size int) ([]byte, error) {
	if size <= 1 {
		return data, nil
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("shuffled chunk of %d bytes is not a multiple of %d", len(data), size)
	}
	n := len(data) / size
	out := make([]byte, len(data))
	for e := 0; e < n; e++ {
		for b := 0; b < size; b++ {
			out[e*size+b] = data[b*n+e]
		}
	}
	return out, nil
}

// chunkRef locates one stored chunk.
type chunkRef struct {
	origin []uint64
	nbytes uint32
	mask   uint32
	addr   uint64
}

// collectChunks walks a version 1 raw-data B-tree. Keys carry the chunk
// origin in elements, with one extra trailing dimension for the datatype.
func collectChunks(r io.ReaderAt, addr uint64, rank int, g geometry, depth int) ([]chunkRef, error) {
	if depth > 64 {
		return nil, errors.New("chunk b-tree too deep")
	}
	osz := int(g.offsetSize)
	head := make([]byte, 8+2*osz)
	//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
	if _, err := r.ReadAt(head, int64(addr)); err != nil {
		return nil, utils.WrapError("chunk b-tree read failed", err)
	}
	if string(head[:4]) != "TREE" {
		return nil, fmt.Errorf("invalid b-tree signature at 0x%x", addr)
	}
	if head[4] != 1 {
		return nil, fmt.Errorf("b-tree at 0x%x indexes node type %d, not chunks", addr, head[4])
	}
	level := head[5]
	entries := int(binary.LittleEndian.Uint16(head[6:8]))

	keySize := 8 + 8*rank
	body := make([]byte, entries*(keySize+osz)+keySize)
	//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
	if _, err := r.ReadAt(body, int64(addr)+int64(len(head))); err != nil && !errors.Is(err, io.EOF) {
		return nil, utils.WrapError("chunk b-tree read failed", err)
	}

	var out []chunkRef
	for i := 0; i < entries; i++ {
		key := body[i*(keySize+osz):]
		child := g.address(key[keySize:])
		if level > 0 {
			sub, err := collectChunks(r, child, rank, g, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		ref := chunkRef{
			nbytes: binary.LittleEndian.Uint32(key[0:4]),
			mask:   binary.LittleEndian.Uint32(key[4:8]),
			addr:   child,
			origin: make([]uint64, rank),
		}
		for d := range ref.origin {
			ref.origin[d] = binary.LittleEndian.Uint64(key[8+8*d:])
		}
		out = append(out, ref)
	}
	return out, nil
}

// storedDataset is the decoded metadata of one dataset.
type storedDataset struct {
	dtype   filewriter.DType
	kind    datatype
	shape   []uint64
	layout  *dataLayout
	filters []pipelineFilter

	// headers of the datatype and dataspace messages, for in-place fixes.
	datatypeAt  uint64
	dataspaceAt uint64
}

// inspectDataset decodes the dataset object header at addr.
func inspectDataset(r io.ReaderAt, addr uint64, g geometry) (*storedDataset, error) {
	msgs, err := readHeader(r, addr, g)
	if err != nil {
		return nil, err
	}
	dtMsg, dsMsg, lMsg := findMessage(msgs, msgDatatype), findMessage(msgs, msgDataspace), findMessage(msgs, msgDataLayout)
	if dtMsg == nil || dsMsg == nil || lMsg == nil {
		return nil, errors.New("dataset header lacks datatype, dataspace or layout")
	}

	d := &storedDataset{datatypeAt: dtMsg.dataAt, dataspaceAt: dsMsg.dataAt}
	if d.kind, err = parseDatatype(dtMsg.data); err != nil {
		return nil, err
	}
	if d.dtype, err = d.kind.dtype(); err != nil {
		return nil, err
	}
	if d.shape, err = parseDataspace(dsMsg.data, g); err != nil {
		return nil, err
	}
	if d.layout, err = parseLayout(lMsg.data, g); err != nil {
		return nil, err
	}
	if fp := findMessage(msgs, msgFilterPipeline); fp != nil {
		if d.filters, err = parseFilters(fp.data); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// readNumeric returns the dataset values packed little-endian.
func (d *storedDataset) readNumeric(r io.ReaderAt, g geometry) (*filewriter.Array, error) {
	out, err := filewriter.NewArray(d.dtype, d.shape)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return out, nil
	}

	switch d.layout.class {
	case layoutCompact:
		copy(out.Data, d.layout.compact)
	case layoutContiguous:
		if d.layout.address == undefinedAddress {
			break // never written: fill value
		}
		//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
		if _, err := r.ReadAt(out.Data, int64(d.layout.address)); err != nil {
			return nil, utils.WrapError("contiguous data read failed", err)
		}
	case layoutChunked:
		if err := d.readChunks(r, g, out.Data); err != nil {
			return nil, err
		}
	}

	size := d.dtype.Size()
	if d.kind.order() == binary.BigEndian && size > 1 {
		out.Data = utils.ToLittleEndian(out.Data, size, binary.BigEndian)
	}
	return out, nil
}

const undefinedAddress = ^uint64(0)

func (d *storedDataset) readChunks(r io.ReaderAt, g geometry, dst []byte) error {
	if d.layout.address == undefinedAddress || d.layout.address == 0 {
		return nil
	}
	dims := d.shape
	if len(dims) == 0 {
		dims = []uint64{1}
	}
	if len(d.layout.chunk) < len(dims) {
		return fmt.Errorf("chunk rank %d below dataset rank %d", len(d.layout.chunk), len(dims))
	}
	chunk := d.layout.chunk[:len(dims)]
	elem := uint64(d.dtype.Size())

	refs, err := collectChunks(r, d.layout.address, len(d.layout.chunk), g, 0)
	if err != nil {
		return err
	}
	chunkElems, err := utils.ElementCount(chunk)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		raw := make([]byte, ref.nbytes)
		//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
		if _, err := r.ReadAt(raw, int64(ref.addr)); err != nil && !errors.Is(err, io.EOF) {
			return utils.WrapError("chunk read failed", err)
		}
		data, err := decode(d.filters, raw, ref.mask)
		if err != nil {
			return utils.WrapError(fmt.Sprintf("chunk %v", ref.origin[:len(dims)]), err)
		}
		if uint64(len(data)) < chunkElems*elem {
			return fmt.Errorf("chunk %v holds %d bytes, want %d", ref.origin[:len(dims)], len(data), chunkElems*elem)
		}
		scatter(dst, data, ref.origin[:len(dims)], chunk, dims, elem)
	}
	return nil
}

// scatter copies one chunk into the full row-major array, clipping at the
// dataset edges.
func scatter(dst, chunkData []byte, origin, chunk, dims []uint64, elem uint64) {
	rank := len(dims)
	idx := make([]uint64, rank)
	var walk func(d int, src, out uint64)
	walk = func(d int, src, out uint64) {
		if d == rank-1 {
			if origin[d] >= dims[d] {
				return
			}
			n := chunk[d]
			if origin[d]+n > dims[d] {
				n = dims[d] - origin[d]
			}
			s, o := src*elem, (out+origin[d])*elem
			copy(dst[o:o+n*elem], chunkData[s:s+n*elem])
			return
		}
		for idx[d] = 0; idx[d] < chunk[d] && origin[d]+idx[d] < dims[d]; idx[d]++ {
			walk(d+1, (src+idx[d])*chunk[d+1], (out+origin[d]+idx[d])*dims[d+1])
		}
	}
	if origin[0] >= dims[0] {
		return
	}
	walk(0, 0, 0)
}
