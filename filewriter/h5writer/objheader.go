package h5writer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/scigolib/nxstools/internal/utils"
)

// Object header message types read by this package.
const (
	msgDataspace      uint16 = 0x0001
	msgDatatype       uint16 = 0x0003
	msgLink           uint16 = 0x0006
	msgDataLayout     uint16 = 0x0008
	msgFilterPipeline uint16 = 0x000B
	msgContinuation   uint16 = 0x0010
)

// geometry holds the superblock sizes needed to decode addresses and
// lengths.
type geometry struct {
	offsetSize uint8
	lengthSize uint8
	order      binary.ByteOrder
}

func (g geometry) address(b []byte) uint64 { return readUint(b, int(g.offsetSize), g.order) }
func (g geometry) length(b []byte) uint64  { return readUint(b, int(g.lengthSize), g.order) }

// message is one object header message. dataAt is the file offset of the
// message payload, used to patch headers in place.
type message struct {
	typ    uint16
	dataAt uint64
	data   []byte
}

// readHeader returns the messages of the object header at addr, following
// continuation blocks. Version 1 and 2 headers are supported.
func readHeader(r io.ReaderAt, addr uint64, g geometry) ([]message, error) {
	prefix := make([]byte, 16)
	//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
	if _, err := r.ReadAt(prefix, int64(addr)); err != nil && !errors.Is(err, io.EOF) {
		return nil, utils.WrapError("object header read failed", err)
	}

	switch {
	case string(prefix[:4]) == "OHDR":
		return readHeaderV2(r, addr, prefix, g)
	case prefix[0] == 1 && prefix[1] == 0:
		return readHeaderV1(r, addr, prefix, g)
	default:
		return nil, fmt.Errorf("invalid object header signature at 0x%x: % x", addr, prefix[:4])
	}
}

func readHeaderV1(r io.ReaderAt, addr uint64, prefix []byte, g geometry) ([]message, error) {
	count := int(g.order.Uint16(prefix[2:4]))
	size := uint64(g.order.Uint32(prefix[8:12]))

	msgs, err := readBlockV1(r, addr+16, addr+16+size, count)
	if err != nil {
		return nil, err
	}
	// Some writers count only message headers in the size field; keep
	// reading past it until every announced message is found.
	if len(msgs) < count {
		var end uint64
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			end = last.dataAt + align8(uint64(len(last.data)))
		} else {
			end = addr + 16
		}
		more, err := readBlockV1(r, end, ^uint64(0), count-len(msgs))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, more...)
	}
	return followContinuations(r, msgs, g, func(start, end uint64) ([]message, error) {
		return readBlockV1(r, start, end, -1)
	})
}

// readBlockV1 reads up to max version 1 messages (max < 0: no limit)
// between start and end.
func readBlockV1(r io.ReaderAt, start, end uint64, max int) ([]message, error) {
	var msgs []message
	head := make([]byte, 8)
	for cur := start; cur+8 <= end && (max < 0 || len(msgs) < max); {
		//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
		if _, err := r.ReadAt(head, int64(cur)); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, utils.WrapError("header message read failed", err)
		}
		typ := binary.LittleEndian.Uint16(head[0:2])
		size := uint64(binary.LittleEndian.Uint16(head[2:4]))
		if cur+8+size > end {
			break
		}
		data := make([]byte, size)
		//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
		if _, err := r.ReadAt(data, int64(cur+8)); err != nil && !errors.Is(err, io.EOF) {
			return nil, utils.WrapError("header message read failed", err)
		}
		msgs = append(msgs, message{typ: typ, dataAt: cur + 8, data: data})
		cur += 8 + align8(size)
	}
	return msgs, nil
}

func readHeaderV2(r io.ReaderAt, addr uint64, prefix []byte, g geometry) ([]message, error) {
	flags := prefix[5]
	cur := addr + 6
	if flags&0x20 != 0 {
		cur += 16 // access, modification, change and birth times
	}
	if flags&0x10 != 0 {
		cur += 4 // attribute phase change values
	}
	width := 1 << (flags & 0x03)
	buf := make([]byte, width)
	//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
	if _, err := r.ReadAt(buf, int64(cur)); err != nil {
		return nil, utils.WrapError("object header read failed", err)
	}
	size := readUint(buf, width, binary.LittleEndian)
	cur += uint64(width)

	creationOrder := flags&0x04 != 0
	msgs, err := readBlockV2(r, cur, cur+size, creationOrder)
	if err != nil {
		return nil, err
	}
	return followContinuations(r, msgs, g, func(start, end uint64) ([]message, error) {
		// Continuation chunks start with "OCHK" and end with a checksum.
		if end-start < 8 {
			return nil, nil
		}
		return readBlockV2(r, start+4, end-4, creationOrder)
	})
}

func readBlockV2(r io.ReaderAt, start, end uint64, creationOrder bool) ([]message, error) {
	headSize := uint64(4)
	if creationOrder {
		headSize += 2
	}
	var msgs []message
	head := make([]byte, headSize)
	for cur := start; cur+headSize <= end; {
		//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
		if _, err := r.ReadAt(head, int64(cur)); err != nil {
			return nil, utils.WrapError("header message read failed", err)
		}
		typ := uint16(head[0])
		size := uint64(binary.LittleEndian.Uint16(head[1:3]))
		if cur+headSize+size > end {
			break
		}
		data := make([]byte, size)
		//nolint:gosec // G115: HDF5 addresses fit in int64 for io.ReaderAt
		if _, err := r.ReadAt(data, int64(cur+headSize)); err != nil && !errors.Is(err, io.EOF) {
			return nil, utils.WrapError("header message read failed", err)
		}
		if size > 0 {
			msgs = append(msgs, message{typ: typ, dataAt: cur + headSize, data: data})
		}
		cur += headSize + size
	}
	return msgs, nil
}

// followContinuations appends the messages of every continuation block
// reachable from msgs.
func followContinuations(r io.ReaderAt, msgs []message, g geometry, block func(start, end uint64) ([]message, error)) ([]message, error) {
	seen := map[uint64]bool{}
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.typ != msgContinuation {
			continue
		}
		if len(m.data) < int(g.offsetSize)+int(g.lengthSize) {
			return nil, fmt.Errorf("continuation message too short: %d bytes", len(m.data))
		}
		at := g.address(m.data)
		size := g.length(m.data[g.offsetSize:])
		if size == 0 || seen[at] {
			continue
		}
		seen[at] = true
		more, err := block(at, at+size)
		if err != nil {
			return nil, utils.WrapError("continuation block read failed", err)
		}
		msgs = append(msgs, more...)
	}
	return msgs, nil
}

func findMessage(msgs []message, typ uint16) *message {
	for i := range msgs {
		if msgs[i].typ == typ {
			return &msgs[i]
		}
	}
	return nil
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// readUint decodes a size-byte unsigned integer.
func readUint(b []byte, size int, order binary.ByteOrder) uint64 {
	if size > len(b) {
		size = len(b)
	}
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	case 8:
		return order.Uint64(b)
	}
	var buf [8]byte
	if order == binary.BigEndian {
		copy(buf[8-size:], b[:size])
	} else {
		copy(buf[:], b[:size])
	}
	return order.Uint64(buf[:])
}
