package filewriter

import (
	"fmt"
	"path"
	"strings"
)

// DeflateFilter is the gzip/deflate chunk filter.
type DeflateFilter struct {
	Rate    int  `json:"rate"`
	Shuffle bool `json:"shuffle,omitempty"`
}

// NewDeflateFilter returns a deflate filter at rate, or nil when rate is
// zero (no compression). Rates outside 0-9 are rejected.
func NewDeflateFilter(rate int, shuffle bool) (*DeflateFilter, error) {
	if rate < 0 || rate > 9 {
		return nil, fmt.Errorf("deflate rate %d out of range 0-9", rate)
	}
	if rate == 0 {
		return nil, nil
	}
	return &DeflateFilter{Rate: rate, Shuffle: shuffle}, nil
}

// TargetFieldView addresses a field inside another (physical) file.
type TargetFieldView struct {
	File      string   `json:"file"`
	FieldPath string   `json:"field_path"`
	Shape     []uint64 `json:"shape"`
	DType     DType    `json:"dtype"`
}

// NewTargetFieldView returns a view of the field at fieldPath in file.
func NewTargetFieldView(file, fieldPath string, shape []uint64, dtype DType) TargetFieldView {
	return TargetFieldView{
		File:      file,
		FieldPath: fieldPath,
		Shape:     append([]uint64(nil), shape...),
		DType:     dtype,
	}
}

// VirtualMapping maps Count logical frames starting at Offset onto the
// frames of View starting at SourceOffset.
type VirtualMapping struct {
	View         TargetFieldView `json:"view"`
	Offset       uint64          `json:"offset"`
	SourceOffset uint64          `json:"source_offset"`
	Count        uint64          `json:"count"`
}

// VirtualFieldLayout describes a virtual field: its logical shape and the
// physical regions backing consecutive ranges of its leading axis.
type VirtualFieldLayout struct {
	Shape    []uint64         `json:"shape"`
	DType    DType            `json:"dtype"`
	Mappings []VirtualMapping `json:"mappings"`
}

// NewVirtualFieldLayout creates an empty layout of the given logical shape.
func NewVirtualFieldLayout(shape []uint64, dtype DType) *VirtualFieldLayout {
	return &VirtualFieldLayout{
		Shape: append([]uint64(nil), shape...),
		DType: dtype,
	}
}

// Add maps count frames of view, starting at sourceOffset, onto the
// logical range starting at offset. Ranges must be added in order and must
// be contiguous with the previous mapping.
func (l *VirtualFieldLayout) Add(view TargetFieldView, offset, sourceOffset, count uint64) error {
	if count == 0 {
		return fmt.Errorf("empty mapping for %s", view.File)
	}
	if next := l.Covered(); offset != next {
		return fmt.Errorf("mapping for %s starts at frame %d, expected %d", view.File, offset, next)
	}
	if len(l.Shape) > 0 && offset+count > l.Shape[0] {
		return fmt.Errorf("mapping for %s ends at frame %d beyond layout length %d", view.File, offset+count, l.Shape[0])
	}
	l.Mappings = append(l.Mappings, VirtualMapping{
		View:         view,
		Offset:       offset,
		SourceOffset: sourceOffset,
		Count:        count,
	})
	return nil
}

// Covered returns the number of leading frames mapped so far.
func (l *VirtualFieldLayout) Covered() uint64 {
	if len(l.Mappings) == 0 {
		return 0
	}
	last := l.Mappings[len(l.Mappings)-1]
	return last.Offset + last.Count
}

// Locate returns the mapping holding logical frame i and the frame index
// inside the mapped view. ok is false for unmapped frames.
func (l *VirtualFieldLayout) Locate(i uint64) (m VirtualMapping, sourceIndex uint64, ok bool) {
	lo, hi := 0, len(l.Mappings)
	for lo < hi {
		mid := (lo + hi) / 2
		cur := l.Mappings[mid]
		switch {
		case i < cur.Offset:
			hi = mid
		case i >= cur.Offset+cur.Count:
			lo = mid + 1
		default:
			return cur, cur.SourceOffset + i - cur.Offset, true
		}
	}
	return VirtualMapping{}, 0, false
}

// Validate checks that mappings are contiguous, non-overlapping, start at
// zero and fit in the logical shape.
func (l *VirtualFieldLayout) Validate() error {
	var next uint64
	for i, m := range l.Mappings {
		if m.Offset != next {
			return fmt.Errorf("mapping %d starts at %d, expected %d", i, m.Offset, next)
		}
		if m.Count == 0 {
			return fmt.Errorf("mapping %d is empty", i)
		}
		next += m.Count
	}
	if len(l.Shape) == 0 {
		return fmt.Errorf("virtual layout has no shape")
	}
	if next > l.Shape[0] {
		return fmt.Errorf("mappings cover %d frames, layout holds %d", next, l.Shape[0])
	}
	return nil
}

// JoinPath joins NeXus path segments into an absolute path.
func JoinPath(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// SplitPath splits an absolute node path into its parent path and name.
func SplitPath(p string) (parent, name string) {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	if p == "/" {
		return "/", ""
	}
	return path.Dir(p), path.Base(p)
}
