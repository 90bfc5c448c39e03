// Package layout partitions the logical frame axis of a virtual field
// across the physical files written by a detector.
//
// Three physical layouts are supported, chosen by Geometry.FramesPerFile:
//
//   - one file holding every frame, or one file per frame or burst
//     (FramesPerFile <= 10): every file is mapped whole;
//   - bursts split across a frame limit (FramesPerFile > 10): a burst of n
//     frames was written as ceil(n/FramesPerFile) part files named
//     <stem>_part%05d<ext>, each holding FramesPerFile frames except the
//     last.
//
// A Builder accepts files one at a time as they close, so a virtual field
// can be materialised progressively during an acquisition.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/scigolib/nxstools/filewriter"
)

// DefaultInnerPath is the field read from every physical file.
const DefaultInnerPath = "/entry/instrument/detector/data"

// splitThreshold is the largest FramesPerFile value that disables burst
// splitting.
const splitThreshold = 10

// FileFrames is a physical file name and the number of frames it holds.
type FileFrames struct {
	Name   string
	Frames uint64
}

// Geometry describes the frames and the physical file policy.
type Geometry struct {
	// FrameShape is the shape of one frame, usually {height, width}.
	FrameShape []uint64
	DType      filewriter.DType
	// FramesPerFile is the split limit of burst files; <= 10 disables
	// splitting.
	FramesPerFile int
	// TotalFrames is the expected frame count of the run; 0 when unknown.
	TotalFrames uint64
	// InnerPath is the field path inside every physical file.
	InnerPath string
}

// Split reports whether bursts are split into part files.
func (g Geometry) Split() bool {
	return g.FramesPerFile > splitThreshold
}

func (g Geometry) innerPath() string {
	if g.InnerPath == "" {
		return DefaultInnerPath
	}
	return g.InnerPath
}

// Builder accumulates physical files into a virtual field layout. Earlier
// mappings are never recomputed; each Append only adds trailing ranges.
type Builder struct {
	geo    Geometry
	layout *filewriter.VirtualFieldLayout
	files  int
}

// NewBuilder validates geo and returns an empty builder.
func NewBuilder(geo Geometry) (*Builder, error) {
	if len(geo.FrameShape) == 0 {
		return nil, fmt.Errorf("virtual layout needs a frame shape")
	}
	for _, d := range geo.FrameShape {
		if d == 0 {
			return nil, fmt.Errorf("virtual layout frame shape %v has a zero axis", geo.FrameShape)
		}
	}
	if !geo.DType.IsNumeric() {
		return nil, fmt.Errorf("virtual layout dtype %q is not numeric", geo.DType)
	}
	geo.FrameShape = append([]uint64(nil), geo.FrameShape...)
	return &Builder{
		geo:    geo,
		layout: filewriter.NewVirtualFieldLayout(nil, geo.DType),
	}, nil
}

// Append registers a closed physical file holding frames frames. Files
// with no frames are ignored.
func (b *Builder) Append(name string, frames uint64) error {
	if frames == 0 {
		return nil
	}
	offset := b.layout.Covered()
	if total := b.geo.TotalFrames; total > 0 && offset+frames > total {
		return fmt.Errorf("%s: frames %d..%d exceed the run total of %d", name, offset, offset+frames-1, total)
	}

	if !b.geo.Split() {
		if err := b.add(name, offset, frames); err != nil {
			return err
		}
		b.files++
		return nil
	}

	per := uint64(b.geo.FramesPerFile)
	for part, done := 0, uint64(0); done < frames; part++ {
		count := min(per, frames-done)
		if err := b.add(PartName(name, part), offset+done, count); err != nil {
			return err
		}
		done += count
	}
	b.files++
	return nil
}

func (b *Builder) add(file string, offset, count uint64) error {
	shape := append([]uint64{count}, b.geo.FrameShape...)
	view := filewriter.NewTargetFieldView(file, b.geo.innerPath(), shape, b.geo.DType)
	return b.layout.Add(view, offset, 0, count)
}

// Frames returns the number of frames registered so far.
func (b *Builder) Frames() uint64 {
	return b.layout.Covered()
}

// Files returns the number of physical files appended so far.
func (b *Builder) Files() int {
	return b.files
}

// Layout returns a snapshot of the layout. Its leading axis is the larger
// of the registered frame count and the expected run total, so frames not
// yet written read as fill values.
func (b *Builder) Layout() *filewriter.VirtualFieldLayout {
	n := max(b.geo.TotalFrames, b.layout.Covered())
	out := filewriter.NewVirtualFieldLayout(append([]uint64{n}, b.geo.FrameShape...), b.geo.DType)
	out.Mappings = append(out.Mappings, b.layout.Mappings...)
	return out
}

// Build lays out files in order.
func Build(files []FileFrames, geo Geometry) (*filewriter.VirtualFieldLayout, error) {
	b, err := NewBuilder(geo)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := b.Append(f.Name, f.Frames); err != nil {
			return nil, err
		}
	}
	return b.Layout(), nil
}

// PartName returns the name of part file index of a split burst file:
// scan_00001.nxs becomes scan_00001_part00000.nxs for part 0.
func PartName(name string, part int) string {
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_part%05d%s", strings.TrimSuffix(name, ext), part, ext)
}
