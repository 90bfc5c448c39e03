package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/layout"
)

// frameCounter counts the frames of physical files and completes the geometry
// from the first file it opens.
type frameCounter struct {
	backend filewriter.Backend
	fs      afero.Fs
	dir     string
	geo     layout.Geometry
}

type fileFrames struct {
	frames uint64
	shape  []uint64
	dtype  filewriter.DType
	opened bool
}

func (p *frameCounter) countAll(ctx context.Context, files []fileArg) ([]layout.FileFrames, error) {
	complete := len(p.geo.FrameShape) > 0 && p.geo.DType != ""
	results, err := iter.MapErr(files, func(f *fileArg) (fileFrames, error) {
		if f.frames > 0 && complete {
			return fileFrames{frames: f.frames}, nil
		}
		if err := ctx.Err(); err != nil {
			return fileFrames{}, err
		}
		r, err := p.count(f.name)
		if err != nil {
			return fileFrames{}, err
		}
		if f.frames > 0 {
			r.frames = f.frames
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]layout.FileFrames, len(files))
	for i, r := range results {
		if r.opened {
			if err := p.complete(files[i].name, r); err != nil {
				return nil, err
			}
		}
		out[i] = layout.FileFrames{Name: files[i].name, Frames: r.frames}
	}
	return out, nil
}

// complete fills the missing frame shape and dtype from r and checks r
// against values already known.
func (p *frameCounter) complete(name string, r fileFrames) error {
	if len(p.geo.FrameShape) == 0 {
		p.geo.FrameShape = r.shape
	}
	if p.geo.DType == "" {
		p.geo.DType = r.dtype
	}
	if !slices.Equal(p.geo.FrameShape, r.shape) || p.geo.DType != r.dtype {
		return fmt.Errorf("%s: frames are %s%v, expected %s%v", name, r.dtype, r.shape, p.geo.DType, p.geo.FrameShape)
	}
	return nil
}

func (p *frameCounter) count(name string) (fileFrames, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.dir, path)
	}
	ok, err := afero.Exists(p.fs, path)
	if err != nil {
		return fileFrames{}, err
	}
	if ok || !p.geo.Split() {
		return p.field(path)
	}

	var sum fileFrames
	for part := 0; ; part++ {
		partPath := layout.PartName(path, part)
		ok, err := afero.Exists(p.fs, partPath)
		if err != nil {
			return fileFrames{}, err
		}
		if !ok {
			break
		}
		r, err := p.field(partPath)
		if err != nil {
			return fileFrames{}, err
		}
		if part > 0 && (!slices.Equal(sum.shape, r.shape) || sum.dtype != r.dtype) {
			return fileFrames{}, fmt.Errorf("%s: part frames differ from part 0", partPath)
		}
		sum.frames += r.frames
		sum.shape, sum.dtype, sum.opened = r.shape, r.dtype, true
	}
	if !sum.opened {
		return fileFrames{}, fmt.Errorf("%s: neither the file nor %s exist", name, filepath.Base(layout.PartName(path, 0)))
	}
	return sum, nil
}

func (p *frameCounter) field(path string) (fileFrames, error) {
	inner := p.geo.InnerPath
	if inner == "" {
		inner = layout.DefaultInnerPath
	}
	f, err := p.backend.OpenFile(path, true)
	if err != nil {
		return fileFrames{}, err
	}
	defer func() { _ = f.Close() }()

	fld, err := filewriter.OpenField(f, inner)
	if err != nil {
		return fileFrames{}, fmt.Errorf("%s: %w", path, err)
	}
	shape := fld.Shape()
	if len(shape) < 2 {
		return fileFrames{}, fmt.Errorf("%s:%s: shape %v has no frame axis", path, inner, shape)
	}
	return fileFrames{
		frames: shape[0],
		shape:  append([]uint64(nil), shape[1:]...),
		dtype:  fld.DType(),
		opened: true,
	}, nil
}
