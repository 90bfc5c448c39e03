// Package nxstools merges detector images into NeXus files.
//
// A master file marks where images belong with a postrun field inside an
// NXcollection group. The Collector walks the tree, expands the file
// specifications of every marker, locates and decodes each source and
// appends it as one frame of a growing, chunked field next to the
// collection group. Merge wraps a whole-file run in a working copy so a
// failed run leaves the original untouched.
//
// Acquisition is the streaming counterpart: it records physical files as
// the detector closes them and lays them out as one virtual field.
package nxstools

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/filename"
	"github.com/scigolib/nxstools/internal/resolve"
	"github.com/scigolib/nxstools/internal/source"
	"github.com/scigolib/nxstools/internal/utils"
)

// Request asks for the sources named by FileSpecs to be appended to the
// field FieldName of Parent.
type Request struct {
	FileSpecs []string
	Parent    filewriter.Group
	// FieldName defaults to "data".
	FieldName  string
	Attributes []FieldAttribute
	// Compression overrides the collector's default deflate level.
	Compression *int
	// FieldDType and FieldShape describe raw sources.
	FieldDType filewriter.DType
	FieldShape []uint64
	// NodeName is the directory searched below the master file's stem;
	// defaults to the name of Parent.
	NodeName string
}

// Collector appends source images into the fields of one open file. The
// file is owned by the collector until the caller closes it.
type Collector struct {
	settings
	file        filewriter.File
	reports     []*Report
	interrupted bool
}

// NewCollector returns a collector writing into f.
func NewCollector(f filewriter.File, opts ...Option) *Collector {
	c := &Collector{settings: newSettings(opts), file: f}
	if c.masterFile == "" {
		c.masterFile = f.Path()
	}
	return c
}

// Reports returns the reports of every collection run so far.
func (c *Collector) Reports() []*Report {
	return slices.Clone(c.reports)
}

// Interrupted reports whether a run stopped early because its context was
// cancelled.
func (c *Collector) Interrupted() bool {
	return c.interrupted
}

// Collect appends every source of req. Missing or unreadable sources are
// skipped when skip-missing is set; any other failure aborts the
// collection. A cancelled ctx stops the collection between sources; the
// frames appended so far stay in place and the report is marked
// interrupted.
func (c *Collector) Collect(ctx context.Context, req Request) (*Report, error) {
	specs := make([]filename.Spec, 0, len(req.FileSpecs))
	for _, raw := range req.FileSpecs {
		s, err := filename.Parse(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	if req.Parent == nil {
		return nil, errors.New("collection request has no destination group")
	}

	fieldName := req.FieldName
	if fieldName == "" {
		fieldName = defaultFieldName
	}
	rep := newReport(filewriter.JoinPath(req.Parent.Path(), fieldName), c.testMode)
	c.reports = append(c.reports, rep)

	log := c.log.With().Str("destination", rep.Destination).Logger()
	run := &collection{
		Collector: c,
		req:       req,
		field:     fieldName,
		rep:       rep,
		log:       log,
		resolver:  c.resolver(req),
		loader:    c.loader(req),
	}

	for _, s := range specs {
		if ctx.Err() != nil {
			return c.interrupt(rep, log), nil
		}
		stop, err := run.spec(ctx, s)
		if err != nil {
			return rep, err
		}
		if stop {
			return c.interrupt(rep, log), nil
		}
	}

	log.Info().
		Uint64("appended", rep.Frames()).
		Uint64("skipped", rep.Skipped.GetCardinality()).
		Bool("test", c.testMode).
		Msg("collection finished")
	return rep, nil
}

func (c *Collector) interrupt(rep *Report, log zerolog.Logger) *Report {
	rep.Interrupted = true
	c.interrupted = true
	log.Warn().Uint64("appended", rep.Frames()).Msg("collection interrupted")
	return rep
}

func (c *Collector) resolver(req Request) *resolve.Resolver {
	node := req.NodeName
	if node == "" {
		node = req.Parent.Name()
	}
	r := resolve.New(c.fs, c.masterFile).WithNode(node)
	if root, err := c.file.Root(); err == nil {
		if name, ok, _ := filewriter.AttrString(root.Attributes(), "file_name"); ok {
			r.RecordedName = name
		}
	}
	return r
}

func (c *Collector) loader(req Request) *source.Loader {
	raw := c.raw
	if req.FieldDType != "" {
		raw.DType = req.FieldDType
	}
	if len(req.FieldShape) > 0 {
		raw.Shape = req.FieldShape
	}
	return &source.Loader{Fs: c.fs, Backend: c.backend, Raw: raw}
}

// collection is the state of one Collect call.
type collection struct {
	*Collector
	req      Request
	field    string
	rep      *Report
	log      zerolog.Logger
	resolver *resolve.Resolver
	loader   *source.Loader
	dest     filewriter.Field
}

// spec appends the sources of one specification. stop is true when ctx
// was cancelled.
func (r *collection) spec(ctx context.Context, s filename.Spec) (stop bool, err error) {
	unbounded := s.IsTemplate() && !s.Template.Bounded()
	drawn := 0
	for name := range s.Names() {
		if ctx.Err() != nil {
			return true, nil
		}
		if unbounded && r.maxFrames > 0 && drawn >= r.maxFrames {
			break
		}
		drawn++

		file, inner := filename.SplitInner(name)
		path, err := r.resolver.Resolve(file)
		if err != nil && unbounded {
			// The acquisition has not written this index; the sequence ends here.
			r.log.Debug().Str("source", file).Msg("end of unbounded sequence")
			break
		}
		ordinal := r.rep.attempt(name)
		var frame *filewriter.Array
		if err == nil {
			fmt.Fprintf(r.out, " * append %s\n", path)
			frame, err = r.loader.Load(source.ResolvedSource{Path: path, InnerPath: inner})
		}
		if err != nil {
			if r.skipMissing && utils.IsRecoverable(err) {
				fmt.Fprintln(r.out, err.Error())
				r.rep.skip(ordinal)
				r.log.Warn().Err(err).Str("source", name).Msg("source skipped")
				continue
			}
			return false, err
		}
		if err := r.append(ordinal, path, frame); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *collection) append(ordinal uint32, path string, frame *filewriter.Array) error {
	if r.rep.FrameShape != nil && (frame.DType != r.rep.DType || !slices.Equal(frame.Shape, r.rep.FrameShape)) {
		return fmt.Errorf("%s: %s%v frame does not match %s%v: %w",
			path, frame.DType, frame.Shape, r.rep.DType, r.rep.FrameShape, utils.ErrShapeMismatch)
	}

	if !r.testMode {
		if err := r.write(frame); err != nil {
			return err
		}
	}

	stats, ok := r.rep.append(ordinal, frame)
	ev := r.log.Debug().Str("source", path).Uint64("frame", r.rep.Frames()-1)
	if ok {
		ev = ev.Float64("min", stats.Min).Float64("max", stats.Max).Float64("mean", stats.Mean)
	}
	ev.Msg("frame appended")
	return nil
}

// write stores frame at the end of the destination field and flushes the
// file.
func (r *collection) write(frame *filewriter.Array) error {
	if r.dest == nil {
		dest, err := r.destination(frame)
		if err != nil {
			return err
		}
		r.dest = dest
	}

	index := r.dest.Shape()[0]
	if err := r.dest.Grow(0, 1); err != nil {
		return fmt.Errorf("%s: %w: %w", r.rep.Destination, utils.ErrDestinationWrite, err)
	}
	if err := r.dest.WriteFrame(index, frame); err != nil {
		return fmt.Errorf("%s: %w: %w", r.rep.Destination, utils.ErrDestinationWrite, err)
	}
	if err := r.file.Flush(); err != nil {
		return fmt.Errorf("%s: %w: %w", r.file.Path(), utils.ErrDestinationWrite, err)
	}
	return nil
}

// destination opens an existing compatible field or creates a new one
// shaped after frame, then stamps the requested attributes.
func (r *collection) destination(frame *filewriter.Array) (filewriter.Field, error) {
	n, err := r.req.Parent.Open(r.field)
	switch {
	case err == nil:
		fld, ok := n.(filewriter.Field)
		if !ok {
			return nil, fmt.Errorf("%s is a %s: %w", n.Path(), n.Kind(), utils.ErrDestinationWrite)
		}
		shape := fld.Shape()
		if fld.DType() != frame.DType || len(shape) == 0 || !slices.Equal(shape[1:], frame.Shape) {
			return nil, fmt.Errorf("%s: existing %s%v field cannot take %s%v frames: %w",
				fld.Path(), fld.DType(), shape, frame.DType, frame.Shape, utils.ErrShapeMismatch)
		}
		r.log.Info().Uint64("frames", shape[0]).Msg("appending to existing field")
		return fld, r.stamp(fld)
	case !errors.Is(err, filewriter.ErrNotFound):
		return nil, fmt.Errorf("%s: %w: %w", r.rep.Destination, utils.ErrDestinationWrite, err)
	}

	level := r.compression
	if r.req.Compression != nil {
		level = *r.req.Compression
	}
	filter, err := filewriter.NewDeflateFilter(level, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", r.rep.Destination, utils.ErrDestinationWrite, err)
	}
	spec := filewriter.FieldSpec{
		DType:  frame.DType,
		Shape:  append([]uint64{0}, frame.Shape...),
		Chunk:  append([]uint64{1}, frame.Shape...),
		Filter: filter,
	}
	fld, err := r.req.Parent.CreateField(r.field, spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", r.rep.Destination, utils.ErrDestinationWrite, err)
	}
	r.log.Info().
		Str("dtype", string(frame.DType)).
		Any("frame_shape", frame.Shape).
		Int("compression", level).
		Msg("destination field created")
	return fld, r.stamp(fld)
}

func (r *collection) stamp(fld filewriter.Field) error {
	for _, a := range r.req.Attributes {
		if err := fld.Attributes().Set(a.Name, a.Value); err != nil {
			return fmt.Errorf("%s@%s: %w: %w", fld.Path(), a.Name, utils.ErrDestinationWrite, err)
		}
	}
	return nil
}
