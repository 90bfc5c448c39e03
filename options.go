package nxstools

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/filename"
	"github.com/scigolib/nxstools/internal/source"
)

// Option configures a Collector, a Merge or an Acquisition.
//
// Example:
//
//	c := nxstools.NewCollector(f,
//	    nxstools.WithSkipMissing(true),
//	    nxstools.WithCompression(2),
//	    nxstools.WithLogger(log),
//	)
type Option func(*settings)

type settings struct {
	log          zerolog.Logger
	out          io.Writer
	fs           afero.Fs
	backend      filewriter.Backend
	skipMissing  bool
	testMode     bool
	maxFrames    int
	separator    string
	compression  int
	raw          source.RawLayout
	masterFile   string
	materializer Materializer
}

func newSettings(opts []Option) settings {
	s := settings{
		log:       zerolog.Nop(),
		out:       io.Discard,
		fs:        afero.NewOsFs(),
		separator: filename.DefaultSeparator,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the diagnostic logger. Defaults to zerolog.Nop().
func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithOutput sets the stream receiving progress lines (" * append ...")
// and skipped-source messages. Defaults to io.Discard.
func WithOutput(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.out = w
		}
	}
}

// WithFs sets the filesystem used to locate sources and to copy, rename
// and remove files during a merge.
func WithFs(fs afero.Fs) Option {
	return func(s *settings) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// WithBackend sets the backend used to open container sources and, for
// Merge, the target file.
func WithBackend(b filewriter.Backend) Option {
	return func(s *settings) { s.backend = b }
}

// WithSkipMissing makes missing or unreadable sources print a message
// and continue instead of aborting.
func WithSkipMissing(skip bool) Option {
	return func(s *settings) { s.skipMissing = skip }
}

// WithTestMode resolves and loads every source without touching the
// destination file.
func WithTestMode(test bool) Option {
	return func(s *settings) { s.testMode = test }
}

// WithMaxFrames bounds the number of names drawn from an unbounded
// template. Zero means no bound.
func WithMaxFrames(n int) Option {
	return func(s *settings) { s.maxFrames = n }
}

// WithSeparator sets the delimiter of file specification lists.
func WithSeparator(sep string) Option {
	return func(s *settings) {
		if sep != "" {
			s.separator = sep
		}
	}
}

// WithCompression sets the deflate level used when a marker does not
// request one. Zero disables compression.
func WithCompression(level int) Option {
	return func(s *settings) { s.compression = level }
}

// WithRawLayout declares dtype and frame shape for headerless sources.
func WithRawLayout(dtype filewriter.DType, shape []uint64) Option {
	return func(s *settings) {
		s.raw = source.RawLayout{DType: dtype, Shape: append([]uint64(nil), shape...)}
	}
}

// WithMasterFile sets the master file name used to search for sources.
// Defaults to the path of the destination file.
func WithMasterFile(path string) Option {
	return func(s *settings) { s.masterFile = path }
}

// WithMaterializer makes an Acquisition publish its virtual layout every
// time a physical file closes.
func WithMaterializer(m Materializer) Option {
	return func(s *settings) { s.materializer = m }
}
