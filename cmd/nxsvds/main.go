// Package main provides nxsvds, which lays out the physical image files
// of a detector run as one virtual field of a NeXus master file.
//
// Usage:
//
//	nxsvds -o <master-file> -p <nexus-path> [flags] <file>[:frames]...
//
// Files without a frame count are opened and counted. With
// --frames-per-file above 10 every file names a burst stored as
// <stem>_partNNNNN<ext> part files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/scigolib/nxstools"
	"github.com/scigolib/nxstools/filewriter"
	_ "github.com/scigolib/nxstools/filewriter/h5writer"
	_ "github.com/scigolib/nxstools/filewriter/jsonwriter"
	"github.com/scigolib/nxstools/internal/config"
	"github.com/scigolib/nxstools/internal/layout"
	"github.com/scigolib/nxstools/internal/logging"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 255
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cliArgs struct {
	flags      *pflag.FlagSet
	configPath string
	master     string
	path       string
	shape      string
	dtype      string
	total      uint64
	files      []string
}

func parseArgs(args []string, stderr io.Writer) (*cliArgs, error) {
	a := &cliArgs{}
	fs := pflag.NewFlagSet("nxsvds", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&a.master, "output", "o", "", "master file receiving the virtual field")
	fs.StringVarP(&a.path, "path", "p", "/entry:NXentry/instrument:NXinstrument/detector:NXdetector/data",
		"NeXus path of the virtual field")
	fs.StringVar(&a.shape, "shape", "", "frame shape, e.g. 512,512 (read from the first file when empty)")
	fs.StringVar(&a.dtype, "dtype", "", "element type (read from the first file when empty)")
	fs.Uint64Var(&a.total, "total", 0, "expected frame count of the run (0 = frames found)")
	fs.Int("frames-per-file", 0, "frames per part file of split bursts (<= 10 disables splitting)")
	fs.String("inner-path", layout.DefaultInnerPath, "field path inside every physical file")
	fs.StringVar(&a.configPath, "config", "", "configuration file")
	fs.String("backend", "h5", "file backend: "+strings.Join(filewriter.Backends(), ", "))
	fs.String("log-level", "info", "diagnostic log level")
	fs.String("log-format", "console", "diagnostic log format: console or json")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: nxsvds -o <master-file> -p <nexus-path> [flags] <file>[:frames]...")
		fmt.Fprintln(stderr, "Flags:")
		fs.PrintDefaults()
	}
	a.flags = fs

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if a.master == "" {
		fs.Usage()
		return nil, errors.New("missing --output master file")
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, errors.New("no physical files given")
	}
	a.files = fs.Args()
	return a, nil
}

// fileArg is one positional argument; frames is 0 when it must be counted.
type fileArg struct {
	name   string
	frames uint64
}

func parseFileArg(s string) (fileArg, error) {
	name, count, ok := strings.Cut(s, ":")
	if name == "" {
		return fileArg{}, fmt.Errorf("empty file name in %q", s)
	}
	if !ok {
		return fileArg{name: name}, nil
	}
	n, err := strconv.ParseUint(count, 10, 64)
	if err != nil || n == 0 {
		return fileArg{}, fmt.Errorf("invalid frame count in %q", s)
	}
	return fileArg{name: name, frames: n}, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "nxsvds: %v\n", err)
		return exitUsage
	}

	files := make([]fileArg, 0, len(a.files))
	for _, s := range a.files {
		f, err := parseFileArg(s)
		if err != nil {
			fmt.Fprintf(stderr, "nxsvds: %v\n", err)
			return exitUsage
		}
		files = append(files, f)
	}

	cfg, err := config.Load(a.configPath, a.flags)
	if err != nil {
		fmt.Fprintf(stderr, "nxsvds: %v\n", err)
		return exitUsage
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "nxsvds: %v\n", err)
		return exitUsage
	}
	backend, err := filewriter.Lookup(cfg.Backend)
	if err != nil {
		fmt.Fprintf(stderr, "nxsvds: %v\n", err)
		return exitUsage
	}

	geo := layout.Geometry{
		FramesPerFile: cfg.VDS.FramesPerFile,
		TotalFrames:   a.total,
		InnerPath:     cfg.VDS.InnerPath,
	}
	if a.dtype != "" {
		if geo.DType, err = filewriter.ParseDType(a.dtype); err != nil {
			fmt.Fprintf(stderr, "nxsvds: %v\n", err)
			return exitUsage
		}
	}
	if a.shape != "" {
		if geo.FrameShape, err = nxstools.ParseShape(a.shape); err != nil {
			fmt.Fprintf(stderr, "nxsvds: %v\n", err)
			return exitUsage
		}
	}

	p := &frameCounter{
		backend: backend,
		fs:      afero.NewOsFs(),
		dir:     filepath.Dir(a.master),
		geo:     geo,
	}
	counted, err := p.countAll(ctx, files)
	if err != nil {
		fmt.Fprintf(stderr, "nxsvds: %v\n", err)
		return exitFatal
	}

	if err := ensureMaster(p.fs, backend, a.master); err != nil {
		fmt.Fprintf(stderr, "nxsvds: %v\n", err)
		return exitFatal
	}
	m := &nxstools.FieldMaterializer{
		Backend:    backend,
		MasterFile: a.master,
		FieldPath:  a.path,
	}
	l, err := publish(ctx, nxstools.NewAcquisition(nxstools.WithLogger(log)), m, p.geo, counted)
	if err != nil {
		fmt.Fprintf(stderr, "nxsvds: %v\n", err)
		return exitFatal
	}
	fmt.Fprintf(stdout, "%s:%s: %d frames from %d files\n", a.master, a.path, l.Covered(), len(counted))
	return exitOK
}

// publish records the files of a one-shot run in order and writes the
// final layout once.
func publish(ctx context.Context, acq *nxstools.Acquisition, m nxstools.Materializer,
	geo layout.Geometry, files []layout.FileFrames,
) (*filewriter.VirtualFieldLayout, error) {
	id, err := acq.Begin("", geo)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			_, _ = acq.Finalize(id)
			return nil, err
		}
		if err := acq.RecordClosedFile(id, f.Name, f.Frames); err != nil {
			_, _ = acq.Finalize(id)
			return nil, err
		}
	}
	l, err := acq.Finalize(id)
	if err != nil {
		return nil, err
	}
	return l, m.Materialize(id, l)
}

// ensureMaster creates an empty master file when none exists yet.
func ensureMaster(fs afero.Fs, backend filewriter.Backend, path string) error {
	ok, err := afero.Exists(fs, path)
	if err != nil || ok {
		return err
	}
	f, err := backend.CreateFile(path, false)
	if err != nil {
		return err
	}
	return f.Close()
}
