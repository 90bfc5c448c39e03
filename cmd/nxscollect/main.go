// Package main provides nxscollect, which merges detector images
// referenced by postrun collection markers into a NeXus master file.
//
// Usage:
//
//	nxscollect {execute|-x|test|-t} [flags] <master-file>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/scigolib/nxstools"
	"github.com/scigolib/nxstools/filewriter"
	_ "github.com/scigolib/nxstools/filewriter/h5writer"
	_ "github.com/scigolib/nxstools/filewriter/jsonwriter"
	"github.com/scigolib/nxstools/internal/config"
	"github.com/scigolib/nxstools/internal/logging"
)

// Exit codes.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 255
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGHUP, syscall.SIGALRM, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cliArgs struct {
	test   bool
	master string
	flags  *pflag.FlagSet

	configPath string
	inputFiles string
	path       string
	shape      string
	dtype      string
	jsonOut    bool
}

func newFlagSet(stderr io.Writer) (*pflag.FlagSet, *cliArgs) {
	a := &cliArgs{}
	fs := pflag.NewFlagSet("nxscollect", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntP("compression", "c", 2, "deflate level of the collected field (0 disables compression)")
	fs.BoolP("skip_missing", "s", false, "skip missing or unreadable source files")
	fs.BoolP("replace_nexus_file", "r", false, "do not keep a <file>.__merge_old__ backup")
	fs.StringVarP(&a.inputFiles, "input_files", "i", "", "file specifications of a manual collection")
	fs.StringVarP(&a.path, "path", "p", "", "NeXus path of the manual collection field, e.g. /scan:NXentry/instrument/det:NXdetector/data")
	fs.String("separator", ",", "delimiter of file specification lists")
	fs.StringVar(&a.shape, "shape", "", "frame shape of raw sources, e.g. 512,512")
	fs.StringVar(&a.dtype, "dtype", "", "element type of raw sources, e.g. uint16")
	fs.StringVar(&a.configPath, "config", "", "configuration file")
	fs.String("backend", "h5", "file backend: "+strings.Join(filewriter.Backends(), ", "))
	fs.String("log-level", "info", "diagnostic log level")
	fs.String("log-format", "console", "diagnostic log format: console or json")
	fs.Int("max-frames", 0, "maximum number of files drawn from an unbounded template (0 = no limit)")
	fs.BoolVar(&a.jsonOut, "json", false, "print the merge report as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: nxscollect {execute|-x|test|-t} [flags] <master-file>")
		fmt.Fprintln(stderr, "Flags:")
		fs.PrintDefaults()
	}
	a.flags = fs
	return fs, a
}

// parseArgs reads the mode from -x/-t or from the first positional
// argument, then expects exactly one master file.
func parseArgs(args []string, stderr io.Writer) (*cliArgs, error) {
	fs, a := newFlagSet(stderr)
	execute := fs.BoolP("execute", "x", false, "merge the collected frames into the master file")
	test := fs.BoolP("test", "t", false, "report what would be collected without writing")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if !*execute && !*test && len(rest) > 0 {
		switch rest[0] {
		case "execute":
			*execute = true
			rest = rest[1:]
		case "test":
			*test = true
			rest = rest[1:]
		}
	}
	switch {
	case *execute && *test:
		fs.Usage()
		return nil, errors.New("execute and test modes are exclusive")
	case !*execute && !*test:
		fs.Usage()
		return nil, errors.New("missing mode: execute (-x) or test (-t)")
	}
	a.test = *test

	if len(rest) != 1 {
		fs.Usage()
		return nil, fmt.Errorf("expected one master file, got %d arguments", len(rest))
	}
	a.master = rest[0]

	level, err := fs.GetInt("compression")
	if err != nil {
		return nil, err
	}
	if _, err := filewriter.NewDeflateFilter(level, false); err != nil {
		fs.Usage()
		return nil, fmt.Errorf("--compression: %w", err)
	}
	return a, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "nxscollect: %v\n", err)
		return exitUsage
	}

	cfg, err := config.Load(a.configPath, a.flags)
	if err != nil {
		fmt.Fprintf(stderr, "nxscollect: %v\n", err)
		return exitUsage
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "nxscollect: %v\n", err)
		return exitUsage
	}
	backend, err := filewriter.Lookup(cfg.Backend)
	if err != nil {
		fmt.Fprintf(stderr, "nxscollect: %v\n", err)
		return exitUsage
	}

	opts := []nxstools.Option{
		nxstools.WithLogger(log),
		nxstools.WithOutput(stdout),
		nxstools.WithSkipMissing(cfg.SkipMissing),
		nxstools.WithCompression(cfg.Compression),
		nxstools.WithSeparator(cfg.Separator),
		nxstools.WithMaxFrames(cfg.MaxFrames),
	}
	if a.dtype != "" || a.shape != "" {
		dtype, shape, err := rawLayout(a.dtype, a.shape)
		if err != nil {
			fmt.Fprintf(stderr, "nxscollect: %v\n", err)
			return exitUsage
		}
		opts = append(opts, nxstools.WithRawLayout(dtype, shape))
	}

	rep, err := nxstools.Merge(ctx, a.master, nxstools.MergeOptions{
		Backend:    backend,
		Test:       a.test,
		Replace:    cfg.Replace,
		InputFiles: a.inputFiles,
		Path:       a.path,
		Options:    opts,
	})
	if err != nil {
		fmt.Fprintf(stderr, "nxscollect: %v\n", err)
		return exitFatal
	}
	if rep.Interrupted {
		log.Warn().Uint64("frames", rep.Frames()).Msg("interrupted; frames collected so far were kept")
	}
	if a.jsonOut {
		out, err := rep.JSON()
		if err != nil {
			fmt.Fprintf(stderr, "nxscollect: %v\n", err)
			return exitFatal
		}
		fmt.Fprintln(stdout, string(out))
	}
	return exitOK
}

func rawLayout(dtype, shape string) (filewriter.DType, []uint64, error) {
	if dtype == "" || shape == "" {
		return "", nil, errors.New("--dtype and --shape must be given together")
	}
	dt, err := filewriter.ParseDType(dtype)
	if err != nil {
		return "", nil, err
	}
	s, err := nxstools.ParseShape(shape)
	if err != nil {
		return "", nil, err
	}
	return dt, s, nil
}
