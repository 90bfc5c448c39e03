// Package main provides nxsdump, which prints the node tree of a NeXus
// file and the collection markers waiting in it.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/scigolib/nxstools"
	"github.com/scigolib/nxstools/filewriter"
	_ "github.com/scigolib/nxstools/filewriter/h5writer"
	_ "github.com/scigolib/nxstools/filewriter/jsonwriter"
	"github.com/scigolib/nxstools/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type dumper struct {
	w         io.Writer
	attrs     bool
	separator string
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("nxsdump", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	attrs := fs.BoolP("attributes", "a", false, "print attributes")
	configPath := fs.String("config", "", "configuration file")
	fs.String("backend", "h5", "file backend: "+strings.Join(filewriter.Backends(), ", "))
	fs.String("separator", ",", "delimiter of file specification lists")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: nxsdump [flags] <file>")
		fmt.Fprintln(stderr, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 255
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 255
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintf(stderr, "nxsdump: %v\n", err)
		return 255
	}
	backend, err := filewriter.Lookup(cfg.Backend)
	if err != nil {
		fmt.Fprintf(stderr, "nxsdump: %v\n", err)
		return 255
	}

	f, err := backend.OpenFile(fs.Arg(0), true)
	if err != nil {
		fmt.Fprintf(stderr, "nxsdump: %v\n", err)
		return 1
	}
	defer func() { _ = f.Close() }()

	root, err := f.Root()
	if err != nil {
		fmt.Fprintf(stderr, "nxsdump: %v\n", err)
		return 1
	}
	d := &dumper{w: stdout, attrs: *attrs, separator: cfg.Separator}
	fmt.Fprintf(stdout, "%s\n", f.Path())
	if err := d.group(root, 1); err != nil {
		fmt.Fprintf(stderr, "nxsdump: %v\n", err)
		return 1
	}
	return 0
}

func (d *dumper) group(g filewriter.Group, depth int) error {
	if err := d.attributes(g.Attributes(), depth); err != nil {
		return err
	}
	if filewriter.NXClass(g) == nxstools.NXCollection {
		m, err := nxstools.ReadMarker(g, d.separator)
		switch {
		case err == nil:
			d.printf(depth, "# postrun %s -> %s", strings.Join(m.FileSpecs, d.separator), m.FieldName)
		case !errors.Is(err, filewriter.ErrNotFound):
			d.printf(depth, "# invalid marker: %v", err)
		}
	}

	children, err := g.Children()
	if err != nil {
		return fmt.Errorf("%s: %w", g.Path(), err)
	}
	for _, child := range children {
		switch n := child.(type) {
		case filewriter.Group:
			class := filewriter.NXClass(n)
			if class != "" {
				class = ":" + class
			}
			d.printf(depth, "%s%s/", n.Name(), class)
			if err := d.group(n, depth+1); err != nil {
				return err
			}
		case filewriter.Field:
			d.printf(depth, "%s %s%v", n.Name(), n.DType(), n.Shape())
			if err := d.attributes(n.Attributes(), depth+1); err != nil {
				return err
			}
		case filewriter.Link:
			d.printf(depth, "%s -> %s", n.Name(), n.Target())
		default:
			d.printf(depth, "%s (%s)", n.Name(), n.Kind())
		}
	}
	return nil
}

func (d *dumper) attributes(attrs filewriter.Attributes, depth int) error {
	if !d.attrs {
		return nil
	}
	names, err := attrs.Names()
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		a, err := attrs.Get(name)
		if err != nil {
			return err
		}
		v, err := a.Value()
		if err != nil {
			return err
		}
		d.printf(depth, "@%s = %v", name, v)
	}
	return nil
}

func (d *dumper) printf(depth int, format string, args ...any) {
	fmt.Fprintf(d.w, "%s%s\n", strings.Repeat("  ", depth), fmt.Sprintf(format, args...))
}
