package source

import (
	"errors"
	"fmt"

	"github.com/scigolib/nxstools/filewriter"
)

// loadContainer reads a field of an HDF5/NeXus file through the backend.
func (l *Loader) loadContainer(src ResolvedSource) (*filewriter.Array, error) {
	if l.Backend == nil {
		return nil, errors.New("no backend configured for container sources")
	}
	f, err := l.Backend.OpenFile(src.Path, true)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fld, err := FindSignal(f, src.InnerPath)
	if err != nil {
		return nil, err
	}
	return fld.Read()
}

// FindSignal returns the field at inner, or when inner is empty the field
// reached by following the NeXus default chain: the default attribute of
// the root names an entry, the default attribute of the entry names a data
// group, and the signal attribute of that group names the field. Where the
// chain breaks, the first field named "data" below the deepest group
// reached is used.
func FindSignal(f filewriter.File, inner string) (filewriter.Field, error) {
	if inner != "" {
		return filewriter.OpenField(f, inner)
	}

	g, err := f.Root()
	if err != nil {
		return nil, err
	}
	for range 2 {
		next, ok := defaultChild(g)
		if !ok {
			break
		}
		g = next
	}

	if signal, ok, _ := filewriter.AttrString(g.Attributes(), "signal"); ok && signal != "" {
		if n, err := g.Open(signal); err == nil {
			if fld, ok := n.(filewriter.Field); ok {
				return fld, nil
			}
		}
	}

	fld, err := findData(g)
	if err != nil {
		return nil, err
	}
	if fld == nil {
		return nil, fmt.Errorf("no signal or data field below %s", g.Path())
	}
	return fld, nil
}

func defaultChild(g filewriter.Group) (filewriter.Group, bool) {
	name, ok, err := filewriter.AttrString(g.Attributes(), "default")
	if err != nil || !ok || name == "" {
		return nil, false
	}
	n, err := g.Open(name)
	if err != nil {
		return nil, false
	}
	child, ok := n.(filewriter.Group)
	return child, ok
}

// findData searches depth-first for a field named "data", preferring
// direct children over deeper matches.
func findData(g filewriter.Group) (filewriter.Field, error) {
	children, err := g.Children()
	if err != nil {
		return nil, err
	}
	for _, n := range children {
		if fld, ok := n.(filewriter.Field); ok && fld.Name() == "data" {
			return fld, nil
		}
	}
	for _, n := range children {
		sub, ok := n.(filewriter.Group)
		if !ok {
			continue
		}
		fld, err := findData(sub)
		if err != nil {
			return nil, err
		}
		if fld != nil {
			return fld, nil
		}
	}
	return nil, nil
}
