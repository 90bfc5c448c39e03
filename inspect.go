package nxstools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scigolib/nxstools/filewriter"
)

// Inspect walks g depth-first and runs the collection of every postrun
// marker found inside an NXcollection group. Frames are written to the
// parent of the collection group. Links are not followed. The first fatal
// error stops the walk.
func (c *Collector) Inspect(ctx context.Context, g filewriter.Group) error {
	return c.inspect(ctx, g, false)
}

func (c *Collector) inspect(ctx context.Context, g filewriter.Group, inCollection bool) error {
	if ctx.Err() != nil {
		c.interrupted = true
		return nil
	}

	if inCollection {
		if err := c.collectMarker(ctx, g); err != nil {
			return err
		}
	}

	children, err := g.Children()
	if err != nil {
		return fmt.Errorf("%s: %w", g.Path(), err)
	}
	for _, child := range children {
		switch n := child.(type) {
		case filewriter.Group:
			if err := c.inspect(ctx, n, filewriter.NXClass(n) == NXCollection); err != nil {
				return err
			}
		case filewriter.Field, filewriter.Link, filewriter.Attribute:
		}
		if c.interrupted {
			return nil
		}
	}
	return nil
}

func (c *Collector) collectMarker(ctx context.Context, g filewriter.Group) error {
	m, err := ReadMarker(g, c.separator)
	if errors.Is(err, filewriter.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	dest, err := g.Parent()
	if err != nil {
		return err
	}
	if dest == nil {
		return fmt.Errorf("%s: collection group has no parent", g.Path())
	}

	c.log.Info().
		Str("marker", m.Path).
		Strs("specs", m.FileSpecs).
		Str("field", m.FieldName).
		Msg("collection marker found")
	_, err = c.Collect(ctx, m.Request(dest))
	return err
}

// CollectPath runs a manual collection of specs into the field named by
// path, e.g. "/scan:NXentry/instrument/pilatus:NXdetector/data". Missing
// groups are created with the class given after the colon.
func (c *Collector) CollectPath(ctx context.Context, path, specs string) (*Report, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-1] == "" {
		return nil, fmt.Errorf("collection path %q needs a group and a field name", path)
	}
	fieldName, _, _ := strings.Cut(segments[len(segments)-1], ":")

	root, err := c.file.Root()
	if err != nil {
		return nil, err
	}
	var parent filewriter.Group
	if c.testMode {
		parent, err = openGroups(root, segments[:len(segments)-1])
	} else {
		parent, err = ensureGroups(root, segments[:len(segments)-1])
	}
	if err != nil {
		return nil, err
	}

	var list []string
	for _, part := range strings.Split(specs, c.separator) {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return c.Collect(ctx, Request{
		FileSpecs:  list,
		Parent:     parent,
		FieldName:  fieldName,
		FieldDType: c.raw.DType,
		FieldShape: c.raw.Shape,
	})
}

func ensureGroups(g filewriter.Group, segments []string) (filewriter.Group, error) {
	for _, seg := range segments {
		name, class, _ := strings.Cut(seg, ":")
		n, err := g.Open(name)
		switch {
		case err == nil:
			sub, ok := n.(filewriter.Group)
			if !ok {
				return nil, fmt.Errorf("%s is a %s, not a group", n.Path(), n.Kind())
			}
			g = sub
		case errors.Is(err, filewriter.ErrNotFound):
			if g, err = g.CreateGroup(name, class); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	return g, nil
}

// openGroups resolves segments without creating anything. Groups that do
// not exist yet are represented by a detached placeholder so a dry run can
// still report the destination.
func openGroups(g filewriter.Group, segments []string) (filewriter.Group, error) {
	for i, seg := range segments {
		name, _, _ := strings.Cut(seg, ":")
		n, err := g.Open(name)
		if errors.Is(err, filewriter.ErrNotFound) {
			rest := make([]string, 0, len(segments)-i)
			for _, s := range segments[i:] {
				n, _, _ := strings.Cut(s, ":")
				rest = append(rest, n)
			}
			return pendingGroup{parent: g, path: filewriter.JoinPath(append([]string{g.Path()}, rest...)...)}, nil
		}
		if err != nil {
			return nil, err
		}
		sub, ok := n.(filewriter.Group)
		if !ok {
			return nil, fmt.Errorf("%s is a %s, not a group", n.Path(), n.Kind())
		}
		g = sub
	}
	return g, nil
}

// pendingGroup stands in for a group a dry run would create.
type pendingGroup struct {
	filewriter.Sealed
	parent filewriter.Group
	path   string
}

func (p pendingGroup) Kind() filewriter.Kind { return filewriter.KindGroup }
func (p pendingGroup) Path() string          { return p.path }

func (p pendingGroup) Name() string {
	_, name := filewriter.SplitPath(p.path)
	return name
}

func (p pendingGroup) Attributes() filewriter.Attributes { return noAttributes{} }

func (p pendingGroup) Parent() (filewriter.Group, error) { return p.parent, nil }

func (p pendingGroup) Children() ([]filewriter.Node, error) { return nil, nil }

func (p pendingGroup) Open(name string) (filewriter.Node, error) {
	return nil, fmt.Errorf("%s: %w", filewriter.JoinPath(p.path, name), filewriter.ErrNotFound)
}

func (p pendingGroup) CreateGroup(string, string) (filewriter.Group, error) {
	return nil, filewriter.ErrReadOnly
}

func (p pendingGroup) CreateField(string, filewriter.FieldSpec) (filewriter.Field, error) {
	return nil, filewriter.ErrReadOnly
}

func (p pendingGroup) CreateVirtualField(string, *filewriter.VirtualFieldLayout) (filewriter.Field, error) {
	return nil, filewriter.ErrReadOnly
}

type noAttributes struct{}

func (noAttributes) Names() ([]string, error) { return nil, nil }

func (noAttributes) Get(name string) (filewriter.Attribute, error) {
	return nil, fmt.Errorf("attribute %s: %w", name, filewriter.ErrNotFound)
}

func (noAttributes) Set(string, any) error { return filewriter.ErrReadOnly }

func splitSegments(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
