// Package resolve locates source files whose recorded names may have drifted
// from where they are actually stored.
package resolve

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/scigolib/nxstools/internal/utils"
)

// Resolver searches, in order:
//
//  1. <master file without extension>/<node name>/<candidate>
//  2. <recorded file_name without extension>/<node name>/<candidate>
//  3. <master file directory>/<candidate> (relative candidates only)
//  4. the candidate as given
//
// The first existing regular file wins.
type Resolver struct {
	Fs afero.Fs
	// MasterFile is the path of the file being merged into.
	MasterFile string
	// RecordedName is the file_name attribute stored in the master file,
	// which still names the location the file was written to.
	RecordedName string
	// NodeName is the name of the group receiving the collected frames.
	NodeName string
}

// New returns a resolver over fs for master.
func New(fs afero.Fs, master string) *Resolver {
	return &Resolver{Fs: fs, MasterFile: master}
}

// WithNode returns a copy of r resolving for the named node.
func (r *Resolver) WithNode(name string) *Resolver {
	cp := *r
	cp.NodeName = name
	return &cp
}

// Candidates returns the deduplicated search list for name.
func (r *Resolver) Candidates(name string) []string {
	rel := name
	if filepath.IsAbs(name) {
		rel = filepath.Base(name)
	}

	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if r.MasterFile != "" && r.NodeName != "" {
		add(filepath.Join(stripExt(r.MasterFile), r.NodeName, rel))
	}
	if r.RecordedName != "" && r.NodeName != "" {
		add(filepath.Join(stripExt(r.RecordedName), r.NodeName, rel))
	}
	if r.MasterFile != "" && !filepath.IsAbs(name) {
		add(filepath.Join(filepath.Dir(r.MasterFile), name))
	}
	add(name)
	return out
}

// Resolve returns the first existing candidate for name. When none exists
// the error is a *utils.SourceError of kind utils.ErrMissingSource listing
// every path tried.
func (r *Resolver) Resolve(name string) (string, error) {
	candidates := r.Candidates(name)
	for _, p := range candidates {
		if r.isFile(p) {
			return p, nil
		}
	}
	return "", &utils.SourceError{
		Kind:  utils.ErrMissingSource,
		Name:  name,
		Tried: candidates,
	}
}

func (r *Resolver) isFile(p string) bool {
	fs := r.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	info, err := fs.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func stripExt(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p))
}
