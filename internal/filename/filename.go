// Package filename parses postrun filename specifications and expands them
// into candidate source names.
//
// A specification is one of
//
//	img_%05d.tif:0:5        indices 0..5 inclusive
//	img_%05d.tif:0:9:3      indices 0, 3, 6, 9
//	img_%05d.tif:3:         unbounded, starting at 3
//	img_%05d.tif:3::2       unbounded, every second index from 3
//	scan.h5://entry/data    a literal, optionally with an inner dataset path
//	a.tif:b.tif:c.tif       a colon-joined list of literals
//
// Several specifications are joined with a separator (default ",").
package filename

import (
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"

	"github.com/scigolib/nxstools/internal/utils"
)

// InnerSeparator separates a container file name from a dataset path.
const InnerSeparator = "://"

// DefaultSeparator separates specifications in a postrun value.
const DefaultSeparator = ","

var placeholder = regexp.MustCompile(`%0?\d*d`)

// Template is a printf-style filename pattern with an index range.
type Template struct {
	// Pattern holds exactly one integer placeholder.
	Pattern string
	Start   int
	// Stop is the inclusive last index; nil means unbounded.
	Stop *int
	// Step is the index increment; zero means 1.
	Step int
	// InnerPath is the dataset path inside container files, if any.
	InnerPath string
}

// Bounded reports whether the template has a last index.
func (t Template) Bounded() bool {
	return t.Stop != nil
}

// Len returns the number of names a bounded template yields.
func (t Template) Len() int {
	if t.Stop == nil {
		return -1
	}
	if *t.Stop < t.Start {
		return 0
	}
	return (*t.Stop-t.Start)/t.step() + 1
}

func (t Template) step() int {
	return max(t.Step, 1)
}

// Name returns the candidate for index i.
func (t Template) Name(i int) string {
	return joinInner(fmt.Sprintf(t.Pattern, i), t.InnerPath)
}

// Generate yields the candidate names in ascending index order. Every call
// starts a fresh sequence; unbounded templates never stop on their own.
func (t Template) Generate() iter.Seq[string] {
	return func(yield func(string) bool) {
		for i := t.Start; t.Stop == nil || i <= *t.Stop; i += t.step() {
			if !yield(t.Name(i)) {
				return
			}
		}
	}
}

// Spec is one parsed specification: a template or a list of literals.
type Spec struct {
	Raw      string
	Template *Template
	Literals []string
}

// IsTemplate reports whether s expands an index range.
func (s Spec) IsTemplate() bool {
	return s.Template != nil
}

// Names yields the candidate names of s.
func (s Spec) Names() iter.Seq[string] {
	if s.Template != nil {
		return s.Template.Generate()
	}
	return func(yield func(string) bool) {
		for _, name := range s.Literals {
			if !yield(name) {
				return
			}
		}
	}
}

// Parse parses a single specification.
func Parse(spec string) (Spec, error) {
	raw := strings.TrimSpace(spec)
	if raw == "" {
		return Spec{}, invalid(spec, "empty specification")
	}

	file, inner := SplitInner(raw)
	fields := strings.Split(inner, ":")
	if inner == "" {
		fields = strings.Split(file, ":")
	}
	holders := placeholder.FindAllStringIndex(raw, -1)

	// Range fields always trail the specification.
	if n := rangeFields(fields, inner != ""); n > 0 {
		head := fields[:len(fields)-n]
		t, err := parseTemplate(raw, fields[len(fields)-n:])
		if err != nil {
			return Spec{}, err
		}
		if inner == "" {
			t.Pattern = strings.Join(head, ":")
		} else {
			t.Pattern = file
			t.InnerPath = strings.Join(head, ":")
		}
		if n := len(placeholder.FindAllStringIndex(t.Pattern, -1)); n != 1 {
			return Spec{}, invalid(spec, fmt.Sprintf("ranged pattern needs exactly one integer placeholder, found %d", n))
		}
		if placeholder.MatchString(t.InnerPath) {
			return Spec{}, invalid(spec, "placeholder in inner path")
		}
		return Spec{Raw: raw, Template: t}, nil
	}

	if len(holders) > 0 && strings.Contains(file, ":") {
		return Spec{}, invalid(spec, "placeholder without index range")
	}
	return Spec{Raw: raw, Literals: splitLiterals(raw)}, nil
}

// ParseList splits a postrun value on separator (DefaultSeparator when
// empty) and parses every non-empty entry. All entries are validated before
// any is returned.
func ParseList(value, separator string) ([]Spec, error) {
	if separator == "" {
		separator = DefaultSeparator
	}
	var specs []Spec
	for _, part := range strings.Split(value, separator) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := Parse(part)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// SplitInner splits "file.h5://entry/data" into the file name and the
// inner path ("/entry/data"). Names without an inner path return "".
func SplitInner(name string) (file, inner string) {
	i := strings.Index(name, InnerSeparator)
	if i < 0 {
		return name, ""
	}
	return name[:i], "/" + strings.TrimLeft(name[i+len(InnerSeparator):], "/")
}

func joinInner(file, inner string) string {
	if inner == "" {
		return file
	}
	return file + ":/" + inner
}

func looksLikeRange(start, stop string) bool {
	return isDigits(start) && (stop == "" || isDigits(stop))
}

// rangeFields returns how many trailing fields hold the index range: 3 for
// start:stop:step, 2 for start:stop and 0 when there is none. The stepped
// form wins when its pattern still carries the placeholder.
func rangeFields(fields []string, hasInner bool) int {
	k := len(fields)
	if k >= 4 && isDigits(fields[k-1]) && looksLikeRange(fields[k-3], fields[k-2]) {
		if hasInner || len(placeholder.FindAllStringIndex(strings.Join(fields[:k-3], ":"), -1)) == 1 {
			return 3
		}
	}
	if k >= 3 && looksLikeRange(fields[k-2], fields[k-1]) {
		return 2
	}
	return 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseTemplate reads start, stop and an optional step from rng.
func parseTemplate(raw string, rng []string) (*Template, error) {
	start, err := strconv.Atoi(rng[0])
	if err != nil {
		return nil, invalid(raw, "bad start index")
	}
	t := &Template{Start: start, Step: 1}
	if len(rng) == 3 {
		step, err := strconv.Atoi(rng[2])
		if err != nil || step < 1 {
			return nil, invalid(raw, "step must be a positive integer")
		}
		t.Step = step
	}
	if s := rng[1]; s != "" {
		stop, err := strconv.Atoi(s)
		if err != nil {
			return nil, invalid(raw, "bad stop index")
		}
		if stop < start-1 {
			return nil, invalid(raw, fmt.Sprintf("stop %d before start %d", stop, start))
		}
		t.Stop = &stop
	}
	return t, nil
}

// splitLiterals splits a colon-joined literal list, keeping inner paths
// attached to their file names.
func splitLiterals(raw string) []string {
	if !strings.Contains(raw, ":") {
		return []string{raw}
	}
	var out []string
	rest := raw
	for rest != "" {
		i := strings.Index(rest, ":")
		switch {
		case i < 0:
			out = append(out, rest)
			rest = ""
		case strings.HasPrefix(rest[i:], InnerSeparator):
			// The inner path runs up to the next colon that is not
			// part of another "://".
			j := strings.Index(rest[i+len(InnerSeparator):], ":")
			if j < 0 {
				out = append(out, rest)
				rest = ""
			} else {
				end := i + len(InnerSeparator) + j
				out = append(out, rest[:end])
				rest = rest[end+1:]
			}
		default:
			if i > 0 {
				out = append(out, rest[:i])
			}
			rest = rest[i+1:]
		}
	}
	return out
}

func invalid(spec, reason string) error {
	return fmt.Errorf("%q: %s: %w", spec, reason, utils.ErrInvalidSpec)
}
