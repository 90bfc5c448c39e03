package nxstools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/layout"
)

// Materializer publishes a virtual layout, typically as a virtual field
// of a master file.
type Materializer interface {
	Materialize(runID string, l *filewriter.VirtualFieldLayout) error
}

// MaterializerFunc adapts a function to Materializer.
type MaterializerFunc func(runID string, l *filewriter.VirtualFieldLayout) error

// Materialize calls fn.
func (fn MaterializerFunc) Materialize(runID string, l *filewriter.VirtualFieldLayout) error {
	return fn(runID, l)
}

// Acquisition tracks the physical files closed during detector runs and
// lays them out as virtual fields. Callbacks may arrive from several
// goroutines; each run has its own lock, held only while its lists are
// updated or read. Layouts of one run are published one at a time, each
// taken when its publication starts, so the last one published covers
// every file recorded before it.
type Acquisition struct {
	settings
	mu   sync.Mutex
	runs map[string]*acquisitionRun
}

type acquisitionRun struct {
	mu      sync.Mutex
	files   []layout.FileFrames
	builder *layout.Builder
	// seq counts recorded files.
	seq uint64

	// publishing serializes materializer calls; published is the seq of
	// the last layout published.
	publishing sync.Mutex
	published  uint64
}

// NewAcquisition returns an empty run registry.
func NewAcquisition(opts ...Option) *Acquisition {
	return &Acquisition{settings: newSettings(opts), runs: map[string]*acquisitionRun{}}
}

// Begin starts a run laid out with geo. An empty id is replaced by a
// random UUID; the id in use is returned.
func (a *Acquisition) Begin(id string, geo layout.Geometry) (string, error) {
	b, err := layout.NewBuilder(geo)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.runs[id]; ok {
		return "", fmt.Errorf("run %s already started", id)
	}
	a.runs[id] = &acquisitionRun{builder: b}
	a.log.Info().Str("run", id).Int("frames_per_file", geo.FramesPerFile).Msg("run started")
	return id, nil
}

func (a *Acquisition) run(id string) (*acquisitionRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not started", id)
	}
	return r, nil
}

// RecordClosedFile appends a closed physical file to run id. With a
// materializer configured the grown layout is published immediately,
// outside the run lock.
func (a *Acquisition) RecordClosedFile(id, name string, frames uint64) error {
	r, err := a.run(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	err = r.builder.Append(name, frames)
	if err == nil {
		r.files = append(r.files, layout.FileFrames{Name: name, Frames: frames})
		r.seq++
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	a.log.Debug().Str("run", id).Str("file", name).Uint64("frames", frames).Msg("physical file closed")
	if a.materializer == nil {
		return nil
	}
	_, err = a.publish(id, r, false)
	return err
}

// publish materializes the current layout of r. Unless final is set, a
// layout already published by a concurrent call is not published again.
func (a *Acquisition) publish(id string, r *acquisitionRun, final bool) (*filewriter.VirtualFieldLayout, error) {
	r.publishing.Lock()
	defer r.publishing.Unlock()

	r.mu.Lock()
	l := r.builder.Layout()
	seq := r.seq
	r.mu.Unlock()

	if a.materializer == nil || (!final && seq == r.published) {
		return l, nil
	}
	if err := a.materialize(id, l); err != nil {
		return l, err
	}
	r.published = seq
	return l, nil
}

// Files returns the files recorded for run id in order.
func (a *Acquisition) Files(id string) ([]layout.FileFrames, error) {
	r, err := a.run(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]layout.FileFrames(nil), r.files...), nil
}

// Finalize ends run id and returns its layout, publishing it when a
// materializer is configured.
func (a *Acquisition) Finalize(id string) (*filewriter.VirtualFieldLayout, error) {
	a.mu.Lock()
	r, ok := a.runs[id]
	delete(a.runs, id)
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %s not started", id)
	}

	l, err := a.publish(id, r, true)
	r.mu.Lock()
	files := len(r.files)
	r.mu.Unlock()
	a.log.Info().Str("run", id).Int("files", files).Uint64("frames", l.Covered()).Msg("run finalized")
	return l, err
}

// materialize runs the materializer, turning a panic into an error so a
// faulty writer cannot take down the acquisition callback thread.
func (a *Acquisition) materialize(id string, l *filewriter.VirtualFieldLayout) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = a.materializer.Materialize(id, l) })
	if rec := pc.Recovered(); rec != nil {
		return fmt.Errorf("run %s: materializer panicked: %w", id, rec.AsError())
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	return nil
}

// FieldMaterializer writes layouts as the virtual field FieldPath of the
// master file, creating missing groups ("name:NXclass" segments) on the
// way.
type FieldMaterializer struct {
	Backend    filewriter.Backend
	MasterFile string
	FieldPath  string
}

// Materialize implements Materializer.
func (m *FieldMaterializer) Materialize(_ string, l *filewriter.VirtualFieldLayout) error {
	segments := splitSegments(m.FieldPath)
	if len(segments) < 1 {
		return fmt.Errorf("virtual field path %q is empty", m.FieldPath)
	}

	f, err := m.Backend.OpenFile(m.MasterFile, false)
	if err != nil {
		return err
	}
	root, err := f.Root()
	if err != nil {
		_ = f.Close()
		return err
	}
	parent, err := ensureGroups(root, segments[:len(segments)-1])
	if err != nil {
		_ = f.Close()
		return err
	}
	name, _, _ := strings.Cut(segments[len(segments)-1], ":")
	if _, err := parent.CreateVirtualField(name, l); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
