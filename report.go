package nxstools

import (
	"math"

	"github.com/RoaringBitmap/roaring"
	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/scigolib/nxstools/filewriter"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FrameStats summarises the pixel values of the collected frames.
type FrameStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Report describes one collection. Sources are numbered in the order they
// were attempted; Appended and Skipped hold those ordinals.
type Report struct {
	Destination string
	Sources     []string
	Appended    *roaring.Bitmap
	Skipped     *roaring.Bitmap
	FrameShape  []uint64
	DType       filewriter.DType
	TestMode    bool
	Interrupted bool

	means  []float64
	sizes  []float64
	lo, hi float64
}

func newReport(dest string, test bool) *Report {
	return &Report{
		Destination: dest,
		Appended:    roaring.New(),
		Skipped:     roaring.New(),
		TestMode:    test,
		lo:          math.Inf(1),
		hi:          math.Inf(-1),
	}
}

func (r *Report) attempt(name string) uint32 {
	r.Sources = append(r.Sources, name)
	return uint32(len(r.Sources) - 1)
}

func (r *Report) skip(ordinal uint32) {
	r.Skipped.Add(ordinal)
}

// append records a loaded frame and returns its statistics.
func (r *Report) append(ordinal uint32, frame *filewriter.Array) (FrameStats, bool) {
	r.Appended.Add(ordinal)
	if r.FrameShape == nil {
		r.FrameShape = append([]uint64{}, frame.Shape...)
		r.DType = frame.DType
	}
	values, err := frame.Float64s()
	if err != nil || len(values) == 0 {
		return FrameStats{}, false
	}
	fs := FrameStats{
		Min:  floats.Min(values),
		Max:  floats.Max(values),
		Mean: stat.Mean(values, nil),
	}
	r.lo = math.Min(r.lo, fs.Min)
	r.hi = math.Max(r.hi, fs.Max)
	r.means = append(r.means, fs.Mean)
	r.sizes = append(r.sizes, float64(len(values)))
	return fs, true
}

// Frames returns the number of appended frames.
func (r *Report) Frames() uint64 {
	return r.Appended.GetCardinality()
}

// SkippedSources lists the names of skipped sources in order.
func (r *Report) SkippedSources() []string {
	out := make([]string, 0, r.Skipped.GetCardinality())
	it := r.Skipped.Iterator()
	for it.HasNext() {
		out = append(out, r.Sources[it.Next()])
	}
	return out
}

// Stats returns the statistics over every appended frame. ok is false
// when no numeric frame was appended.
func (r *Report) Stats() (FrameStats, bool) {
	if len(r.means) == 0 {
		return FrameStats{}, false
	}
	return FrameStats{Min: r.lo, Max: r.hi, Mean: stat.Mean(r.means, r.sizes)}, true
}

type reportJSON struct {
	Destination    string           `json:"destination"`
	Attempted      int              `json:"attempted"`
	Appended       uint64           `json:"appended"`
	Skipped        uint64           `json:"skipped"`
	SkippedSources []string         `json:"skipped_sources,omitempty"`
	FrameShape     []uint64         `json:"frame_shape,omitempty"`
	DType          filewriter.DType `json:"dtype,omitempty"`
	Stats          *FrameStats      `json:"stats,omitempty"`
	TestMode       bool             `json:"test_mode,omitempty"`
	Interrupted    bool             `json:"interrupted,omitempty"`
}

// MarshalJSON encodes a summary of the report.
func (r *Report) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		Destination:    r.Destination,
		Attempted:      len(r.Sources),
		Appended:       r.Frames(),
		Skipped:        r.Skipped.GetCardinality(),
		SkippedSources: r.SkippedSources(),
		FrameShape:     r.FrameShape,
		DType:          r.DType,
		TestMode:       r.TestMode,
		Interrupted:    r.Interrupted,
	}
	if s, ok := r.Stats(); ok {
		out.Stats = &s
	}
	return json.Marshal(out)
}

// MergeReport describes one Merge invocation.
type MergeReport struct {
	Target      string    `json:"target"`
	Backup      string    `json:"backup,omitempty"`
	TestMode    bool      `json:"test_mode,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Collections []*Report `json:"collections"`
}

// Frames returns the number of frames appended over all collections.
func (m *MergeReport) Frames() uint64 {
	var n uint64
	for _, r := range m.Collections {
		n += r.Frames()
	}
	return n
}

// JSON encodes m with indentation.
func (m *MergeReport) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
