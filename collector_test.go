package nxstools

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter"
	nxtest "github.com/scigolib/nxstools/internal/testing"
)

func TestCollect_AppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 1, 2, 3)
	f, det := openDetector(t, dir)
	defer f.Close()

	var out bytes.Buffer
	c := NewCollector(f, WithBackend(backend), WithOutput(&out))
	rep, err := c.Collect(context.Background(), Request{
		FileSpecs: []string{"img_%05d.tif:0:3"},
		Parent:    det,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), rep.Frames())
	require.Equal(t, detectorData, rep.Destination)
	require.Equal(t, []uint64{frameH, frameW}, rep.FrameShape)

	fld, err := filewriter.OpenField(f, detectorData)
	require.NoError(t, err)
	requireFrames(t, fld, 0, 1, 2, 3)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, " * append "+filepath.Join(dir, "img_00000.tif"), lines[0])
}

func TestCollect_SkipMissing(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 2, 4)
	f, det := openDetector(t, dir)
	defer f.Close()

	var out bytes.Buffer
	c := NewCollector(f, WithBackend(backend), WithOutput(&out), WithSkipMissing(true))
	rep, err := c.Collect(context.Background(), Request{
		FileSpecs: []string{"img_%05d.tif:0:4", "img_00009.tif"},
		Parent:    det,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3), rep.Frames())
	require.Equal(t, uint64(3), rep.Skipped.GetCardinality())
	require.Equal(t, []string{"img_00001.tif", "img_00003.tif", "img_00009.tif"}, rep.SkippedSources())
	require.Contains(t, out.String(), "Cannot open any of [")
	require.Contains(t, out.String(), filepath.Join(dir, "img_00001.tif"))

	fld, err := filewriter.OpenField(f, detectorData)
	require.NoError(t, err)
	requireFrames(t, fld, 0, 2, 4)
}

func TestCollect_FailFast(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0)
	f, det := openDetector(t, dir)
	defer f.Close()

	c := NewCollector(f, WithBackend(backend))
	_, err := c.Collect(context.Background(), Request{
		FileSpecs: []string{"img_00005.tif", "img_00000.tif"},
		Parent:    det,
	})
	require.ErrorIs(t, err, ErrMissingSource)

	var serr *SourceError
	require.ErrorAs(t, err, &serr)
	require.Contains(t, serr.Tried, filepath.Join(dir, "img_00005.tif"))

	_, err = det.Open("data")
	require.ErrorIs(t, err, filewriter.ErrNotFound)
}

func TestCollect_AllMissingCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	f, det := openDetector(t, dir)
	defer f.Close()

	c := NewCollector(f, WithSkipMissing(true))
	rep, err := c.Collect(context.Background(), Request{FileSpecs: []string{"a.tif", "b.tif"}, Parent: det})
	require.NoError(t, err)
	require.Zero(t, rep.Frames())

	_, err = det.Open("data")
	require.ErrorIs(t, err, filewriter.ErrNotFound)
}

func TestCollect_UnreadableSource(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0)
	require.NoError(t, nxtest.WriteFile(nil, filepath.Join(dir, "img_00001.tif"), []byte("garbage")))
	f, det := openDetector(t, dir)
	defer f.Close()

	_, err := NewCollector(f).Collect(context.Background(), Request{FileSpecs: []string{"img_%05d.tif:0:1"}, Parent: det})
	require.ErrorIs(t, err, ErrUnreadableSource)

	var out bytes.Buffer
	rep, err := NewCollector(f, WithSkipMissing(true), WithOutput(&out)).
		Collect(context.Background(), Request{FileSpecs: []string{"img_%05d.tif:0:1"}, Parent: det, FieldName: "other"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), rep.Frames())
	require.Contains(t, out.String(), "Cannot open any of ["+filepath.Join(dir, "img_00001.tif")+"]")
}

func TestCollect_ShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0)
	odd := nxtest.Frame(filewriter.Uint16, 2, 2, 0)
	data, err := nxtest.TIFF(odd, nil, 0)
	require.NoError(t, err)
	require.NoError(t, nxtest.WriteFile(nil, filepath.Join(dir, "img_00001.tif"), data))

	f, det := openDetector(t, dir)
	defer f.Close()

	_, err = NewCollector(f, WithSkipMissing(true)).
		Collect(context.Background(), Request{FileSpecs: []string{"img_%05d.tif:0:1"}, Parent: det})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCollect_TestModeLeavesDestination(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 1)
	f, det := openDetector(t, dir)
	defer f.Close()

	var out bytes.Buffer
	rep, err := NewCollector(f, WithTestMode(true), WithOutput(&out)).
		Collect(context.Background(), Request{FileSpecs: []string{"img_%05d.tif:0:1"}, Parent: det})
	require.NoError(t, err)
	require.True(t, rep.TestMode)
	require.Equal(t, uint64(2), rep.Frames())
	require.Equal(t, 2, strings.Count(out.String(), " * append "))

	_, err = det.Open("data")
	require.ErrorIs(t, err, filewriter.ErrNotFound)
}

func TestCollect_UnboundedTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 3, 4, 5, 7)
	f, det := openDetector(t, dir)
	defer f.Close()

	rep, err := NewCollector(f).Collect(context.Background(), Request{
		FileSpecs: []string{"img_%05d.tif:3:"},
		Parent:    det,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3), rep.Frames())

	rep, err = NewCollector(f, WithMaxFrames(2)).Collect(context.Background(), Request{
		FileSpecs: []string{"img_%05d.tif:3:"},
		Parent:    det,
		FieldName: "bounded",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rep.Frames())
}

func TestCollect_InvalidSpecBeforeIO(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0)
	f, det := openDetector(t, dir)
	defer f.Close()

	var out bytes.Buffer
	_, err := NewCollector(f, WithOutput(&out)).Collect(context.Background(), Request{
		FileSpecs: []string{"img_00000.tif", "img_%05d_%d.tif:0:3"},
		Parent:    det,
	})
	require.ErrorIs(t, err, ErrInvalidSpec)
	require.Empty(t, out.String())
}

func TestCollect_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 1)
	f, det := openDetector(t, dir)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCollector(f)
	rep, err := c.Collect(ctx, Request{FileSpecs: []string{"img_%05d.tif:0:1"}, Parent: det})
	require.NoError(t, err)
	require.True(t, rep.Interrupted)
	require.True(t, c.Interrupted())
	require.Zero(t, rep.Frames())
}

func TestCollect_FieldSettings(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 1)
	f, det := openDetector(t, dir)
	defer f.Close()

	level := 5
	rep, err := NewCollector(f, WithCompression(1)).Collect(context.Background(), Request{
		FileSpecs:   []string{"img_00000.tif", "img_00001.tif"},
		Parent:      det,
		FieldName:   "frames",
		Compression: &level,
		Attributes: []FieldAttribute{
			{Name: "units", Value: "counts"},
			{Name: "exposure", Value: 0.25},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/entry/instrument/detector/frames", rep.Destination)

	fld, err := filewriter.OpenField(f, rep.Destination)
	require.NoError(t, err)
	requireFrames(t, fld, 0, 1)

	units, ok, err := filewriter.AttrString(fld.Attributes(), "units")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "counts", units)

	a, err := fld.Attributes().Get("exposure")
	require.NoError(t, err)
	v, err := a.Value()
	require.NoError(t, err)
	require.Equal(t, 0.25, v)
}

func TestCollect_ReusesExistingField(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 1, 2)
	f, det := openDetector(t, dir)
	defer f.Close()

	_, err := NewCollector(f).Collect(context.Background(), Request{FileSpecs: []string{"img_00000.tif"}, Parent: det})
	require.NoError(t, err)
	_, err = NewCollector(f).Collect(context.Background(), Request{FileSpecs: []string{"img_%05d.tif:1:2"}, Parent: det})
	require.NoError(t, err)

	fld, err := filewriter.OpenField(f, detectorData)
	require.NoError(t, err)
	requireFrames(t, fld, 0, 1, 2)
}

func TestCollect_FailedWriteIsNotReported(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 1)
	f, det := openDetector(t, dir)
	defer f.Close()

	// A group occupies the destination name.
	_, err := det.CreateGroup("data", "NXdata")
	require.NoError(t, err)

	rep, err := NewCollector(f).Collect(context.Background(), Request{FileSpecs: []string{"img_%05d.tif:0:1"}, Parent: det})
	require.ErrorIs(t, err, ErrDestinationWrite)
	require.Zero(t, rep.Frames())
	require.Nil(t, rep.FrameShape)
	require.Equal(t, []string{"img_00000.tif"}, rep.Sources)

	rep, err = NewCollector(f, WithTestMode(true)).Collect(context.Background(), Request{FileSpecs: []string{"img_%05d.tif:0:1"}, Parent: det})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rep.Frames())
}

func TestCollect_CompressionOutOfRange(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0)
	f, det := openDetector(t, dir)
	defer f.Close()

	rep, err := NewCollector(f, WithCompression(12)).Collect(context.Background(), Request{FileSpecs: []string{"img_00000.tif"}, Parent: det})
	require.ErrorIs(t, err, ErrDestinationWrite)
	require.ErrorContains(t, err, "deflate rate 12 out of range 0-9")
	require.Zero(t, rep.Frames())

	_, err = filewriter.OpenField(f, "/entry/instrument/detector/data")
	require.ErrorIs(t, err, filewriter.ErrNotFound)
}

func TestCollect_NodeDirectoryAndRawSources(t *testing.T) {
	dir := t.TempDir()
	f, det := openDetector(t, dir)
	defer f.Close()

	frame := nxtest.Frame(filewriter.Int32, 2, 2, -3)
	require.NoError(t, nxtest.WriteFile(nil, filepath.Join(dir, "master", "detector", "dump_001.raw"), frame.Data))
	require.NoError(t, nxtest.WriteFile(nil, filepath.Join(dir, "dump_002.raw.gz"), nxtest.Gzip(frame.Data)))

	var out bytes.Buffer
	rep, err := NewCollector(f, WithOutput(&out)).Collect(context.Background(), Request{
		FileSpecs:  []string{"dump_%03d.raw:1:1", "dump_002.raw.gz"},
		Parent:     det,
		FieldName:  "raw",
		FieldDType: filewriter.Int32,
		FieldShape: []uint64{2, 2},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rep.Frames())
	require.Contains(t, out.String(), filepath.Join(dir, "master", "detector", "dump_001.raw"))

	fld, err := filewriter.OpenField(f, "/entry/instrument/detector/raw")
	require.NoError(t, err)
	require.Equal(t, filewriter.Int32, fld.DType())
	got, err := fld.ReadFrame(1)
	require.NoError(t, err)
	require.Equal(t, frame.Data, got.Data)
}

func TestCollect_ContainerSources(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, "burst_"+string(rune('a'+i))+".nxs")
		src, err := backend.CreateFile(path, false)
		require.NoError(t, err)
		root, _ := src.Root()
		g, err := nxtest.EnsureGroups(root, "entry:NXentry/data:NXdata")
		require.NoError(t, err)
		fld, err := g.CreateField("data", filewriter.FieldSpec{DType: filewriter.Uint16, Shape: []uint64{frameH, frameW}})
		require.NoError(t, err)
		require.NoError(t, fld.Write(image(i)))
		require.NoError(t, src.Close())
	}

	f, det := openDetector(t, dir)
	defer f.Close()

	rep, err := NewCollector(f, WithBackend(backend)).Collect(context.Background(), Request{
		FileSpecs: []string{"burst_a.nxs", "burst_b.nxs://entry/data/data"},
		Parent:    det,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rep.Frames())

	fld, err := filewriter.OpenField(f, detectorData)
	require.NoError(t, err)
	requireFrames(t, fld, 0, 1)
}
