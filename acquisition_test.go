package nxstools

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/filewriter/h5writer"
	"github.com/scigolib/nxstools/internal/layout"
)

var geometry = layout.Geometry{FrameShape: []uint64{2, 2}, DType: filewriter.Uint16}

func TestAcquisition_ConcurrentCallbacks(t *testing.T) {
	a := NewAcquisition()
	runA, err := a.Begin("", geometry)
	require.NoError(t, err)
	_, err = uuid.Parse(runA)
	require.NoError(t, err)
	runB, err := a.Begin("run-b", geometry)
	require.NoError(t, err)
	require.Equal(t, "run-b", runB)

	_, err = a.Begin("run-b", geometry)
	require.Error(t, err)

	var wg conc.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Go(func() {
			assert.NoError(t, a.RecordClosedFile(runA, fmt.Sprintf("a_%02d.nxs", i), 2))
			assert.NoError(t, a.RecordClosedFile(runB, fmt.Sprintf("b_%02d.nxs", i), 1))
		})
	}
	wg.Wait()

	files, err := a.Files(runA)
	require.NoError(t, err)
	require.Len(t, files, 50)

	l, err := a.Finalize(runA)
	require.NoError(t, err)
	require.NoError(t, l.Validate())
	require.Equal(t, uint64(100), l.Covered())
	require.Equal(t, []uint64{100, 2, 2}, l.Shape)

	_, err = a.Files(runA)
	require.Error(t, err)
	require.Error(t, a.RecordClosedFile(runA, "late.nxs", 1))

	l, err = a.Finalize(runB)
	require.NoError(t, err)
	require.Equal(t, uint64(50), l.Covered())
}

func TestAcquisition_ProgressiveMaterializer(t *testing.T) {
	var mu sync.Mutex
	var published []uint64
	m := MaterializerFunc(func(_ string, l *filewriter.VirtualFieldLayout) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, l.Covered())
		return nil
	})

	geo := geometry
	geo.FramesPerFile = 12
	geo.TotalFrames = 40
	a := NewAcquisition(WithMaterializer(m))
	id, err := a.Begin("scan", geo)
	require.NoError(t, err)

	require.NoError(t, a.RecordClosedFile(id, "burst_1.nxs", 30))
	require.Error(t, a.RecordClosedFile(id, "burst_2.nxs", 11))
	require.NoError(t, a.RecordClosedFile(id, "burst_2.nxs", 10))

	l, err := a.Finalize(id)
	require.NoError(t, err)
	require.Equal(t, []uint64{30, 40, 40}, published)
	require.Equal(t, []uint64{40, 2, 2}, l.Shape)
	require.Equal(t, "burst_1_part00002.nxs", l.Mappings[2].View.File)
	require.Equal(t, uint64(6), l.Mappings[2].Count)
}

func TestAcquisition_LastPublishedLayoutIsComplete(t *testing.T) {
	var mu sync.Mutex
	var published []uint64
	entered := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	m := MaterializerFunc(func(_ string, l *filewriter.VirtualFieldLayout) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		mu.Lock()
		defer mu.Unlock()
		published = append(published, l.Covered())
		return nil
	})

	a := NewAcquisition(WithMaterializer(m))
	id, err := a.Begin("", geometry)
	require.NoError(t, err)

	var wg conc.WaitGroup
	wg.Go(func() { assert.NoError(t, a.RecordClosedFile(id, "part_1.nxs", 10)) })
	<-entered
	wg.Go(func() { assert.NoError(t, a.RecordClosedFile(id, "part_2.nxs", 10)) })
	require.Eventually(t, func() bool {
		files, err := a.Files(id)
		return err == nil && len(files) == 2
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, published)
	require.Equal(t, uint64(20), published[len(published)-1])
}

func TestAcquisition_MaterializerFailures(t *testing.T) {
	a := NewAcquisition(WithMaterializer(MaterializerFunc(func(string, *filewriter.VirtualFieldLayout) error {
		panic("writer exploded")
	})))
	id, err := a.Begin("", geometry)
	require.NoError(t, err)
	err = a.RecordClosedFile(id, "a.nxs", 1)
	require.ErrorContains(t, err, "writer exploded")

	boom := errors.New("disk full")
	b := NewAcquisition(WithMaterializer(MaterializerFunc(func(string, *filewriter.VirtualFieldLayout) error {
		return boom
	})))
	id, err = b.Begin("", geometry)
	require.NoError(t, err)
	require.ErrorIs(t, b.RecordClosedFile(id, "a.nxs", 1), boom)

	_, err = b.Finalize("unknown")
	require.Error(t, err)
}

func TestFieldMaterializer(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "vds.nxs")
	f, err := backend.CreateFile(master, false)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m := &FieldMaterializer{
		Backend:    backend,
		MasterFile: master,
		FieldPath:  "/entry:NXentry/instrument:NXinstrument/lambda:NXdetector/data",
	}
	a := NewAcquisition(WithMaterializer(m))
	id, err := a.Begin("", geometry)
	require.NoError(t, err)
	require.NoError(t, a.RecordClosedFile(id, "lambda_00001.nxs", 3))
	require.NoError(t, a.RecordClosedFile(id, "lambda_00002.nxs", 2))
	_, err = a.Finalize(id)
	require.NoError(t, err)

	f, err = backend.OpenFile(master, true)
	require.NoError(t, err)
	defer f.Close()
	fld, err := filewriter.OpenField(f, "/entry/instrument/lambda/data")
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 2, 2}, fld.Shape())
}

func TestFieldMaterializer_HDF5(t *testing.T) {
	dir := t.TempDir()
	h5 := h5writer.Backend{}
	for i, frames := range []uint64{3, 2} {
		path := filepath.Join(dir, fmt.Sprintf("lambda_%05d.h5", i+1))
		f, err := h5.CreateFile(path, false)
		require.NoError(t, err)
		root, err := f.Root()
		require.NoError(t, err)
		fld, err := root.CreateField("data", filewriter.FieldSpec{DType: filewriter.Uint16, Shape: []uint64{frames, 2, 2}})
		require.NoError(t, err)
		arr, err := filewriter.NewArray(filewriter.Uint16, []uint64{frames, 2, 2})
		require.NoError(t, err)
		for j := range arr.Data {
			arr.Data[j] = byte(i + 1)
		}
		require.NoError(t, fld.Write(arr))
		require.NoError(t, f.Close())
	}

	master := filepath.Join(dir, "vds.h5")
	f, err := h5.CreateFile(master, false)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	geo := geometry
	geo.InnerPath = "/data"
	a := NewAcquisition(WithMaterializer(&FieldMaterializer{
		Backend:    h5,
		MasterFile: master,
		FieldPath:  "/entry:NXentry/instrument:NXinstrument/lambda:NXdetector/data",
	}))
	id, err := a.Begin("", geo)
	require.NoError(t, err)
	require.NoError(t, a.RecordClosedFile(id, "lambda_00001.h5", 3))
	require.NoError(t, a.RecordClosedFile(id, "lambda_00002.h5", 2))
	_, err = a.Finalize(id)
	require.NoError(t, err)

	f, err = h5.OpenFile(master, true)
	require.NoError(t, err)
	defer f.Close()
	fld, err := filewriter.OpenField(f, "/entry/instrument/lambda/data")
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 2, 2}, fld.Shape())
	last, err := fld.ReadFrame(4)
	require.NoError(t, err)
	typed, err := last.Typed()
	require.NoError(t, err)
	require.Equal(t, []uint16{0x0202, 0x0202, 0x0202, 0x0202}, typed)

	g, err := filewriter.OpenGroup(f, "/entry/instrument/lambda")
	require.NoError(t, err)
	require.Equal(t, "NXdetector", filewriter.NXClass(g))
}
