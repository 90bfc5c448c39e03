package jsonwriter

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter"
)

const detectorPath = "/entry/instrument/detector/data"

// writePhysical writes a burst file holding frames whose first sample
// encodes the global frame number.
func writePhysical(t *testing.T, path string, first, count uint64) {
	t.Helper()

	f, err := Backend{}.CreateFile(path, true)
	require.NoError(t, err)
	root, _ := f.Root()
	entry, err := root.CreateGroup("entry", "NXentry")
	require.NoError(t, err)
	inst, err := entry.CreateGroup("instrument", "NXinstrument")
	require.NoError(t, err)
	det, err := inst.CreateGroup("detector", "NXdetector")
	require.NoError(t, err)
	fld, err := det.CreateField("data", filewriter.FieldSpec{DType: filewriter.Uint16, Shape: []uint64{count, 2, 2}})
	require.NoError(t, err)
	for i := uint64(0); i < count; i++ {
		require.NoError(t, fld.WriteFrame(i, uint16Frame(2, 2, uint16((first+i)*10))))
	}
	require.NoError(t, f.Close())
}

func TestVirtualField_ReadsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	counts := []uint64{3, 1, 2}

	layout := filewriter.NewVirtualFieldLayout([]uint64{7, 2, 2}, filewriter.Uint16)
	var offset uint64
	for i, n := range counts {
		name := fmt.Sprintf("burst_%05d.nxs", i)
		writePhysical(t, filepath.Join(dir, name), offset, n)
		view := filewriter.NewTargetFieldView(name, detectorPath, []uint64{n, 2, 2}, filewriter.Uint16)
		require.NoError(t, layout.Add(view, offset, 0, n))
		offset += n
	}

	master := filepath.Join(dir, "master.nxs")
	f, err := Backend{}.CreateFile(master, false)
	require.NoError(t, err)
	root, _ := f.Root()
	_, err = root.CreateVirtualField("data", layout)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = Backend{}.OpenFile(master, true)
	require.NoError(t, err)
	defer f.Close()

	fld, err := filewriter.OpenField(f, "/data")
	require.NoError(t, err)
	require.Equal(t, []uint64{7, 2, 2}, fld.Shape())

	for i := uint64(0); i < 6; i++ {
		frame, err := fld.ReadFrame(i)
		require.NoError(t, err)
		require.Equal(t, uint16Frame(2, 2, uint16(i*10)).Data, frame.Data, "frame %d", i)
	}

	// the seventh frame is not mapped yet and reads as fill value
	frame, err := fld.ReadFrame(6)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), frame.Data)

	all, err := fld.Read()
	require.NoError(t, err)
	require.Len(t, all.Data, 7*4*2)
}

func TestVirtualField_ReplaceAndMissingSource(t *testing.T) {
	dir := t.TempDir()
	writePhysical(t, filepath.Join(dir, "a.nxs"), 0, 2)

	layout := filewriter.NewVirtualFieldLayout([]uint64{4, 2, 2}, filewriter.Uint16)
	require.NoError(t, layout.Add(filewriter.NewTargetFieldView("a.nxs", detectorPath, []uint64{2, 2, 2}, filewriter.Uint16), 0, 0, 2))

	f, err := Backend{}.CreateFile(filepath.Join(dir, "master.nxs"), false)
	require.NoError(t, err)
	defer f.Close()
	root, _ := f.Root()
	_, err = root.CreateVirtualField("data", layout)
	require.NoError(t, err)

	require.NoError(t, layout.Add(filewriter.NewTargetFieldView("b.nxs", detectorPath, []uint64{2, 2, 2}, filewriter.Uint16), 2, 0, 2))
	fld, err := root.CreateVirtualField("data", layout)
	require.NoError(t, err)

	frame, err := fld.ReadFrame(3)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), frame.Data, "missing b.nxs reads as fill value")

	frame, err = fld.ReadFrame(1)
	require.NoError(t, err)
	require.Equal(t, uint16Frame(2, 2, 10).Data, frame.Data)

	require.ErrorIs(t, fld.Grow(0, 1), filewriter.ErrNotSupported)

	_, err = root.CreateField("plain", filewriter.FieldSpec{DType: filewriter.Uint16, Shape: []uint64{1}})
	require.NoError(t, err)
	_, err = root.CreateVirtualField("plain", layout)
	require.ErrorIs(t, err, filewriter.ErrExists)
}

func TestFilterShuffleRoundTrip(t *testing.T) {
	data := uint16Frame(4, 4, 7).Data
	filter := &filewriter.DeflateFilter{Rate: 4, Shuffle: true}

	enc, err := encodeFrame(data, filter, 2)
	require.NoError(t, err)
	dec, err := decodeFrame(enc, filter, 2, uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, dec)

	_, err = decodeFrame(enc, filter, 2, uint64(len(data)+2))
	require.Error(t, err)

	_, err = shuffle([]byte{1, 2, 3}, 2)
	require.Error(t, err)
}
