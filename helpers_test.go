package nxstools

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/filewriter/jsonwriter"
	nxtest "github.com/scigolib/nxstools/internal/testing"
)

const (
	detectorGroups = "entry:NXentry/instrument:NXinstrument/detector:NXdetector"
	detectorData   = "/entry/instrument/detector/data"
	frameH, frameW = 3, 4
)

var backend = jsonwriter.Backend{}

// image returns the frame stored in the i-th test TIFF.
func image(i int) *filewriter.Array {
	return nxtest.Frame(filewriter.Uint16, frameH, frameW, float64(1000*i))
}

// writeTIFFs writes img_%05d.tif for every index into dir.
func writeTIFFs(t *testing.T, dir string, indices ...int) {
	t.Helper()
	for _, i := range indices {
		data, err := nxtest.TIFF(image(i), binary.LittleEndian, 0)
		require.NoError(t, err)
		require.NoError(t, nxtest.WriteFile(nil, filepath.Join(dir, fmt.Sprintf("img_%05d.tif", i)), data))
	}
}

// openDetector creates an empty master at dir/master.nxs and returns it
// open for writing together with its detector group.
func openDetector(t *testing.T, dir string) (filewriter.File, filewriter.Group) {
	t.Helper()
	f, err := backend.CreateFile(filepath.Join(dir, "master.nxs"), false)
	require.NoError(t, err)
	root, err := f.Root()
	require.NoError(t, err)
	det, err := nxtest.EnsureGroups(root, detectorGroups)
	require.NoError(t, err)
	return f, det
}

func requireFrames(t *testing.T, fld filewriter.Field, indices ...int) {
	t.Helper()
	require.Equal(t, []uint64{uint64(len(indices)), frameH, frameW}, fld.Shape())
	for slot, i := range indices {
		got, err := fld.ReadFrame(uint64(slot))
		require.NoError(t, err)
		require.Equal(t, image(i).Data, got.Data, "slot %d", slot)
	}
}
