package nxstools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter"
	nxtest "github.com/scigolib/nxstools/internal/testing"
)

func TestInspect_OnlyCollectionGroups(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0, 1)
	f, det := openDetector(t, dir)
	defer f.Close()

	// A postrun field outside an NXcollection group is not a marker.
	require.NoError(t, nxtest.WriteScalar(det, "postrun", "img_00000.tif"))
	notes, err := det.CreateGroup("notes", "NXnote")
	require.NoError(t, err)
	require.NoError(t, nxtest.WriteScalar(notes, "postrun", "img_00001.tif"))

	col, err := det.CreateGroup("collection", NXCollection)
	require.NoError(t, err)
	require.NoError(t, nxtest.WriteScalar(col, "postrun", "img_%05d.tif:0:1"))
	require.NoError(t, nxtest.WriteScalar(col, "fieldname", "images"))

	c := NewCollector(f)
	root, err := f.Root()
	require.NoError(t, err)
	require.NoError(t, c.Inspect(context.Background(), root))

	reports := c.Reports()
	require.Len(t, reports, 1)
	require.Equal(t, "/entry/instrument/detector/images", reports[0].Destination)

	fld, err := filewriter.OpenField(f, "/entry/instrument/detector/images")
	require.NoError(t, err)
	requireFrames(t, fld, 0, 1)

	_, err = det.Open("data")
	require.ErrorIs(t, err, filewriter.ErrNotFound)
	_, err = notes.Open("data")
	require.ErrorIs(t, err, filewriter.ErrNotFound)
}

func TestInspect_NestedGroupInsideCollection(t *testing.T) {
	dir := t.TempDir()
	writeTIFFs(t, dir, 0)
	f, det := openDetector(t, dir)
	defer f.Close()

	col, err := det.CreateGroup("collection", NXCollection)
	require.NoError(t, err)
	inner, err := col.CreateGroup("sub", "NXparameters")
	require.NoError(t, err)
	require.NoError(t, nxtest.WriteScalar(inner, "postrun", "img_00000.tif"))

	c := NewCollector(f)
	root, _ := f.Root()
	require.NoError(t, c.Inspect(context.Background(), root))
	require.Empty(t, c.Reports())
}
