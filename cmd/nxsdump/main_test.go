package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter/jsonwriter"
	nxtest "github.com/scigolib/nxstools/internal/testing"
)

func TestRun_DumpsTreeAndMarkers(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	master := filepath.Join(dir, "scan.nxs")
	require.NoError(t, nxtest.WriteMaster(jsonwriter.Backend{}, master, nxtest.Collection{
		Parent:  "entry:NXentry/instrument:NXinstrument/pilatus:NXdetector",
		Postrun: "img_%05d.tif:1:3",
		Fields:  map[string]any{"fieldname": "frames"},
	}))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"--backend", "json", "-a", master}, &stdout, &stderr), stderr.String())

	out := stdout.String()
	require.Contains(t, out, "entry:NXentry/")
	require.Contains(t, out, "pilatus:NXdetector/")
	require.Contains(t, out, "collection:NXcollection/")
	require.Contains(t, out, "# postrun img_%05d.tif:1:3 -> frames")
	require.Contains(t, out, "@NX_class = NXdetector")
}

func TestRun_Errors(t *testing.T) {
	t.Chdir(t.TempDir())
	var stdout, stderr bytes.Buffer
	require.Equal(t, 255, run(nil, &stdout, &stderr))
	require.Equal(t, 1, run([]string{"--backend", "json", "missing.nxs"}, &stdout, &stderr))
	require.Equal(t, 255, run([]string{"--backend", "hdf4", "x.nxs"}, &stdout, &stderr))
}
