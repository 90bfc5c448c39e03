package nxstools

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter"
	nxtest "github.com/scigolib/nxstools/internal/testing"
)

func TestReadMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker.nxs")
	require.NoError(t, nxtest.WriteMaster(backend, path, nxtest.Collection{
		Parent:  detectorGroups,
		Postrun: "img_%05d.tif:0:5, extra.tif",
		Fields: map[string]any{
			"fieldname":        "frames",
			"fieldcompression": 7,
			"fieldshape":       "[2, 3]",
		},
		Attrs: map[string]any{
			"fieldcompression": int64(4),
			"fielddtype":       "uint16",
			"fieldattr_units":  "counts",
			"fieldattr_gain":   2.5,
			"unrelated":        "ignored",
		},
	}))

	f, err := backend.OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	col, err := filewriter.OpenGroup(f, "/entry/instrument/detector/collection")
	require.NoError(t, err)
	m, err := ReadMarker(col, ",")
	require.NoError(t, err)

	require.Equal(t, "/entry/instrument/detector/collection", m.Path)
	require.Equal(t, []string{"img_%05d.tif:0:5", "extra.tif"}, m.FileSpecs)
	require.Equal(t, "frames", m.FieldName)
	require.NotNil(t, m.Compression)
	require.Equal(t, 4, *m.Compression)
	require.Equal(t, filewriter.Uint16, m.FieldDType)
	require.Equal(t, []uint64{2, 3}, m.FieldShape)

	attrs := map[string]any{}
	for _, a := range m.Attributes {
		attrs[a.Name] = a.Value
	}
	require.Equal(t, map[string]any{"units": "counts", "gain": 2.5}, attrs)

	det, err := filewriter.OpenGroup(f, "/entry/instrument/detector")
	require.NoError(t, err)
	req := m.Request(det)
	require.Equal(t, "detector", req.NodeName)
	require.Equal(t, "frames", req.FieldName)
}

func TestReadMarker_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.nxs")
	require.NoError(t, nxtest.WriteMaster(backend, path, nxtest.Collection{
		Parent:  "scan:NXentry/pilatus:NXdetector",
		Name:    "postrun_files",
		Postrun: "a.tif;b.tif",
	}))

	f, err := backend.OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	col, err := filewriter.OpenGroup(f, "/scan/pilatus/postrun_files")
	require.NoError(t, err)
	m, err := ReadMarker(col, ";")
	require.NoError(t, err)
	require.Equal(t, []string{"a.tif", "b.tif"}, m.FileSpecs)
	require.Equal(t, "data", m.FieldName)
	require.Nil(t, m.Compression)
	require.Empty(t, m.Attributes)

	det, err := filewriter.OpenGroup(f, "/scan/pilatus")
	require.NoError(t, err)
	_, err = ReadMarker(det, ",")
	require.ErrorIs(t, err, filewriter.ErrNotFound)
}

func TestReadMarker_CompressionOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker.nxs")
	require.NoError(t, nxtest.WriteMaster(backend, path, nxtest.Collection{
		Parent:  detectorGroups,
		Postrun: "img_%05d.tif:0:5",
		Attrs:   map[string]any{"fieldcompression": int64(11)},
	}))

	f, err := backend.OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	col, err := filewriter.OpenGroup(f, "/entry/instrument/detector/collection")
	require.NoError(t, err)
	_, err = ReadMarker(col, ",")
	require.ErrorContains(t, err, "fieldcompression: deflate rate 11 out of range 0-9")
}

func TestParseShape(t *testing.T) {
	tests := []struct {
		in   any
		want []uint64
	}{
		{"512,256", []uint64{512, 256}},
		{"[512, 256]", []uint64{512, 256}},
		{"(2 3 4)", []uint64{2, 3, 4}},
		{"100x200", []uint64{100, 200}},
		{[]int64{7, 8}, []uint64{7, 8}},
		{int64(9), []uint64{9}},
	}
	for _, tt := range tests {
		got, err := ParseShape(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []any{"", "[a, b]", []int64{-1}, 3.5} {
		_, err := ParseShape(bad)
		require.Error(t, err, bad)
	}
}
