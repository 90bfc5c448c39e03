package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/filewriter/jsonwriter"
	nxtest "github.com/scigolib/nxstools/internal/testing"
)

func setup(t *testing.T, postrun string, frames ...int) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, i := range frames {
		img := nxtest.Frame(filewriter.Uint16, 2, 2, float64(i))
		data, err := nxtest.TIFF(img, binary.LittleEndian, 0)
		require.NoError(t, err)
		require.NoError(t, nxtest.WriteFile(nil, filepath.Join(dir, fmt.Sprintf("img_%05d.tif", i)), data))
	}
	master := filepath.Join(dir, "testcollect.nxs")
	require.NoError(t, nxtest.WriteMaster(jsonwriter.Backend{}, master, nxtest.Collection{
		Parent:  "entry:NXentry/instrument:NXinstrument/detector:NXdetector",
		Postrun: postrun,
	}))
	return master
}

func TestRun_Execute(t *testing.T) {
	master := setup(t, "img_%05d.tif:0:2", 0, 1, 2)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"execute", "--backend", "json", "-c", "0", master}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	require.Contains(t, stdout.String(), " * append ")

	f, err := jsonwriter.Backend{}.OpenFile(master, true)
	require.NoError(t, err)
	defer f.Close()
	fld, err := filewriter.OpenField(f, "/entry/instrument/detector/data")
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 2, 2}, fld.Shape())

	_, err = os.Stat(master + ".__merge_old__")
	require.NoError(t, err)
}

func TestRun_TestModeWithJSONReport(t *testing.T) {
	master := setup(t, "img_%05d.tif:0:1", 0, 1)
	before, err := os.ReadFile(master)
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-t", "--backend=json", "--json", master}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	require.Regexp(t, `"appended":\s*2`, stdout.String())
	require.Regexp(t, `"test_mode":\s*true`, stdout.String())

	after, err := os.ReadFile(master)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRun_SkipMissingAndFailure(t *testing.T) {
	master := setup(t, "img_%05d.tif:0:2", 0, 2)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-x", "--backend", "json", master}, &stdout, &stderr)
	require.Equal(t, exitFatal, code)
	require.Contains(t, stderr.String(), "Cannot open any of [")

	stdout.Reset()
	stderr.Reset()
	code = run(context.Background(), []string{"-x", "-s", "-r", "--backend", "json", master}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	require.Contains(t, stdout.String(), "Cannot open any of [")
	_, err := os.Stat(master + ".__merge_old__")
	require.True(t, os.IsNotExist(err))
}

func TestRun_Usage(t *testing.T) {
	t.Chdir(t.TempDir())
	tests := []struct {
		name string
		args []string
	}{
		{"no arguments", nil},
		{"no mode", []string{"file.nxs"}},
		{"no file", []string{"execute"}},
		{"two modes", []string{"-x", "-t", "file.nxs"}},
		{"unknown flag", []string{"-x", "--bogus", "file.nxs"}},
		{"dtype without shape", []string{"-x", "--dtype", "uint16", "--backend", "json", "file.nxs"}},
		{"unknown backend", []string{"-x", "--backend", "netcdf", "file.nxs"}},
		{"compression above range", []string{"-x", "-c", "12", "file.nxs"}},
		{"negative compression", []string{"-x", "--compression=-1", "file.nxs"}},
		{"mode word after the file", []string{"file.nxs", "test"}},
		{"flag and word mode", []string{"-x", "test", "file.nxs"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			require.Equal(t, exitUsage, run(context.Background(), tt.args, &stdout, &stderr))
			require.Contains(t, stderr.String(), "nxscollect:")
		})
	}
}

func TestParseArgs_Mode(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		test   bool
		master string
		input  string
	}{
		{"word", []string{"test", "file.nxs"}, true, "file.nxs", ""},
		{"flag after file", []string{"file.nxs", "-x"}, false, "file.nxs", ""},
		{"flag value named like a mode", []string{"-i", "test", "-x", "file.nxs"}, false, "file.nxs", "test"},
		{"word mode with flag value", []string{"test", "--input_files", "execute", "file.nxs"}, true, "file.nxs", "execute"},
		{"master named like a mode", []string{"-t", "execute"}, true, "execute", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			a, err := parseArgs(tt.args, &stderr)
			require.NoError(t, err)
			require.Equal(t, tt.test, a.test)
			require.Equal(t, tt.master, a.master)
			require.Equal(t, tt.input, a.inputFiles)
		})
	}
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), []string{"--help"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Usage: nxscollect")
}
