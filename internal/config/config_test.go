package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "h5", cfg.Backend)
	require.Equal(t, 2, cfg.Compression)
	require.Equal(t, ",", cfg.Separator)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
	require.Equal(t, "/entry/instrument/detector/data", cfg.VDS.InnerPath)
	require.False(t, cfg.SkipMissing)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: json
compression: 4
separator: ";"
skip_missing: true
log:
  level: debug
vds:
  frames_per_file: 20
`), 0o600))

	t.Setenv("NXS_COMPRESSION", "6")
	t.Setenv("NXS_LOG_FORMAT", "json")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.IntP("compression", "c", 2, "")
	fs.String("separator", ",", "")
	fs.Int("max-frames", 0, "")
	fs.String("unrelated", "", "")
	require.NoError(t, fs.Parse([]string{"--max-frames", "12", "--unrelated", "x"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, "json", cfg.Backend)
	require.Equal(t, 6, cfg.Compression, "environment beats file")
	require.Equal(t, ";", cfg.Separator, "unset flag does not beat file")
	require.Equal(t, 12, cfg.MaxFrames, "set flag beats everything")
	require.True(t, cfg.SkipMissing)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 20, cfg.VDS.FramesPerFile)

	require.NoError(t, fs.Set("compression", "9"))
	cfg, err = Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Compression)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)

	t.Setenv("NXS_COMPRESSION", "12")
	t.Chdir(t.TempDir())
	_, err = Load("", nil)
	require.ErrorContains(t, err, "compression 12")
}

func TestValidate(t *testing.T) {
	base := Config{Compression: 2, Separator: ",", Log: LogConfig{Format: "console"}}
	require.NoError(t, base.Validate())

	bad := base
	bad.MaxFrames = -1
	require.Error(t, bad.Validate())

	bad = base
	bad.Separator = ""
	require.Error(t, bad.Validate())

	bad = base
	bad.Log.Format = "xml"
	require.Error(t, bad.Validate())
}
