package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", FormatJSON, &buf)
	require.NoError(t, err)

	log.Debug().Str("source", "img_00000.tif").Msg("frame loaded")
	require.Contains(t, buf.String(), `"level":"debug"`)
	require.Contains(t, buf.String(), `"source":"img_00000.tif"`)
	require.Contains(t, buf.String(), `"time":`)
}

func TestNew_ConsoleFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", FormatConsole, &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestNew_Errors(t *testing.T) {
	_, err := New("loud", FormatJSON, nil)
	require.Error(t, err)
	_, err = New("info", "xml", nil)
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = ParseLevel(" DEBUG ")
	require.NoError(t, err)
	require.Equal(t, zerolog.DebugLevel, lvl)
}
