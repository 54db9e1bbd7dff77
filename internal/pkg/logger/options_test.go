package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizedDefaults(t *testing.T) {
	opts := InitOptions{}.normalized()
	require.Equal(t, "info", opts.Level)
	require.Equal(t, "json", opts.Format)
	require.True(t, opts.Output.ToStdout)
	require.Equal(t, 100, opts.Rotation.MaxSizeMB)
}

func TestNormalizedFilePath(t *testing.T) {
	opts := InitOptions{
		Output: OutputOptions{ToFile: true, FilePath: "data/logs"},
	}.normalized()
	require.Equal(t, filepath.Join("data", "logs", defaultLogFilename), opts.Output.FilePath)

	opts = InitOptions{
		Output: OutputOptions{ToFile: true, FilePath: "data/logs/app.log"},
	}.normalized()
	require.Equal(t, "data/logs/app.log", opts.Output.FilePath)
}

func TestParseLevel(t *testing.T) {
	lv, ok := parseLevel("WARN")
	require.True(t, ok)
	require.Equal(t, LevelWarn, lv)

	_, ok = parseLevel("verbose")
	require.False(t, ok)
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Init(InitOptions{Level: "info", Format: "console", Output: OutputOptions{ToStdout: true}}))
	require.NoError(t, SetLevel("debug"))
	require.Equal(t, "debug", CurrentLevel())
	require.Error(t, SetLevel("nope"))
}
