package logger

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultLogFilename = "llmrelay.log"

type InitOptions struct {
	Level           string
	Format          string
	ServiceName     string
	Environment     string
	Caller          bool
	StacktraceLevel string
	Output          OutputOptions
	Rotation        RotationOptions
}

type OutputOptions struct {
	ToStdout bool
	ToFile   bool
	FilePath string
}

type RotationOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	LocalTime  bool
}

func (o InitOptions) normalized() InitOptions {
	out := o
	out.Level = strings.ToLower(strings.TrimSpace(out.Level))
	if out.Level == "" {
		out.Level = "info"
	}
	out.Format = strings.ToLower(strings.TrimSpace(out.Format))
	if out.Format != "console" {
		out.Format = "json"
	}
	if out.StacktraceLevel == "" {
		out.StacktraceLevel = "error"
	}
	if out.Output.ToFile {
		out.Output.FilePath = normalizeFilePath(out.Output.FilePath)
	}
	if !out.Output.ToStdout && !out.Output.ToFile {
		out.Output.ToStdout = true
	}
	if out.Rotation.MaxSizeMB <= 0 {
		out.Rotation.MaxSizeMB = 100
	}
	if out.Rotation.MaxBackups < 0 {
		out.Rotation.MaxBackups = 0
	}
	if out.Rotation.MaxAgeDays < 0 {
		out.Rotation.MaxAgeDays = 0
	}
	return out
}

func normalizeFilePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return filepath.Join("data", "logs", defaultLogFilename)
	}
	if strings.HasSuffix(path, string(os.PathSeparator)) || filepath.Ext(path) == "" {
		return filepath.Join(path, defaultLogFilename)
	}
	return path
}

func bootstrapOptions() InitOptions {
	return InitOptions{
		Level:  "info",
		Format: "console",
		Output: OutputOptions{ToStdout: true},
	}
}
