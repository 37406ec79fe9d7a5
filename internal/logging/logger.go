// Package logging provides structured logging for go-autodetect and the
// handler that re-logs the analytics engine's own log stream.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures an optional rotating log file written alongside
// stderr. An empty Path disables it.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultFileConfig returns rotation defaults for the log file.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// NewLogger creates a new structured logger writing to stderr.
// Format should be "json" or "text".
// Level should be "debug", "info", "warn", or "error".
func NewLogger(format, level string, verbose bool) *slog.Logger {
	logger, _ := NewLoggerWithFile(format, level, verbose, FileConfig{})
	return logger
}

// NewLoggerWithFile creates a logger writing to stderr and, when
// file.Path is set, to a rotating file. The returned closer releases the
// file and is a no-op when no file is configured.
func NewLoggerWithFile(format, level string, verbose bool, file FileConfig) (*slog.Logger, io.Closer) {
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if file.Path != "" {
		rotator := file.rotator()
		w = io.MultiWriter(os.Stderr, rotator)
		closer = rotator
	}

	return slog.New(newHandler(w, format, "json", opts)), closer
}

// NewFileOnlyLogger creates a logger writing only to the rotating file,
// for when the terminal belongs to the dashboard.
func NewFileOnlyLogger(format, level string, verbose bool, file FileConfig) (*slog.Logger, io.Closer) {
	if file.Path == "" {
		return Discard(), nopCloser{}
	}
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}
	rotator := file.rotator()
	return slog.New(newHandler(rotator, format, "json", &slog.HandlerOptions{Level: logLevel})), rotator
}

func (f FileConfig) rotator() *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   f.Path,
		MaxSize:    f.MaxSizeMB,
		MaxBackups: f.MaxBackups,
		MaxAge:     f.MaxAgeDays,
		Compress:   f.Compress,
	}
}

// NewLoggerWithWriter creates a logger that writes to a custom writer.
// Useful for testing.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return slog.New(newHandler(w, format, "text", &slog.HandlerOptions{Level: parseLevel(level)}))
}

// newHandler picks the handler for format, using fallback for unknown
// or empty formats.
func newHandler(w io.Writer, format, fallback string, opts *slog.HandlerOptions) slog.Handler {
	f := strings.ToLower(format)
	if f != "json" && f != "text" {
		f = fallback
	}
	if f == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
