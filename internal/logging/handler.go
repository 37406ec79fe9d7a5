package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 16 * 1024

	// MaxBufferedLines is the number of recent lines kept per engine.
	MaxBufferedLines = 100

	// DefaultErrorLines is the number of recent error lines kept per engine.
	DefaultErrorLines = 10
)

// Engine log levels. FATAL marks an unrecoverable engine failure.
const (
	LevelTrace = "TRACE"
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

// EngineLogEntry is one structured line from the engine's log channel.
type EngineLogEntry struct {
	Logger    string `json:"logger,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Level     string `json:"level"`
	Pid       int    `json:"pid,omitempty"`
	Thread    string `json:"thread,omitempty"`
	Message   string `json:"message"`
	Class     string `json:"class,omitempty"`
	Method    string `json:"method,omitempty"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// EngineLogHandler consumes an engine's log channel. It re-logs every
// line through slog, keeps the most recent lines and error lines, and
// remembers whether a fatal error was reported.
type EngineLogHandler struct {
	jobID    string
	logger   *slog.Logger
	verbose  bool
	throttle *rate.Sometimes

	mu        sync.Mutex
	buffer    []string
	bufIdx    int
	errLines  []string
	errIdx    int
	errCount  int
	fatal     string
	levelSeen map[string]int

	lines      atomic.Int64
	suppressed atomic.Int64
}

// NewEngineLogHandler creates a handler for one engine. errorLines is the
// number of error lines retained; zero selects DefaultErrorLines.
func NewEngineLogHandler(jobID string, logger *slog.Logger, verbose bool, errorLines int) *EngineLogHandler {
	if errorLines <= 0 {
		errorLines = DefaultErrorLines
	}
	return &EngineLogHandler{
		jobID:   jobID,
		logger:  logger,
		verbose: verbose,
		// Informational engine chatter is rate limited unless verbose.
		throttle:  &rate.Sometimes{First: 20, Interval: time.Second},
		buffer:    make([]string, MaxBufferedLines),
		errLines:  make([]string, errorLines),
		levelSeen: make(map[string]int),
	}
}

// HandleReader reads lines from r until it ends. It returns nil at end of
// stream and the read error otherwise. This should be run in a goroutine.
func (h *EngineLogHandler) HandleReader(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), MaxLineLength)

	for scanner.Scan() {
		h.HandleLine(scanner.Text())
	}
	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		// Skip the rest of the oversized line and keep tailing.
		h.HandleLine("(log line exceeded " + strconv.Itoa(MaxLineLength) + " bytes)")
		return h.HandleReader(r)
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// HandleLine processes a single line of engine log output.
func (h *EngineLogHandler) HandleLine(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	h.lines.Add(1)

	entry := ParseEngineLogLine(line)

	h.mu.Lock()
	h.buffer[h.bufIdx] = entry.Message
	h.bufIdx = (h.bufIdx + 1) % len(h.buffer)
	h.levelSeen[entry.Level]++
	if entry.Level == LevelError || entry.Level == LevelFatal {
		h.errLines[h.errIdx] = entry.Message
		h.errIdx = (h.errIdx + 1) % len(h.errLines)
		h.errCount++
	}
	if entry.Level == LevelFatal && h.fatal == "" {
		h.fatal = entry.Message
	}
	h.mu.Unlock()

	h.logEntry(entry)
}

func (h *EngineLogHandler) logEntry(e EngineLogEntry) {
	level := slogLevel(e.Level)
	if level < slog.LevelWarn && !h.verbose {
		logged := false
		h.throttle.Do(func() { logged = true })
		if !logged {
			h.suppressed.Add(1)
			return
		}
	}

	attrs := []any{"job_id", h.jobID, "engine_level", e.Level, "line", e.Message}
	if e.File != "" {
		attrs = append(attrs, "engine_file", e.File, "engine_line", e.Line)
	}
	h.logger.Log(context.Background(), level, "engine_log", attrs...)
}

// ParseEngineLogLine decodes a JSON log line. Plain text lines are
// classified by content.
func ParseEngineLogLine(line string) EngineLogEntry {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var e EngineLogEntry
		if err := json.Unmarshal([]byte(trimmed), &e); err == nil && e.Message != "" {
			e.Level = strings.ToUpper(e.Level)
			if e.Level == "" {
				e.Level = LevelInfo
			}
			return e
		}
	}
	return EngineLogEntry{Level: classifyLine(trimmed), Message: trimmed}
}

// classifyLine determines the level of a plain text line from its content.
func classifyLine(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "fatal"):
		return LevelFatal
	case strings.Contains(lower, "error"),
		strings.Contains(lower, "failed"),
		strings.Contains(lower, "exception"):
		return LevelError
	case strings.Contains(lower, "warn"):
		return LevelWarn
	default:
		return LevelInfo
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case LevelTrace, LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError, LevelFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *EngineLogHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ringTail(h.buffer, h.bufIdx, n)
}

// RecentErrors returns the retained error lines, oldest first.
func (h *EngineLogHandler) RecentErrors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ringTail(h.errLines, h.errIdx, len(h.errLines))
}

// Fatal returns the first fatal message seen, if any.
func (h *EngineLogHandler) Fatal() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatal, h.fatal != ""
}

// ErrorCount returns the total number of error and fatal lines seen.
func (h *EngineLogHandler) ErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errCount
}

// CountByLevel returns the number of lines seen at each engine level.
func (h *EngineLogHandler) CountByLevel() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[string]int, len(h.levelSeen))
	for k, v := range h.levelSeen {
		counts[k] = v
	}
	return counts
}

// Lines returns the number of non-blank lines handled.
func (h *EngineLogHandler) Lines() int64 {
	return h.lines.Load()
}

// Suppressed returns the number of lines not re-logged due to throttling.
func (h *EngineLogHandler) Suppressed() int64 {
	return h.suppressed.Load()
}

// ringTail reads up to n entries of a circular buffer ending before idx.
func ringTail(buf []string, idx, n int) []string {
	size := len(buf)
	if n > size {
		n = size
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		j := (idx - n + i + size) % size
		if buf[j] != "" {
			out = append(out, buf[j])
		}
	}
	return out
}
