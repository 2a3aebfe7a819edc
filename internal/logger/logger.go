package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the supervisor's log destinations. Records go to the
// console and, when File is set, to a rotating log file.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	File       string // persistent log file; empty disables the file sink
	Level      string // debug|info|warn|error
	Color      bool   // ANSI level colors on the console sink
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// FileWriter returns a rotating writer for c.File, or nil when File is empty.
func (c Config) FileWriter() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds a logger writing to console and the configured file.
// The returned closer releases the file sink and is never nil.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if console == nil {
		console = os.Stdout
	}
	var consoleH slog.Handler
	if c.Color {
		consoleH = NewColorTextHandler(console, opts, true)
	} else {
		consoleH = slog.NewTextHandler(console, opts)
	}
	fw := c.FileWriter()
	if fw == nil {
		return slog.New(consoleH), nopCloser{}
	}
	fileH := slog.NewTextHandler(fw, opts)
	return slog.New(NewFanout(consoleH, fileH)), fw
}

// ParseLevel maps a level name to slog.Level; unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
