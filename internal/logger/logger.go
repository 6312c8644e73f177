// Package logger provides the leveled logger shared by the chat server
// components. It writes through the standard library log package so output
// keeps the familiar timestamped line format.
package logger

import (
	"io"
	"log"
	"os"
	"strings"
)

// Logger is the logging surface components depend on.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	// With returns a logger whose lines carry an extra prefix.
	With(prefix string) Logger
}

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(l string) Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// New returns a Logger writing to stderr at the given level.
func New(level string) Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter returns a Logger writing to w at the given level.
func NewWithWriter(w io.Writer, level string) Logger {
	return &stdLogger{
		out:   log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		level: ParseLevel(level),
	}
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return &stdLogger{out: log.New(io.Discard, "", 0), level: LevelError + 1}
}

type stdLogger struct {
	out    *log.Logger
	level  Level
	prefix string
}

func (l *stdLogger) logf(level Level, tag, format string, v ...any) {
	if level < l.level {
		return
	}
	l.out.Printf(tag+l.prefix+format, v...)
}

func (l *stdLogger) Debugf(format string, v ...any) { l.logf(LevelDebug, "[DEBUG] ", format, v...) }
func (l *stdLogger) Infof(format string, v ...any)  { l.logf(LevelInfo, "[INFO] ", format, v...) }
func (l *stdLogger) Warnf(format string, v ...any)  { l.logf(LevelWarn, "[WARN] ", format, v...) }
func (l *stdLogger) Errorf(format string, v ...any) { l.logf(LevelError, "[ERROR] ", format, v...) }

func (l *stdLogger) With(prefix string) Logger {
	// The prefix becomes part of the format string.
	escaped := strings.ReplaceAll(prefix, "%", "%%")
	return &stdLogger{out: l.out, level: l.level, prefix: l.prefix + escaped + ": "}
}
