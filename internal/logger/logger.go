package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger defines the apam logging contract.
// Implementations should support standard log levels and be safe for concurrent use.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Level is the minimum severity a StdLogger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts debug, info, warn (or warning) and error, in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// StdLogger wraps Go's standard logger to implement the apam logging contract.
type StdLogger struct {
	logger *log.Logger
	level  Level
}

// NewStdLogger creates a new StdLogger writing info and above to stdout.
func NewStdLogger() *StdLogger {
	return New(os.Stdout, LevelInfo)
}

// New creates a StdLogger writing messages at or above level to w.
func New(w io.Writer, level Level) *StdLogger {
	return &StdLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

func (l *StdLogger) Info(msg string, args ...any) {
	l.print(LevelInfo, "[INFO] ", msg, args)
}

func (l *StdLogger) Warn(msg string, args ...any) {
	l.print(LevelWarn, "[WARN] ", msg, args)
}

func (l *StdLogger) Error(msg string, args ...any) {
	l.print(LevelError, "[ERROR] ", msg, args)
}

func (l *StdLogger) Debug(msg string, args ...any) {
	l.print(LevelDebug, "[DEBUG] ", msg, args)
}

func (l *StdLogger) print(level Level, tag, msg string, args []any) {
	if level < l.level {
		return
	}
	l.logger.Printf(tag+msg, args...)
}

type discard struct{}

func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
func (discard) Debug(string, ...any) {}

// Discard drops every message.
var Discard Logger = discard{}

// Default provides a global default logger instance using Go's standard logger.
var Default Logger = NewStdLogger()
