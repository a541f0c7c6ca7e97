// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes structured lines through the standard library logger.
type StdLogger struct {
	Verbose bool
}

// Debug logs at debug level when verbose output is enabled.
func (l StdLogger) Debug(msg string, fields ...Field) {
	if !l.Verbose {
		return
	}
	emit("DEBUG", msg, fields)
}

// Info logs at info level.
func (l StdLogger) Info(msg string, fields ...Field) { emit("INFO", msg, fields) }

// Warn logs at warning level.
func (l StdLogger) Warn(msg string, fields ...Field) { emit("WARN", msg, fields) }

// Error logs at error level.
func (l StdLogger) Error(msg string, fields ...Field) { emit("ERROR", msg, fields) }

func emit(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		switch v := f.Value.(type) {
		case string:
			b.WriteString(strconv.Quote(v))
		case error:
			b.WriteString(strconv.Quote(v.Error()))
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	log.Print(b.String())
}
