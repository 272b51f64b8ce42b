// Package observability defines shared logging primitives.
package observability

import (
	"io"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
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
func (noopLogger) Error(string, ...Field) {}

// JSONLogger writes one JSON object per line.
type JSONLogger struct {
	mu  sync.Mutex
	out io.Writer
	min level
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelError
)

// NewJSONLogger returns a logger writing to w, or stderr when w is nil.
func NewJSONLogger(w io.Writer, debug bool) *JSONLogger {
	if w == nil {
		w = os.Stderr
	}
	min := levelInfo
	if debug {
		min = levelDebug
	}
	return &JSONLogger{out: w, min: min}
}

// Debug logs at debug level.
func (l *JSONLogger) Debug(msg string, fields ...Field) { l.write(levelDebug, "debug", msg, fields) }

// Info logs at info level.
func (l *JSONLogger) Info(msg string, fields ...Field) { l.write(levelInfo, "info", msg, fields) }

// Error logs at error level.
func (l *JSONLogger) Error(msg string, fields ...Field) { l.write(levelError, "error", msg, fields) }

func (l *JSONLogger) write(lv level, name, msg string, fields []Field) {
	if lv < l.min {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		entry[f.Key] = f.Value
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	_, _ = l.out.Write(append(data, '\n'))
	l.mu.Unlock()
}
