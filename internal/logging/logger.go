// Package logging provides the structured logger used by every Ash component.
//
// The interface is deliberately small: four leveled methods that take a message
// and a map of fields. Components receive a logger tagged with their component
// name so log lines can be filtered per subsystem.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the logging interface consumed by all components.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// ComponentAware is implemented by loggers that can tag a component name.
type ComponentAware interface {
	WithComponent(name string) Logger
}

// Level is a log severity level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel maps a config string to a Level. Unknown values default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Format selects the output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// StandardLogger writes leveled, structured log lines to a writer.
type StandardLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	format    Format
	component string
	now       func() time.Time
}

// Options configures a StandardLogger.
type Options struct {
	Output io.Writer
	Level  Level
	Format Format
}

// New creates a StandardLogger. A nil Output defaults to stderr.
func New(opts Options) *StandardLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	format := opts.Format
	if format != FormatText {
		format = FormatJSON
	}
	return &StandardLogger{
		out:    out,
		level:  opts.Level,
		format: format,
		now:    time.Now,
	}
}

// WithComponent returns a logger that stamps every line with the component name.
func (l *StandardLogger) WithComponent(name string) Logger {
	return &StandardLogger{
		out:       l.out,
		level:     l.level,
		format:    l.format,
		component: name,
		now:       l.now,
	}
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "debug", msg, fields)
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "info", msg, fields)
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "warn", msg, fields)
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "error", msg, fields)
}

func (l *StandardLogger) log(level Level, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	ts := l.now().UTC().Format(time.RFC3339Nano)

	var line string
	if l.format == FormatJSON {
		entry := make(map[string]interface{}, len(fields)+4)
		for k, v := range fields {
			if err, ok := v.(error); ok {
				entry[k] = err.Error()
				continue
			}
			entry[k] = v
		}
		entry["ts"] = ts
		entry["level"] = name
		entry["msg"] = msg
		if l.component != "" {
			entry["component"] = l.component
		}
		b, err := json.Marshal(entry)
		if err != nil {
			// Fields that cannot marshal should not silence the line itself.
			b, _ = json.Marshal(map[string]interface{}{
				"ts": ts, "level": name, "msg": msg, "marshal_error": err.Error(),
			})
		}
		line = string(b)
	} else {
		parts := []string{ts, strings.ToUpper(name)}
		if l.component != "" {
			parts = append(parts, "["+l.component+"]")
		}
		parts = append(parts, msg)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		line = strings.Join(parts, " ")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
}

// NoOp discards everything. Used as the default in tests and optional deps.
type NoOp struct{}

func (NoOp) Debug(msg string, fields map[string]interface{}) {}
func (NoOp) Info(msg string, fields map[string]interface{})  {}
func (NoOp) Warn(msg string, fields map[string]interface{})  {}
func (NoOp) Error(msg string, fields map[string]interface{}) {}

// WithComponent returns a component-tagged logger when the base logger supports
// it, and the base logger unchanged otherwise.
func WithComponent(base Logger, name string) Logger {
	if base == nil {
		return NoOp{}
	}
	if ca, ok := base.(ComponentAware); ok {
		return ca.WithComponent(name)
	}
	return base
}
