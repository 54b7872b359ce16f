package stagemachine

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Logger is the logging contract of a Machine. go-logger's glog.Logger fits it
// through a thin adapter.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that attach structured fields. Every
// evaluation logs with machine_id, run_id, operation and from.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

var fmtLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// FmtLogger writes one line per entry: timestamp, level, message and the
// sorted fields as key=value pairs. It is used when no logger is configured.
type FmtLogger struct {
	out    io.Writer
	min    int
	fields map[string]any
}

// NewFmtLogger writes to stderr when out is nil. All levels are written until
// MinLevel raises the threshold.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stderr
	}
	return &FmtLogger{out: out}
}

// MinLevel returns a copy that drops entries below level. Unknown level names
// keep the current threshold.
func (l *FmtLogger) MinLevel(level string) *FmtLogger {
	cp := *l
	if idx := slices.Index(fmtLevels, strings.ToUpper(strings.TrimSpace(level))); idx >= 0 {
		cp.min = idx
	}
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write(0, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write(1, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(2, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(3, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(4, msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write(5, msg, args) }

// WithContext returns l; the plain text format carries nothing from ctx.
func (l *FmtLogger) WithContext(context.Context) Logger { return l }

// WithFields returns a copy carrying fields on top of the existing ones.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l
	cp.fields = make(map[string]any, len(l.fields)+len(fields))
	maps.Copy(cp.fields, l.fields)
	maps.Copy(cp.fields, fields)
	return &cp
}

func (l *FmtLogger) write(level int, msg string, args []any) {
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", fmtLevels[level], strings.TrimSpace(msg))
	for _, k := range slices.Sorted(maps.Keys(l.fields)) {
		v := fmt.Sprint(l.fields[k])
		if strings.ContainsAny(v, " \t\n\"=") {
			v = strconv.Quote(v)
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

type nopLogger struct{}

func (nopLogger) Trace(string, ...any)                 {}
func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (nopLogger) Fatal(string, ...any)                 {}
func (n nopLogger) WithContext(context.Context) Logger { return n }

// NopLogger returns a logger that discards all output.
func NopLogger() Logger { return nopLogger{} }

func normalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

func withLoggerFields(logger Logger, fields map[string]any) Logger {
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
