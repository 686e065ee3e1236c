// Package logging adapts logrus to the types.Logger interface used by every
// component of the worker.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/slackmgr/types"
)

// Format selects the log line encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Option is a functional option for configuring a [Logger].
type Option func(*Options)

// Options holds the configuration for a [Logger].
type Options struct {
	level  string
	format Format
	output io.Writer
	fields map[string]any
}

func newOptions() *Options {
	return &Options{
		level:  "info",
		format: FormatJSON,
		output: os.Stderr,
	}
}

// WithLevel sets the minimum level (trace, debug, info, warn, error, fatal).
// The default is info.
func WithLevel(level string) Option {
	return func(o *Options) {
		o.level = level
	}
}

// WithFormat sets the output format. The default is [FormatJSON].
func WithFormat(format Format) Option {
	return func(o *Options) {
		o.format = format
	}
}

// WithOutput sets the writer log lines go to. The default is stderr.
func WithOutput(w io.Writer) Option {
	return func(o *Options) {
		o.output = w
	}
}

// WithFields adds fields to every log line.
func WithFields(fields map[string]any) Option {
	return func(o *Options) {
		o.fields = fields
	}
}

// Logger implements types.Logger on top of a logrus entry.
type Logger struct {
	entry *logrus.Entry
}

var _ types.Logger = (*Logger)(nil)

// New creates a Logger. An unknown level falls back to info and is reported
// as a warning on the new logger.
func New(opts ...Option) *Logger {
	o := newOptions()

	for _, opt := range opts {
		opt(o)
	}

	l := logrus.New()
	l.SetOutput(o.output)

	if o.format == FormatText {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(o.level)
	if err != nil {
		level = logrus.InfoLevel
	}

	l.SetLevel(level)

	logger := &Logger{entry: logrus.NewEntry(l).WithFields(logrus.Fields(o.fields))}

	if err != nil {
		logger.Warnf("Invalid log level %q, using info", o.level)
	}

	return logger
}

// ValidateLevel returns an error if level is not a known log level.
func ValidateLevel(level string) error {
	if _, err := logrus.ParseLevel(level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// ValidateFormat returns an error if format is not a known log format.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatJSON, FormatText:
		return nil
	default:
		return fmt.Errorf("invalid log format %q, expected json or text", format)
	}
}

func (l *Logger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(msg string)                   { l.entry.Info(msg) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(msg string)                  { l.entry.Error(msg) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatal(msg string)                  { l.entry.Fatal(msg) }
func (l *Logger) Fatalf(format string, args ...any) { l.entry.Fatalf(format, args...) }

//nolint:ireturn
func (l *Logger) WithField(key string, value any) types.Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

//nolint:ireturn
func (l *Logger) WithFields(fields map[string]any) types.Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
