// Package logger builds the charmbracelet/log loggers used across the pipeline.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures a Logger created with New.
type Option func(*config)

type config struct {
	level  log.Level
	json   bool
	prefix string
	writer io.Writer
}

// WithDebug sets the log level to Debug when true, Info otherwise.
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = log.DebugLevel
		} else {
			c.level = log.InfoLevel
		}
	}
}

// WithJSON switches to the JSON formatter for service logs.
func WithJSON(json bool) Option {
	return func(c *config) {
		c.json = json
	}
}

// WithWriter overrides the output writer. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writer = w
	}
}

// WithPrefix sets the logger prefix.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// New returns a logger writing to stderr at Info level unless overridden.
func New(opts ...Option) *log.Logger {
	c := &config{
		level:  log.InfoLevel,
		writer: os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}

	l := log.NewWithOptions(c.writer, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           c.level,
		Prefix:          c.prefix,
	})
	if c.json {
		l.SetFormatter(log.JSONFormatter)
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *log.Logger) *log.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
