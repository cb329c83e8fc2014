// Package log defines the logging contract used across the core and
// exposes the default logrus-backed implementation.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every core component accepts. A custom
// implementation can be supplied by the application embedding this
// module; DefaultLogger backs it with logrus when none is given.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})

	// WithFields returns a derived logger carrying the given structured
	// fields on every subsequent call (peer id, direction, packet id, ...).
	WithFields(fields Fields) Logger
}

// Fields is a structured-logging key/value set, mirrored from logrus.Fields
// so callers never need to import logrus directly.
type Fields map[string]interface{}

// DefaultLogger backs Logger with a logrus.Entry.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds a DefaultLogger writing structured lines to
// stderr. Debug level is off by default; ToggleDebug-equivalent is
// SetDebug below.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: logrus.NewEntry(l)}
}

// SetDebug toggles debug-level logging on the underlying logrus.Logger.
func (d *DefaultLogger) SetDebug(enabled bool) {
	if enabled {
		d.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		d.entry.Logger.SetLevel(logrus.InfoLevel)
	}
}

func (d *DefaultLogger) Infof(format string, args ...interface{})  { d.entry.Infof(format, args...) }
func (d *DefaultLogger) Warnf(format string, args ...interface{})  { d.entry.Warnf(format, args...) }
func (d *DefaultLogger) Errorf(format string, args ...interface{}) { d.entry.Errorf(format, args...) }
func (d *DefaultLogger) Debugf(format string, args ...interface{}) { d.entry.Debugf(format, args...) }

func (d *DefaultLogger) WithFields(fields Fields) Logger {
	return &DefaultLogger{entry: d.entry.WithFields(logrus.Fields(fields))}
}

// Noop discards everything; useful in tests that don't care about logs.
type Noop struct{}

func NewNoop() Noop                        { return Noop{} }
func (Noop) Infof(string, ...interface{})  {}
func (Noop) Warnf(string, ...interface{})  {}
func (Noop) Errorf(string, ...interface{}) {}
func (Noop) Debugf(string, ...interface{}) {}
func (n Noop) WithFields(Fields) Logger    { return n }
