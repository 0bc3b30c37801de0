// Package j1939log defines the pluggable logging facade used throughout the
// stack (spec §7: "unexpected conditions are recorded to the pluggable
// logger"). The core only depends on the Logger interface; NewLogrus wires
// the default backend, following the same sirupsen/logrus usage found in
// other CAN/industrial-protocol stacks in this retrieval pack
// (samsamfire/gocanopen, github-of-lyj/IEC104, keskad/loco).
package j1939log

import (
	"github.com/sirupsen/logrus"
)

// Fields is a set of structured key-value pairs attached to a log entry,
// e.g. {"pgn": 0xEC00, "sa": 0x1C, "da": 0xFF}.
type Fields map[string]interface{}

// Logger is the capability every subsystem (registry, address-claim SM,
// transport sessions, network manager) depends on. Implementations must be
// safe for concurrent use.
type Logger interface {
	WithFields(fields Fields) Logger
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// logrusLogger adapts *logrus.Entry to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus builds a Logger backed by logrus, using the given base logger
// (pass logrus.StandardLogger() for process-wide defaults, or a dedicated
// *logrus.Logger to isolate this stack's output).
func NewLogrus(base *logrus.Logger) Logger {
	if base == nil {
		base = logrus.New()
	}
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *logrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *logrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *logrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

// nopLogger discards everything; used as the zero-value default so callers
// never need a nil check.
type nopLogger struct{}

// NewNop returns a Logger that discards all output.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) WithFields(Fields) Logger  { return nopLogger{} }
func (nopLogger) Debug(args ...interface{}) {}
func (nopLogger) Info(args ...interface{})  {}
func (nopLogger) Warn(args ...interface{})  {}
func (nopLogger) Error(args ...interface{}) {}
