// Package logging wraps logrus with the bracket-tag convention the rest of
// this repo's lineage uses: every line is scoped to a component and rendered
// as "[component] message key=value ...".
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level mirrors the verbosity scale the HTTP front's /api/loglevel route
// mutates at runtime (0..4, least to most verbose).
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

var (
	root  = logrus.New()
	mu    sync.RWMutex
	level = LevelInfo
)

func init() {
	root.SetFormatter(&componentFormatter{inner: &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}})
	root.SetOutput(os.Stderr)
	root.SetLevel(level.logrusLevel())
}

// SetOutput redirects all logging, primarily for tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// SetLevel mutates global verbosity. Safe to call concurrently; this is the
// function behind /api/loglevel.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	root.SetLevel(l.logrusLevel())
}

// CurrentLevel returns the active verbosity.
func CurrentLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// Logger is a component-scoped entry point. Every package in this repo holds
// one, created once at package init via New("component-name").
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger tagged with component, rendered as "[component]".
func New(component string) *Logger {
	return &Logger{entry: root.WithField("component", component)}
}

// With returns a derived Logger carrying additional structured fields, e.g.
// logging.New("worker").With(logging.Fields{"worker": id}).
type Fields = logrus.Fields

func (l *Logger) With(f Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(f)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

// Fatalf logs at fatal level then exits. Reserved for unrecoverable
// startup failures.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// componentFormatter rewrites the "component" field into a leading bracket
// tag ("[httpfront] listening ...") instead of logrus's default
// component="httpfront" key=value rendering, keeping structured fields for
// everything else.
type componentFormatter struct {
	inner logrus.Formatter
}

func (f *componentFormatter) Format(e *logrus.Entry) ([]byte, error) {
	component, ok := e.Data["component"]
	if !ok {
		return f.inner.Format(e)
	}
	data := make(logrus.Fields, len(e.Data)-1)
	for k, v := range e.Data {
		if k != "component" {
			data[k] = v
		}
	}
	clone := &logrus.Entry{
		Logger:  e.Logger,
		Data:    data,
		Time:    e.Time,
		Level:   e.Level,
		Caller:  e.Caller,
		Message: "[" + component.(string) + "] " + e.Message,
		Buffer:  e.Buffer,
		Context: e.Context,
	}
	return f.inner.Format(clone)
}
