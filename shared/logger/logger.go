// Package logger provides the structured logging facade used throughout
// pssh. It wraps a single logrus.Logger instance behind a small set of
// package-level functions so call sites never import logrus directly.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx carries structured fields alongside a log message.
type Ctx map[string]any

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Configure replaces the default logger's output, level and formatter.
// Called once from cmd/pssh during startup.
func Configure(out io.Writer, verbose bool, jsonFormat bool) {
	mu.Lock()
	defer mu.Unlock()

	l := logrus.New()
	l.SetOutput(out)
	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	log = l
}

func fields(ctx []Ctx) logrus.Fields {
	f := logrus.Fields{}
	for _, c := range ctx {
		for k, v := range c {
			f[k] = v
		}
	}

	return f
}

// Debug logs a message at debug level with optional structured context.
func Debug(msg string, ctx ...Ctx) {
	mu.RLock()
	defer mu.RUnlock()
	log.WithFields(fields(ctx)).Debug(msg)
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Debugf(format, args...)
}

// Info logs a message at info level with optional structured context.
func Info(msg string, ctx ...Ctx) {
	mu.RLock()
	defer mu.RUnlock()
	log.WithFields(fields(ctx)).Info(msg)
}

// Warn logs a message at warning level with optional structured context.
func Warn(msg string, ctx ...Ctx) {
	mu.RLock()
	defer mu.RUnlock()
	log.WithFields(fields(ctx)).Warn(msg)
}

// Error logs a message at error level with optional structured context.
func Error(msg string, ctx ...Ctx) {
	mu.RLock()
	defer mu.RUnlock()
	log.WithFields(fields(ctx)).Error(msg)
}
