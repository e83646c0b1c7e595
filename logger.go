package dmafile

import "sync/atomic"

// Logger interface matches the implementation of slog.
// See pkg logger for adapters implementations for common logger libraries.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger is the default logger that compiles to a no-op
type DiscardLogger struct{}

func (d DiscardLogger) Error(string, ...any) {}

func (d DiscardLogger) Warn(string, ...any) {}

func (d DiscardLogger) Info(string, ...any) {}

type loggerBox struct{ Logger }

var pkgLogger atomic.Pointer[loggerBox]

func init() {
	pkgLogger.Store(&loggerBox{DiscardLogger{}})
}

// SetLogger sets the logger for events not tied to a Ring, such as a
// buffer that was never freed being reclaimed by the runtime.
func SetLogger(l Logger) {
	if l == nil {
		l = DiscardLogger{}
	}
	pkgLogger.Store(&loggerBox{l})
}

func logger() Logger {
	return pkgLogger.Load().Logger
}
