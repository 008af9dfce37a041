// Package logging provides structured logging for the CLI, the scheduler and
// the development receiver.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// consoleTimeFormat matches the short clock used across all console output.
const consoleTimeFormat = "15:04:05"

// Logger wraps zerolog with a component tag and a swappable writer.
// SetOutput may run while other goroutines are logging.
type Logger struct {
	mu        sync.RWMutex
	zlog      zerolog.Logger
	component string
	output    io.Writer // current output writer
}

// NewLogger creates a console logger tagged with the given component name.
// Logs go to stderr so stdout stays clean for command output.
func NewLogger(component string) *Logger {
	return NewLoggerWithWriter(component, os.Stderr)
}

// NewLoggerWithWriter creates a logger that writes console-formatted lines to w.
func NewLoggerWithWriter(component string, w io.Writer) *Logger {
	l := &Logger{component: component}
	l.SetOutput(w)
	return l
}

// NewNopLogger returns a logger that discards everything. Useful in tests.
func NewNopLogger() *Logger {
	return &Logger{
		zlog:   zerolog.Nop(),
		output: io.Discard,
	}
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	zl := l.current()
	return zl.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	zl := l.current()
	return zl.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	zl := l.current()
	return zl.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	zl := l.current()
	return zl.Warn()
}

func (l *Logger) current() zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zlog
}

// SetOutput changes the output writer for the logger.
// The CLI uses this to print log lines above the progress bars.
func (l *Logger) SetOutput(w io.Writer) {
	ctx := zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
	}).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	zl := ctx.Logger()

	l.mu.Lock()
	l.output = w
	l.zlog = zl
	l.mu.Unlock()
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.output
}

// Debugf logs a debug message with printf-style formatting.
// This is only shown when debug/verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug().Msgf(format, args...)
}

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info().Msgf(format, args...)
}

// Errorf logs an error message with printf-style formatting.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error().Msgf(format, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn().Msgf(format, args...)
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: consoleTimeFormat,
	})
}
