// Package logging provides the structured logging wrapper used throughout
// the silo runtime, keeping the call-site shape of the standard library's
// log.Printf family while emitting leveled, structured records.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with printf-style helpers so call sites
// read like the rest of the runtime's plain-error Go, while records still
// carry level and component fields for downstream collection.
//
// A Logger is safe for concurrent use; all state after construction is
// immutable or delegated to zerolog's own synchronization.
type Logger struct {
	z zerolog.Logger
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// New creates a Logger that writes human-readable console output to w,
// tagged with component (e.g. "directory", "catalog", "gateway").
//
// Example:
//
//	log := logging.New(os.Stderr, "catalog")
//	log.Infof("activated grain %s on %s", grainID, addr)
func New(w io.Writer, component string) *Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	z := zerolog.New(cw).With().Timestamp().Str("component", component).Logger()
	return &Logger{z: z}
}

// Default returns a process-wide Logger writing to stderr under the
// "silo" component, created lazily on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stderr, "silo")
	})
	return defaultLogger
}

// With returns a derived Logger tagged with an additional component
// suffix, useful for per-activation or per-silo scoping without losing
// the parent's fields.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("subcomponent", component).Logger()}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) {
	l.z.Debug().Msgf(format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) {
	l.z.Info().Msgf(format, args...)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...any) {
	l.z.Warn().Msgf(format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.z.Error().Msgf(format, args...)
}

// Fatalf logs at fatal level then terminates the process via os.Exit(1).
// It is the only handler for category-7 failures (spec.md §7); no
// injectable fatal hook exists.
func (l *Logger) Fatalf(format string, args ...any) {
	l.z.Fatal().Msgf(format, args...)
}
