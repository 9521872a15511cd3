// Package logger wraps zerolog with the Infof/Warnf/Errorf convenience
// style the rest of the codebase is written against.
package logger

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Init configures the process-wide base logger. service is attached to
// every event emitted through the package-level helpers. Safe to call more
// than once; only the first call takes effect.
func Init(service string, debug bool) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		base = zerolog.New(w).Level(level).With().Timestamp().Str("service", service).Logger()
	})
}

// L returns the configured base logger. If Init was never called it lazily
// falls back to an stdout logger at info level so tests and standalone
// tools never panic on a zero-value logger.
func L() zerolog.Logger {
	once.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(zerolog.InfoLevel).With().Timestamp().Logger()
	})
	return base
}

// With returns a child logger carrying the given key/value pairs.
func With(fields map[string]any) zerolog.Logger {
	ctx := L().With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

func Infof(format string, args ...any) {
	L().Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	L().Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	L().Error().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	L().Debug().Msgf(format, args...)
}

// Fatalf logs at fatal level and exits the process non-zero, for
// process-level misconfiguration per spec.md §7(f).
func Fatalf(format string, args ...any) {
	L().Fatal().Msgf(format, args...)
}
