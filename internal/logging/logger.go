// Package logging provides the structured logger shared by every core
// component. It keeps the call-site shape of the original node logger
// (WithField/WithFields, leveled Debug/Info/Warn/Error/Fatal) but writes
// through zerolog instead of the standard library's log.Logger.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger, carrying a fixed set of context fields.
type Logger struct {
	mu  sync.Mutex
	zl  zerolog.Logger
}

var (
	globalOnce sync.Once
	global     *Logger
)

// New creates a logger at the given level writing JSON lines to w.
// Level is one of: debug, info, warn, error.
func New(component string, level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	base := zerolog.New(w).With().Timestamp().Str("component", component).Logger().Level(lvl)
	return &Logger{zl: base}
}

// Global returns the process-wide default logger, created lazily at INFO
// level writing to stdout. Components that are not handed an explicit
// Logger (e.g. deep helper functions) fall back to this one.
func Global() *Logger {
	globalOnce.Do(func() {
		global = New("xai", "info", os.Stdout)
	})
	return global
}

// SetGlobal replaces the process-wide default logger.
func SetGlobal(l *Logger) {
	globalOnce.Do(func() {})
	global = l
}

// WithField returns a derived logger carrying an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithFields returns a derived logger carrying additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// Fatal logs at fatal level and terminates the process, matching the
// teacher's Fatal/Fatalf behavior for unrecoverable startup errors.
func (l *Logger) Fatal(msg string) { l.zl.Fatal().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.zl.Fatal().Msgf(format, args...) }

// Err starts an error-level event carrying err; callers finish it with
// Msg/Msgf.
func (l *Logger) Err(err error) *zerolog.Event {
	return l.zl.Error().Err(err)
}
