// Package log wraps zerolog with the scoped, attribute-based API used across
// the module. Components receive a *Logger at construction; a nil *Logger is
// valid and discards everything.
package log

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02 15:04:05.000"

//nolint:gochecknoglobals
var (
	rootLogger atomic.Pointer[zerolog.Logger]
	nopLogger  = zerolog.Nop()
)

// Logger is a scoped structured logger.
type Logger struct {
	zl zerolog.Logger
}

// InitGlobals configures the process root logger. It is called once by the CLI.
func InitGlobals(level zerolog.Level, json, noColor bool) *Logger {
	var w io.Writer = os.Stderr
	if !json {
		w = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    noColor,
			TimeFormat: timeFormat,
		}
	}

	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	rootLogger.Store(&zl)
	zerolog.DefaultContextLogger = &zl

	return &Logger{zl: zl}
}

// NewLogger creates a logger writing JSON lines to w.
func NewLogger(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: nopLogger}
}

// New returns a child of the root logger tagged with scope.
func New(scope string) *Logger {
	zl := rootLogger.Load()
	if zl == nil {
		return Nop()
	}

	return (&Logger{zl: *zl}).Named(scope)
}

// Ctx returns the logger stored in ctx, or the root logger.
func Ctx(ctx context.Context) *Logger {
	return &Logger{zl: *zerolog.Ctx(ctx)}
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}

	return l
}

func (l *Logger) z() *zerolog.Logger {
	if l == nil {
		return &nopLogger
	}

	return &l.zl
}

// Zerolog exposes the underlying logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return l.z()
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.z().WithContext(ctx)
}

// Named returns a child logger tagged with scope.
func (l *Logger) Named(scope string) *Logger {
	return &Logger{zl: l.z().With().Str("s", scope).Logger()}
}

// With returns a child logger carrying attrs.
func (l *Logger) With(attrs ...Attr) *Logger {
	c := l.z().With()
	for _, attr := range attrs {
		c = attr(c)
	}

	return &Logger{zl: c.Logger()}
}

func (l *Logger) Trace(msg string) {
	l.z().Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, args ...any) {
	l.z().Trace().Msgf(format, args...)
}

func (l *Logger) Debug(msg string) {
	l.z().Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.z().Debug().Msgf(format, args...)
}

func (l *Logger) Info(msg string) {
	l.z().Info().Msg(msg)
}

func (l *Logger) Infof(format string, args ...any) {
	l.z().Info().Msgf(format, args...)
}

func (l *Logger) Warn(msg string) {
	l.z().Warn().Msg(msg)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.z().Warn().Msgf(format, args...)
}

// Error logs msg at error level. err may be nil.
func (l *Logger) Error(err error, msg string) {
	l.z().Error().Err(err).Msg(msg)
}

// Errorf logs a formatted message at error level. err may be nil.
func (l *Logger) Errorf(err error, format string, args ...any) {
	l.z().Error().Err(err).Msgf(format, args...)
}
