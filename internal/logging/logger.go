// Package logging provides the structured logger used across the service,
// wrapping zerolog behind the small interface the rest of the codebase calls
// against.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin, chainable wrapper around zerolog.Logger.
type Logger struct {
	z zerolog.Logger
}

// Config controls log output format and level.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	Output io.Writer
}

// New builds a Logger for the given component name.
func New(component string, cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	z := zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()
	return &Logger{z: z}
}

// NewDefault builds a Logger with sensible production defaults (json, info).
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info", Format: "json"})
}

func (l *Logger) Info(msg string) { l.z.Info().Msg(msg) }
func (l *Logger) Warn(msg string) { l.z.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.z.Error().Msg(msg) }
func (l *Logger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *Logger) Infof(format string, args ...any) { l.z.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any) { l.z.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.z.Error().Msgf(format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.z.Debug().Msgf(format, args...) }

// WithError returns a child logger carrying the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{z: l.z.With().Err(err).Logger()}
}

// WithField returns a child logger carrying a single extra field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{z: l.z.With().Interface(key, value).Logger()}
}

// WithFields returns a child logger carrying several extra fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{z: ctx.Logger()}
}
