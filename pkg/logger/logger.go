// Package logger wraps zerolog with the level, format and output knobs exposed in config.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog logger
type Logger struct {
	logger zerolog.Logger
}

// New creates a logger writing to output: "stdout", "stderr" or a file path.
func New(level, format, output string) *Logger {
	var writer io.Writer = os.Stdout
	switch output {
	case "", "stdout":
	case "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open log file")
		}
		writer = file
	}
	return NewWithWriter(level, format, writer)
}

// NewWithWriter creates a logger writing to w. format "console" or "text" is human readable, anything else is JSON.
func NewWithWriter(level, format string, w io.Writer) *Logger {
	if format == "console" || format == "text" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	// The level is per logger so tests and components never reconfigure each other.
	return &Logger{
		logger: zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Caller().Logger(),
	}
}

// parseLevel converts string level to zerolog.Level
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", name).Logger()}
}

// Level reports the minimum level this logger emits.
func (l *Logger) Level() zerolog.Level {
	return l.logger.GetLevel()
}

// Debug logs a debug message
func (l *Logger) Debug() *zerolog.Event {
	return l.logger.Debug()
}

// Info logs an info message
func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

// Warn logs a warning message
func (l *Logger) Warn() *zerolog.Event {
	return l.logger.Warn()
}

// Error logs an error message
func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal() *zerolog.Event {
	return l.logger.Fatal()
}

// Printf lets gorm and other printf-style loggers write through zerolog at info level.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.logger.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
