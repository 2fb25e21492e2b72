// Package logger provides structured logging for searchsync.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with searchsync-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// New creates a structured logger.
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "searchsync").
		Logger()
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.zlog
}

// Component returns a sub-logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Zerolog().With().Str("component", name).Logger()
}

// LogRunFinished logs the end of a reindex or rebuild run with its failed ids.
func (l *Logger) LogRunFinished(kind, runID string, indexed int64, failed map[string]string, duration time.Duration) {
	event := l.zlog.Info()
	if len(failed) > 0 {
		event = l.zlog.Warn().Interface("failed_ids", failed)
	}
	event.
		Str("event", "run_finished").
		Str("kind", kind).
		Str("run_id", runID).
		Int64("indexed", indexed).
		Int("failed", len(failed)).
		Dur("duration_ms", duration).
		Msg("run completed")
}

// LogServerStart logs HTTP service startup.
func (l *Logger) LogServerStart(addr string, groups []string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("addr", addr).
		Strs("index_groups", groups).
		Msg("searchsync server starting")
}

// LogServerShutdown logs HTTP service shutdown.
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("searchsync server shutting down")
}

// InstallGlobal makes l the process default logger used by zerolog/log.
func InstallGlobal(l *Logger) {
	log.Logger = l.Zerolog()
}
