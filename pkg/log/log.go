package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components never log through
// it directly; they derive child loggers via the With* helpers so every
// line carries its component and entity fields.
var Logger zerolog.Logger

// Config holds logging configuration
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	// Unknown or empty values mean info.
	Level string

	// Debug forces debug level regardless of Level. Wired from the
	// MONITOR_DEBUG environment variable.
	Debug bool

	// JSONOutput emits raw JSON lines instead of console formatting.
	JSONOutput bool

	// Output defaults to stderr; stdout stays free for presenters.
	Output io.Writer
}

// Init initializes the root logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithServerID creates a child logger with server_id field
func WithServerID(serverID string) zerolog.Logger {
	return Logger.With().Str("server_id", serverID).Logger()
}

// WithSessionID creates a child logger with session_id field
func WithSessionID(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}
