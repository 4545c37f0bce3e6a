package verdant

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// newLogger builds the database logger from configuration. Output is JSON
// to stdout by default; Console switches to human-readable output and
// Disabled returns a no-op logger.
func newLogger(cfg LoggingConfig) zerolog.Logger {
	if cfg.Disabled {
		return zerolog.Nop()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Console {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// componentLogger returns a child logger tagged with a component field.
func componentLogger(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
