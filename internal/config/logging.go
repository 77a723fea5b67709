package config

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It stays silent until InitLogger runs.
var Logger = zerolog.Nop()

// InitLogger points Logger at a human-readable console writer on out.
// An unknown level falls back to info.
func InitLogger(out io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	return Logger
}
