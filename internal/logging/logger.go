// Package logging builds the service's structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for the given APP_ENV.  Development gets
// debug level and a human-readable console writer; everything else logs
// JSON at info level.
func New(appEnv string) zerolog.Logger {
	return NewWithWriter(appEnv, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(appEnv string, w io.Writer) zerolog.Logger {
	dev := appEnv == "development" || appEnv == "dev"
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "ticket-documents").
		Logger()
}
