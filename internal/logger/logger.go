package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func New() zerolog.Logger {
	return NewWithWriter(os.Stderr, os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
}

// NewWithWriter builds the process logger on top of w. An unknown or empty
// level falls back to info.
func NewWithWriter(w io.Writer, env, level string) zerolog.Logger {
	// For Google Cloud Logging, the level field name should be "severity".
	// This allows Cloud Logging to automatically parse the log level.
	zerolog.LevelFieldName = "severity"

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(w).With().Timestamp().Logger()

	// Use ConsoleWriter for local development for more readable logs.
	if env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}
