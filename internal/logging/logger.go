package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/config"
)

// NewLogger creates a structured zerolog.Logger with host context fields
// from the config. Logs go to stderr; stdout carries command output.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stderr, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp().Str("service", "snapbackup")

	if cfg.Hostname != "" {
		ctx = ctx.Str("hostname", cfg.Hostname)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
