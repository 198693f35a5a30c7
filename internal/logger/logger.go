package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/config"
)

func New(cfg config.LogConfig) zerolog.Logger {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Str("service", "rescue-dispatch").Logger().Level(level)
}
