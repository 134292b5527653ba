// Package logging builds the process-wide zerolog logger, in the shape
// of the coursework microservice's setupLogger: JSON output by default,
// console-pretty when requested, level parsed from config with a safe
// fallback.
package logging

import (
	"os"

	"coordcore/internal/config"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger from cfg. An unparsable level falls back
// to info rather than failing process startup over a typo in a config
// file.
func New(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
