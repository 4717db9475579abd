// Package logging builds the bridge's structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation shape of the legacy deployment: 1 MiB per file, ten backups.
const (
	logFileMaxSizeMB  = 1
	logFileMaxBackups = 10
)

// Config holds logger configuration.
type Config struct {
	Level  string // minimum log level: debug, info, warn, error
	Format string // json (machine ingestion) or pretty (local dev)
	File   string // optional rotating log file; empty logs to stdout only
}

// New creates a structured logger.
//
// JSON output by default, human-readable console output for the pretty
// format. When a file is configured the logger writes to both stdout and a
// size-rotated file.
func New(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
		}
		output = zerolog.MultiLevelWriter(output, rotated)
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "jupyter-bridge").
		Logger()
}
