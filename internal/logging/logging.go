// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger output.
type Options struct {
	Level   string // debug, info, warn, error
	Console bool   // human-readable output instead of JSON
	File    string // optional rotating file sink
	MaxSize int    // megabytes before rotation
	MaxAge  int    // days to keep rotated files
}

// New builds a logger from opts and installs it as the global logger.
func New(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
	}
	if opts.File != "" {
		maxSize := opts.MaxSize
		if maxSize <= 0 {
			maxSize = 100
		}
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  maxSize,
			MaxAge:   opts.MaxAge,
			Compress: true,
		})
	}

	logger := zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "vault-ledger").
		Logger()
	log.Logger = logger
	return logger
}

// Component returns a child of the global logger tagged with component.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
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
