// Package logger builds the zerolog loggers used by the command line tools.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr at the named level. Output is
// human readable unless json is set.
func New(level string, json bool) (zerolog.Logger, error) {
	var w io.Writer = os.Stderr
	if !json {
		w = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	}
	return NewWithWriter(w, level)
}

// NewWithWriter returns a timestamped logger on w.
func NewWithWriter(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}

// ParseLevel maps a level name to a zerolog level. An empty name is info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "":
		return zerolog.InfoLevel, nil
	case "debug", "info", "warn", "error":
		return zerolog.ParseLevel(level)
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", level)
	}
}
