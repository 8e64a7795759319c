// Package logger configures zerolog for the engine. Every component gets a
// child logger tagged with its name so a single stream stays filterable.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger. Level is one of debug/info/warn/error,
// Format is "json" or "console".
type Config struct {
	Level  string
	Format string
}

var root zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Setup builds the root logger. Invalid levels fall back to info rather than
// failing startup.
func Setup(cfg Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}

	root = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return root
}

// New returns a component-scoped child of the root logger.
func New(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// Nop returns a disabled logger for tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
