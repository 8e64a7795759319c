package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupLevel(t *testing.T) {
	lg := Setup(Config{Level: "debug"})
	if lg.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", lg.GetLevel())
	}

	lg = Setup(Config{Level: "bogus"})
	if lg.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", lg.GetLevel())
	}
}

func TestNewCarriesComponent(t *testing.T) {
	Setup(Config{Level: "info"})
	lg := New("aggregator")
	// Child loggers inherit the root level; component tagging must not
	// disable output.
	if lg.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level on child, got %s", lg.GetLevel())
	}
}
