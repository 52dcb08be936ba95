// Package logging configures log/slog for the diagnostics ets writes about
// itself.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvLogLevel overrides the level of the default logger, see ParseLevel.
const EnvLogLevel = "ETS_LOG_LEVEL"

// Profile selects the default level.
type Profile int

const (
	ProfileRuntime Profile = iota // warnings and errors
	ProfileTest                   // everything down to debug
)

// LevelOff is above every level slog emits.
const LevelOff = slog.Level(100)

var configureOnce sync.Once

// ConfigureRuntime sets up logging for the ets binary.
func ConfigureRuntime() {
	Configure(ProfileRuntime, os.Stderr)
}

// ConfigureTests sets up logging for a test binary, from TestMain.
func ConfigureTests() {
	Configure(ProfileTest, os.Stderr)
}

// Configure installs the default slog logger once per process. Diagnostics go
// to w as plain text without a time attribute, so they never look like
// timestamped child output.
func Configure(profile Profile, w io.Writer) {
	configureOnce.Do(func() {
		slog.SetDefault(New(profile, w))
	})
}

// New builds a logger for profile, honoring ETS_LOG_LEVEL.
func New(profile Profile, w io.Writer) *slog.Logger {
	level := defaultLevel(profile)
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: dropTime,
	}))
}

func defaultLevel(profile Profile) slog.Level {
	if profile == ProfileTest {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ParseLevel maps a level name to a slog level. The second result is false for
// empty or unknown names.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "off", "none", "disabled":
		return LevelOff, true
	default:
		return slog.LevelWarn, false
	}
}
