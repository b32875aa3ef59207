// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
)

// Format selects the output encoding for log lines.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls level and output format.
type Config struct {
	Level  string // debug, info, warning, error, critical
	Format Format
}

// New builds a zerolog.Logger per Config. Unknown levels fall back to info;
// unknown formats fall back to JSON.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	zerolog.SetGlobalLevel(levelFromString(cfg.Level))

	return zerolog.New(out).With().Timestamp().Logger()
}

// levelFromString maps the bridge's five-level vocabulary (debug / info /
// warning / error / critical) onto zerolog's levels. "critical" has no
// direct zerolog equivalent short of Panic/Fatal (which would exit the
// process) so it maps to Error; callers distinguish it with a
// .Str("severity", "critical") field where it matters.
func levelFromString(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// RecoverPanic is a goroutine-deferred helper: it logs a recovered panic's
// value and stack trace instead of letting it crash the process. A panic on
// any goroutine that doesn't call this takes down the whole bridge, unlike
// a background thread exception in the original Python service, so every
// goroutine the bridge spawns defers this immediately.
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "statsReporterLoop")
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("recovered panic in background goroutine")
	}
}
