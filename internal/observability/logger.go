// Package observability provides logging, metrics, and tracing.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/xqueue-grader/internal/config"
)

// SetupLogger configures a slog logger with service/env fields. The
// LOGGING section of the document selects level and encoding; JSON is the
// default encoding outside dev.
func SetupLogger(amb config.Ambient, lc config.LoggingConfig) *slog.Logger {
	return SetupLoggerTo(os.Stdout, amb, lc)
}

// SetupLoggerTo is SetupLogger with an explicit sink. The grading child
// logs to stderr because its stdout carries the reply frame.
func SetupLoggerTo(w io.Writer, amb config.Ambient, lc config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(amb, lc.Level)}

	var h slog.Handler
	if strings.EqualFold(lc.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(
		slog.String("service", amb.OTELServiceName),
		slog.String("env", amb.AppEnv),
	)
}

func parseLevel(amb config.Ambient, level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	}
	// In dev, show debug level; in prod, default to info.
	if amb.IsDev() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
