package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys whose values are credentials and never reach the log.
var redactedKeys = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"credential":    {},
	"token":         {},
	"jwt-token":     {},
}

const redacted = "[REDACTED]"

// NewLogger builds the gateway logger. format is "json" (default) or "text".
// Output goes to w[0] when given, otherwise stderr.
func NewLogger(level, format string, w ...io.Writer) *slog.Logger {
	var writer io.Writer = os.Stderr
	if len(w) > 0 {
		writer = w[0]
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactCredentials,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler)
}

func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

func redactCredentials(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
