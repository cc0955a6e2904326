package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates the process logger: JSON at Info level in
// production, human-readable text at Debug level otherwise. Output goes
// to stderr; stdout belongs to the conversation console, and the two
// must not interleave.
func NewLogger(env string) *slog.Logger {
	return New(os.Stderr, env)
}

// New creates a logger writing to w. Split out so tests can capture
// output.
func New(w io.Writer, env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
