package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New creates a new slog.Logger instance that writes to os.Stdout.
// Debug mode uses a colorized console handler at debug level; production
// uses a JSON handler at info level.
func New(debug bool) *slog.Logger {
	return NewWithWriter(os.Stdout, debug)
}

// NewWithWriter creates a new slog.Logger instance with a specific writer.
func NewWithWriter(w io.Writer, debug bool) *slog.Logger {
	if debug {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level: slog.LevelDebug,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
