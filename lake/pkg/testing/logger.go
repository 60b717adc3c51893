package laketesting

import (
	"log/slog"
	"os"
	"testing"

	"github.com/lmittmann/tint"
)

// NewLogger returns a logger for tests. Set DEBUG=1 to see debug output.
func NewLogger(t testing.TB) *slog.Logger {
	t.Helper()
	level := slog.LevelWarn
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, NoColor: true}))
}
