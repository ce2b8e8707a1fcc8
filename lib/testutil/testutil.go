package testutil

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"cardfetch/lib/telemetry"
)

// SetupTest installs in-memory telemetry and debug logging for the duration
// of a test, the returned function must be deferred.
func SetupTest(t testing.TB, name string) func() {
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
	cleanup := telemetry.SetupForTesting(t, fmt.Sprintf("test:%s", name))
	return func() {
		cleanup()
		slog.SetDefault(previous)
	}
}
