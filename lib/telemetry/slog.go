package telemetry

import (
	"log/slog"
	"os"
)

func InitSlog(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

var setupTestEnvironments = map[string]bool{}

// sets up logging in a testing environment, ensuring that it isn't
// set up more than once. OTLP export is deliberately skipped: tests
// should not depend on a collector being reachable.
func SetupForTesting(serviceName string) func() {
	if setupTestEnvironments[serviceName] {
		return func() {}
	}
	setupTestEnvironments[serviceName] = true

	InitSlog(true)
	return func() {}
}
