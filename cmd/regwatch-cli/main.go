package main

import (
	"context"

	"regwatch-backend/cmd/regwatch-cli/commands"
	"regwatch-backend/lib/telemetry"
)

func main() {
	telemetry.SetupFromEnv(context.Background(), "regwatch-cli")
	telemetry.InitSlog(true)
	commands.ExecuteContext(context.Background())
}
