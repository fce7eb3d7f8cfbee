package main

import (
	"log/slog"
	"os"

	"github.com/aeg-devices/loki-update/cmd/loki-update/commands"
)

func main() {
	// Replaced once the configuration is loaded
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
