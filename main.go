package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/slimml/slimml/cmd"
	"github.com/slimml/slimml/envconfig"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})))
	slog.Debug("environment", "config", envconfig.Values())

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
