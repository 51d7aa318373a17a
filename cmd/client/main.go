package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cmd "github.com/dkeye/peercall/cmd/client/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := cmd.RootCmd

	// errors are logged by the commands themselves
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
