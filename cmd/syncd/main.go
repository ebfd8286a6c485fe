package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mhawila/openmrs-module-sync/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
