package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/platinummonkey/shopkeep/pkg/cli"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

func main() {
	logger := observability.NewLogger(observability.ParseLogLevel(os.Getenv("SHOPKEEP_LOG_LEVEL")), os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCommand(cli.DefaultEnv(logger))
	if err := rootCmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
