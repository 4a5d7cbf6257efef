// Package main implements the deeprun CLI: the process that creates,
// resumes, and executes runs against the Run Lifecycle Engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var dsn string

	rootCmd := &cobra.Command{
		Use:     "deeprun",
		Short:   "Run lifecycle engine CLI",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DEEPRUN_DSN"), "Postgres connection string (default: $DEEPRUN_DSN)")

	rootCmd.AddCommand(newRunCmd(&dsn))
	rootCmd.AddCommand(newWorkerCmd(&dsn))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}
