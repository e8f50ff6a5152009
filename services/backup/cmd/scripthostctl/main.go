package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scripthostctl",
		Short:         "Operator utility for scripthost",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newBackupCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newStatsCommand())
	cmd.AddCommand(newEventsCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
