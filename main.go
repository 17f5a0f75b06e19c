package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev" // set at build time with -ldflags "-X main.version=..."

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portknox",
		Short:        "SSH port relays and HTTP health monitoring with email alarms",
		Long:         rootLong,
		SilenceUsage: true,
		Version:      version,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newVersionCmd())
	return root
}

const rootLong = `PortKnox binds ports on SSH gateway hosts and relays every connection they
receive to a destination reachable from the gateway. It also probes HTTP
endpoints on a schedule and sends email when one goes down or recovers.

Without a subcommand it runs the server (same as "portknox serve").
Configuration is read from PORTKNOX_* environment variables.`

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portknox %s\n", version)
		},
	}
}
