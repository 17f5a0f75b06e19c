package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/JinY0ung-Shin/PortKnox/internal/monitor"
)

var errUnhealthy = errors.New("endpoint is unhealthy")

func newCheckCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check URL",
		Short: "Probe one URL the way a monitor would and print the result",
		Long: `Sends a single GET to URL and prints the result as JSON. 2xx responses are
healthy. The command exits non-zero when the endpoint is unhealthy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := monitor.NewChecker().Check(cmd.Context(), args[0], timeout)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", monitor.DefaultTimeout, "probe timeout")
	return cmd
}
