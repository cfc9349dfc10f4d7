package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/refaktory/kube-workspace/internal/api"
)

func newStartCmd(flags *rootFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start your workspace",
		Long: "Start your workspace pod. The first start provisions a home volume\n" +
			"that survives later stops, so your data is kept across sessions.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.newAPIClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Starting workspace...")
			status, err := client.Start(cmd.Context())
			if err != nil {
				return err
			}

			if status.Phase != api.PhaseRunning || status.SSH == nil {
				fmt.Fprintln(out, "Waiting for the workspace to become reachable...")
				waitCtx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				status, err = client.WaitRunning(waitCtx)
				if err != nil {
					return err
				}
			}

			fmt.Fprintln(out, "Workspace is ready.")
			printStatus(out, status)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute,
		"How long to wait for the workspace to become reachable.")
	return cmd
}
