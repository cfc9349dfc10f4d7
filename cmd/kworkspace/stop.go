package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStopCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop your workspace",
		Long: "Stop your workspace pod. The home volume is kept; the next start\n" +
			"brings the workspace back with your data in place.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.newAPIClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Stopping workspace...")
			if _, err := client.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(out, "Workspace stopped. Your home volume is kept.")
			fmt.Fprintln(out, "Run `kworkspace start` to bring it back.")
			return nil
		},
	}
}
