package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/refaktory/kube-workspace/internal/api"
)

func newConnectCmd(flags *rootFlags) *cobra.Command {
	var (
		wait     time.Duration
		forwards []string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Start your workspace if needed and open an SSH session",
		Long: "Ensure your workspace is running, then exec ssh into it.\n" +
			"Port forwards use the familiar ssh -L shape:\n\n" +
			"  kworkspace connect --forward 8080:80 --forward 5432:db:5432",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.newAPIClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

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

			args, err := sshCommandArgs(status, forwards)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Connecting: ssh %s\n", strings.Join(args, " "))

			ssh := exec.CommandContext(cmd.Context(), "ssh", args...)
			ssh.Stdin = os.Stdin
			ssh.Stdout = os.Stdout
			ssh.Stderr = os.Stderr
			return ssh.Run()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute,
		"How long to wait for the workspace to become reachable.")
	cmd.Flags().StringArrayVarP(&forwards, "forward", "L", nil,
		"Port forward as localPort[:remoteHost]:remotePort. Repeatable.")
	return cmd
}

// sshCommandArgs builds the argument list for the ssh invocation.
func sshCommandArgs(status api.WorkspaceStatus, forwards []string) ([]string, error) {
	if status.SSH == nil {
		return nil, fmt.Errorf("workspace has no SSH endpoint yet")
	}
	args := []string{"-p", strconv.Itoa(int(status.SSH.Port))}
	for _, f := range forwards {
		spec, err := parseForward(f)
		if err != nil {
			return nil, err
		}
		args = append(args, "-L", spec)
	}
	args = append(args, status.Username+"@"+status.SSH.Host)
	return args, nil
}

// parseForward normalizes a forward spec. Two forms are accepted:
//
//	localPort:remotePort            forwards to the workspace itself
//	localPort:remoteHost:remotePort forwards through the workspace
func parseForward(spec string) (string, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
		if err := validPorts(parts[0], parts[1]); err != nil {
			return "", fmt.Errorf("invalid forward %q: %w", spec, err)
		}
		return parts[0] + ":localhost:" + parts[1], nil
	case 3:
		if parts[1] == "" {
			return "", fmt.Errorf("invalid forward %q: empty remote host", spec)
		}
		if err := validPorts(parts[0], parts[2]); err != nil {
			return "", fmt.Errorf("invalid forward %q: %w", spec, err)
		}
		return spec, nil
	default:
		return "", fmt.Errorf("invalid forward %q: want localPort[:remoteHost]:remotePort", spec)
	}
}

func validPorts(ports ...string) error {
	for _, p := range ports {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("%q is not a valid port", p)
		}
	}
	return nil
}
