package main

import (
	"fmt"
	"io"

	"github.com/refaktory/kube-workspace/internal/api"
)

// printStatus renders a workspace status for humans.
func printStatus(w io.Writer, status api.WorkspaceStatus) {
	fmt.Fprintf(w, "Workspace for %s: %s\n", status.Username, status.Phase)

	if status.Info != nil {
		fmt.Fprintf(w, "  image: %s\n", status.Info.Image)
		if status.Info.CPULimit != "" {
			fmt.Fprintf(w, "  cpu limit: %s\n", status.Info.CPULimit)
		}
		if status.Info.MemoryLimit != "" {
			fmt.Fprintf(w, "  memory limit: %s\n", status.Info.MemoryLimit)
		}
	}
	if status.TemplateDrift {
		fmt.Fprintln(w, "  note: the workspace template changed; stop and start to pick it up")
	}
	if status.SSH != nil {
		fmt.Fprintf(w, "\nConnect via: ssh -p %d %s@%s\n",
			status.SSH.Port, status.Username, status.SSH.Host)
	}
}
