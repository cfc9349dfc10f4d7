// kworkspace is the command line client for the kube-workspace operator.
// It starts, stops and connects to the caller's personal workspace pod.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
