package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "casd",
		Short: "Channel Access server for in-memory process variables",
		Long: `casd hosts process variables in memory and serves them to EPICS
Channel Access clients.

PVs are declared on the command line, answer name searches over UDP and
accept reads, writes and subscriptions over TCP. An optional HTTP admin
listener exposes Prometheus metrics, a health check and the client list.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
