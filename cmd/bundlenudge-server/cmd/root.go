package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bundlenudge-server",
	Short: "BundleNudge control-plane server",
	Long: `bundlenudge-server runs the over-the-air bundle update control plane:
device registration, update resolution, release lifecycle management and
health-triggered automatic rollback.`,
	RunE: runServer,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
