package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "bundlenudgectl",
	Short: "BundleNudge operator CLI",
	Long: `bundlenudgectl talks to a running bundlenudge-server's control-plane
API to manage apps, channels, releases and rollbacks.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "bundlenudge-server base URL")
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(releasesCmd)
}
