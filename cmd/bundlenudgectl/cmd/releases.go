package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "Manage releases",
}

var (
	releaseChannel    string
	releaseBundleURL  string
	releaseBundleHash string
	releaseBundleSize int64
	releaseNotes      string
	rollbackReason    string
)

var createReleaseCmd = &cobra.Command{
	Use:   "create [appId] [bundleVersion]",
	Short: "Publish a new release (enters the pending state)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"channelName":   releaseChannel,
			"bundleVersion": args[1],
			"bundleUrl":     releaseBundleURL,
			"bundleHash":    releaseBundleHash,
			"bundleSize":    releaseBundleSize,
			"releaseNotes":  releaseNotes,
		}
		var rel map[string]any
		if err := newAPIClient().do("POST", fmt.Sprintf("/v1/apps/%s/releases", args[0]), body, &rel); err != nil {
			return err
		}
		return printJSON(rel)
	},
}

var rollbackReleaseCmd = &cobra.Command{
	Use:   "rollback [releaseId]",
	Short: "Manually roll back a release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/v1/releases/%s/rollback", args[0])
		return newAPIClient().do("POST", path, map[string]string{"reason": rollbackReason}, nil)
	},
}

func init() {
	createReleaseCmd.Flags().StringVar(&releaseChannel, "channel", "production", "target channel name")
	createReleaseCmd.Flags().StringVar(&releaseBundleURL, "bundle-url", "", "signed bundle download URL")
	createReleaseCmd.Flags().StringVar(&releaseBundleHash, "bundle-hash", "", "bundle content hash")
	createReleaseCmd.Flags().Int64Var(&releaseBundleSize, "bundle-size", 0, "bundle size in bytes")
	createReleaseCmd.Flags().StringVar(&releaseNotes, "notes", "", "release notes")
	rollbackReleaseCmd.Flags().StringVar(&rollbackReason, "reason", "manual rollback", "rollback reason")

	releasesCmd.AddCommand(createReleaseCmd)
	releasesCmd.AddCommand(rollbackReleaseCmd)
}
