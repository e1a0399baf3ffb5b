package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage release channels",
}

var (
	channelDefault bool
	rolloutPct     int
)

var createChannelCmd = &cobra.Command{
	Use:   "create [appId] [name]",
	Short: "Create a channel under an app",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ch map[string]any
		body := map[string]any{"name": args[1], "isDefault": channelDefault}
		if err := newAPIClient().do("POST", fmt.Sprintf("/v1/apps/%s/channels", args[0]), body, &ch); err != nil {
			return err
		}
		return printJSON(ch)
	},
}

var setRolloutCmd = &cobra.Command{
	Use:   "set-rollout [appId] [channelName]",
	Short: "Set a channel's rollout percentage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/v1/apps/%s/channels/%s/rollout", args[0], args[1])
		return newAPIClient().do("PUT", path, map[string]int{"percentage": rolloutPct}, nil)
	},
}

func init() {
	createChannelCmd.Flags().BoolVar(&channelDefault, "default", false, "mark as the app's default channel")
	setRolloutCmd.Flags().IntVar(&rolloutPct, "percentage", 100, "rollout percentage (0-100)")

	channelsCmd.AddCommand(createChannelCmd)
	channelsCmd.AddCommand(setRolloutCmd)
}
