package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage apps",
}

var createAppCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Register a new app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var app map[string]any
		if err := newAPIClient().do("POST", "/v1/apps", map[string]string{"name": args[0]}, &app); err != nil {
			return err
		}
		return printJSON(app)
	},
}

func init() {
	appsCmd.AddCommand(createAppCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
