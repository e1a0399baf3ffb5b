// Command bundlenudgectl is the operator CLI for the BundleNudge control
// plane: app/channel/release management and manual rollback against a
// running bundlenudge-server.
package main

import "bundlenudge.sh/cmd/bundlenudgectl/cmd"

func main() {
	cmd.Execute()
}
