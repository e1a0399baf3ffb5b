// Command bundlenudge-server runs the C9 control-plane HTTP API.
package main

import "bundlenudge.sh/cmd/bundlenudge-server/cmd"

func main() {
	cmd.Execute()
}
