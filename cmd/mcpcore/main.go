// Command mcpcore is a standalone Model Context Protocol server runtime.
package main

import "github.com/basilisk-labs/mcpcore/cmd/mcpcore/cmd"

func main() {
	cmd.Execute()
}
