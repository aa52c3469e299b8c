// Package cmd provides the CLI commands for mcpcore.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/basilisk-labs/mcpcore/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpcore",
	Short: "mcpcore - a standalone Model Context Protocol server",
	Long: `mcpcore is a standalone Model Context Protocol (MCP) server runtime.

It implements the full JSON-RPC 2.0 handshake, session lifecycle, and
tools/resources/prompts registry described by the MCP specification, and
serves it over stdio, Streamable HTTP+SSE, WebSocket, or raw TCP/Unix
sockets, with pluggable authentication, RBAC policy, and rate limiting.

Quick start:
  1. Create a config file: mcpcore.yaml
  2. Run: mcpcore run

Configuration:
  Config is loaded from mcpcore.yaml in the current directory,
  $HOME/.mcpcore/, or /etc/mcpcore/.

  Environment variables can override scalar config values with the
  MCPCORE_ prefix, e.g. MCPCORE_TRANSPORTS_HTTP_ADDR=:9090.

Commands:
  run         Start the MCP server
  config      Print the effective configuration as YAML
  hash-key    Generate a hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpcore.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
