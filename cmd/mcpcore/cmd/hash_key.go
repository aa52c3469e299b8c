package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basilisk-labs/mcpcore/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a hash for an API key",
	Long: `Generate a SHA-256 hash of an API key for use in config.

The output format is "sha256:<hex>", which can be used directly in the
auth.api_keys.key_hash field.

Example:
  mcpcore hash-key "my-secret-api-key"
  # Output: sha256:7d5e8c...

Security note: the key will appear in shell history. Consider clearing
history after use, or pass it via an environment variable:
  mcpcore hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sha256:%s\n", auth.HashKey(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
