package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basilisk-labs/mcpcore/internal/config"
)

var configPrintCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Loads configuration from file, environment, and defaults exactly as
"mcpcore run" would, then prints the resolved Config as YAML. Useful for
confirming what a deployment will actually see before starting it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.SetDevDefaults()
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configPrintCmd)
}
