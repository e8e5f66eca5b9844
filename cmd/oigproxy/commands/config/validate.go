package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/oig-proxy/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Load and validate an oigproxy configuration file, reporting every
failing field.

Examples:
  # Validate the default config
  oigproxy config validate

  # Validate a specific file
  oigproxy config validate --config /etc/oigproxy/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Println("Configuration is valid")
	return nil
}
