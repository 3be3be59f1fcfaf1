package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/streamgauge/config"
)

// validateCmd validates a config file without starting the tracker.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a StreamGauge configuration file without starting the tracker.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  streamgauge validate -c config.yaml
  streamgauge validate --config /etc/streamgauge/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	withThresholds := 0
	for _, s := range cfg.Sites {
		if s.Thresholds != nil {
			withThresholds++
		}
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:       %d\n", cfg.Port)
	fmt.Printf("  State file: %s\n", cfg.StateFile)
	fmt.Printf("  Backend:    %s\n", cfg.Backend)
	fmt.Printf("  Sites:      %d (%d with flood thresholds)\n", len(cfg.Sites), withThresholds)

	return nil
}
