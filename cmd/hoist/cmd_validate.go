package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hoistsec/hoist/config"
)

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a policy configuration file",
	Long: `Parse and validate a Hoist policy configuration file without
starting the daemon. Checks market baselines, tenant and hook
overlays, and temporal rules.`,
	Example: `  hoist validate --config policies.yaml`,
	RunE:    runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateConfigPath, "config", "hoist.yaml", "Policy configuration file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(validateConfigPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	fmt.Printf("Config OK: %s\n", validateConfigPath)
	fmt.Printf("  version:        %s\n", cfg.Version)
	fmt.Printf("  markets:        %d\n", len(cfg.Markets))
	fmt.Printf("  tenants:        %d\n", len(cfg.Tenants))
	fmt.Printf("  hooks:          %d\n", len(cfg.Hooks))
	fmt.Printf("  temporal rules: %d\n", len(cfg.Temporal))
	return nil
}
