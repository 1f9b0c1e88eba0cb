package main

import (
	"fmt"

	"github.com/Drustburn/bystronic-opc/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without connecting to any machine.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a configuration file without connecting to any machine.

This command parses the YAML, expands environment variables, validates all
fields and expands grids. It's useful for CI/CD pipelines or pre-deployment
checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  bystronic-monitor validate -c fleet.yaml`,
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

	// template execution errors only surface when grids are expanded
	machines, err := config.BuildMachines(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(machines))
	for _, m := range machines {
		if _, dup := seen[m.Name()]; dup {
			return fmt.Errorf("invalid config: duplicate machine name %q", m.Name())
		}
		seen[m.Name()] = struct{}{}
	}

	direct := len(cfg.Machines)
	fromGrids := len(machines) - direct

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:            %d\n", cfg.Port)
	fmt.Fprintf(out, "  Update interval: %s\n", cfg.UpdateInterval.Duration())
	fmt.Fprintf(out, "  Retry policy:    %d retries, %s..%s backoff\n",
		cfg.RetryLimit, cfg.BaseDelay.Duration(), cfg.MaxDelay.Duration())
	fmt.Fprintf(out, "  Machines:        %d direct + %d from grids = %d total\n",
		direct, fromGrids, len(machines))
	if cfg.Journal != "" {
		fmt.Fprintf(out, "  Journal:         %s\n", cfg.Journal)
	}

	return nil
}
