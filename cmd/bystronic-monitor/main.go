// Package main is the entry point for the bystronic-monitor CLI.
//
// The monitor can be used either as a library (SDK) or as a standalone
// binary with YAML configuration. This CLI provides the standalone binary.
//
// Usage:
//
//	bystronic-monitor serve -c fleet.yaml              # Monitor and serve the dashboard
//	bystronic-monitor validate -c fleet.yaml           # Validate configuration
//	bystronic-monitor status -c fleet.yaml             # One-shot connection check
//	bystronic-monitor history Machine_1 -c fleet.yaml  # Paged run history
//	bystronic-monitor version                          # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "bystronic-monitor",
	Short: "Connection and status monitor for a fleet of Bystronic laser cutters",
	Long: `bystronic-monitor keeps a session open to every configured laser cutter,
refreshes its current job and laser parameters on a fixed interval, and
reconnects with exponential backoff when a machine drops off the network.

Quick start:
  1. Create a config file (fleet.yaml)
  2. Run: bystronic-monitor serve -c fleet.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  update_interval: 30s
  machines:
    - name: Machine_1
      address: opc.tcp://192.168.1.100:56000
    - name: Machine_2
      address: modbus://192.168.1.101:502?unit=1`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this bystronic-monitor binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "bystronic-monitor %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

// newLogger creates a JSON logger on stderr at the level selected by
// --log-level.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", raw, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}
