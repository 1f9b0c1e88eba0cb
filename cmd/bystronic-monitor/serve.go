package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	bystronic "github.com/Drustburn/bystronic-opc"
	"github.com/Drustburn/bystronic-opc/config"
	"github.com/spf13/cobra"
)

// serveCmd monitors the fleet and serves the dashboard.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Monitor the fleet and serve the dashboard",
	Long: `Monitor every configured machine and serve the HTTP API and dashboard.

The server will:
  - Load configuration from the specified YAML file
  - Start one monitor loop per machine
  - Serve the dashboard UI and JSON API on the configured port

The server runs until interrupted (Ctrl+C) or receives SIGTERM. Monitor loops
that do not stop within shutdown_timeout are abandoned and reported.

Example:
  bystronic-monitor serve -c fleet.yaml
  bystronic-monitor serve --config /etc/bystronic/fleet.yaml --port 9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Int("port", 0, "override the configured HTTP port")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var extra []bystronic.Option
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		extra = append(extra, bystronic.WithPort(port))
	}

	opts, err := config.BuildOptions(cfg, logger, extra...)
	if err != nil {
		return fmt.Errorf("failed to build machines: %w", err)
	}

	fm, err := bystronic.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create fleet monitor: %w", err)
	}

	logger.Info("config loaded",
		"machines", len(fm.Machines()),
		"grids", len(cfg.Grids),
	)
	logger.Info("starting server",
		"port", fm.Port(),
		"update_interval", cfg.UpdateInterval.Duration().String(),
	)

	// cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fm.Run(ctx); err != nil {
		if errors.Is(err, bystronic.ErrShutdownTimeout) {
			logger.Warn("shutdown timed out", "error", err.Error())
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
