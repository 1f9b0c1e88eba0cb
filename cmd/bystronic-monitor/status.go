package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	bystronic "github.com/Drustburn/bystronic-opc"
	"github.com/Drustburn/bystronic-opc/config"
	"github.com/spf13/cobra"
)

// statusCmd connects to every machine once and prints what it found.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check every machine once and print its status",
	Long: `Connect to every configured machine in parallel, wait for the first
refresh to finish, and print one row per machine.

Machines that have not answered within --wait are shown in the state they
reached. The journal is never written by this command.

Example:
  bystronic-monitor status -c fleet.yaml
  bystronic-monitor status -c fleet.yaml --json --wait 30s`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	statusCmd.Flags().Bool("json", false, "print snapshots as JSON")
	statusCmd.Flags().Duration("wait", 15*time.Second, "how long to wait for machines to answer")
	_ = statusCmd.MarkFlagRequired("config")
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	machines, err := config.BuildMachines(cfg)
	if err != nil {
		return fmt.Errorf("failed to build machines: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fm, err := startOneShot(ctx, cfg, machines, logger)
	if err != nil {
		return err
	}

	wait, _ := cmd.Flags().GetDuration("wait")
	waitErr := awaitSettled(ctx, fm, machineNames(machines), wait)
	snaps := fm.StatusAll()
	if err := fm.Stop(); err != nil {
		logger.Warn("one-shot shutdown", "error", err.Error())
	}
	if waitErr != nil {
		return waitErr
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	fmt.Fprintln(out, statusTable(snaps))
	connected := 0
	for _, s := range snaps {
		if s.State == bystronic.StateConnected {
			connected++
		}
	}
	fmt.Fprintf(out, "%d of %d machines connected\n", connected, len(snaps))
	return nil
}

// statusTable renders one row per snapshot.
func statusTable(snaps []bystronic.StatusSnapshot) string {
	headers := []string{"MACHINE", "ADDRESS", "STATE", "JOB", "POWER", "GAS", "ERROR"}
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		job, power, gas := "-", "-", "-"
		if s.CurrentJob != nil {
			job = s.CurrentJob.Name
		}
		if s.Laser != nil {
			power = strconv.FormatFloat(s.Laser.CurrentLaserPower, 'f', 0, 64) + " W"
			gas = fmt.Sprintf("ch%d %.1f bar", s.Laser.GasChannel, s.Laser.GasPressure)
		}
		rows = append(rows, []string{
			s.Machine,
			s.Address,
			stateText(s),
			job,
			power,
			gas,
			s.LastError,
		})
	}
	return renderTable(headers, rows)
}

// cmdContext returns the command context, or Background when the command
// was executed without one.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
