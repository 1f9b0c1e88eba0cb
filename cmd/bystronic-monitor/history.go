package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	bystronic "github.com/Drustburn/bystronic-opc"
	"github.com/Drustburn/bystronic-opc/config"
	"github.com/spf13/cobra"
)

// historyCmd prints one page of a machine's run history.
var historyCmd = &cobra.Command{
	Use:   "history <machine>",
	Short: "Print a page of a machine's run history",
	Long: `Connect to one machine and print a page of its cutting run history.

The time range defaults to the last 24 hours. Times are RFC 3339.

Example:
  bystronic-monitor history Machine_1 -c fleet.yaml
  bystronic-monitor history Machine_1 -c fleet.yaml --from 2024-05-01T00:00:00Z --page 2`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	historyCmd.Flags().String("from", "", "start of the range (RFC 3339, default 24h before --to)")
	historyCmd.Flags().String("to", "", "end of the range (RFC 3339, default now)")
	historyCmd.Flags().Int("page", 1, "page number, starting at 1")
	historyCmd.Flags().Int("page-size", 50, "records per page")
	historyCmd.Flags().Bool("json", false, "print the page as JSON")
	historyCmd.Flags().Duration("wait", 15*time.Second, "how long to wait for the machine to connect")
	_ = historyCmd.MarkFlagRequired("config")
}

func runHistory(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	from, to, err := historyRange(cmd)
	if err != nil {
		return err
	}
	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	machines, err := config.BuildMachines(cfg)
	if err != nil {
		return fmt.Errorf("failed to build machines: %w", err)
	}

	var target []bystronic.Machine
	for _, m := range machines {
		if m.Name() == name {
			target = append(target, m)
			break
		}
	}
	if len(target) == 0 {
		return fmt.Errorf("%w: %q", bystronic.ErrUnknownMachine, name)
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fm, err := startOneShot(ctx, cfg, target, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := fm.Stop(); err != nil {
			logger.Warn("one-shot shutdown", "error", err.Error())
		}
	}()

	wait, _ := cmd.Flags().GetDuration("wait")
	if err := awaitSettled(ctx, fm, []string{name}, wait); err != nil {
		return err
	}

	result, err := fm.QueryHistory(ctx, name, from, to, page, pageSize)
	if err != nil {
		if errors.Is(err, bystronic.ErrNotConnected) {
			snap, _ := fm.Status(name)
			return fmt.Errorf("%s is not connected (%s): %w", name, snap.LastError, err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintln(out, historyTable(result.Records))
	more := ""
	if result.HasMore {
		more = fmt.Sprintf(", next: --page %d", result.Page+1)
	}
	fmt.Fprintf(out, "page %d, %d records%s\n", result.Page, len(result.Records), more)
	return nil
}

// historyRange parses --from and --to, defaulting to the last 24 hours.
func historyRange(cmd *cobra.Command) (time.Time, time.Time, error) {
	rawFrom, _ := cmd.Flags().GetString("from")
	rawTo, _ := cmd.Flags().GetString("to")

	to := time.Now()
	if rawTo != "" {
		t, err := time.Parse(time.RFC3339, rawTo)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if rawFrom != "" {
		t, err := time.Parse(time.RFC3339, rawFrom)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = t
	}
	return from, to, nil
}

func historyTable(records []bystronic.RunRecord) string {
	headers := []string{"RUN", "JOB", "START", "END", "CUT", "STOP", "WAIT"}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.RunGUID.String()[:8],
			r.JobGUID.String()[:8],
			formatTime(r.CutStartTime),
			formatTime(r.CutEndTime),
			formatSeconds(r.ActualCutTime),
			formatSeconds(r.ActualStopTime),
			formatSeconds(r.ActualWaitTime),
		})
	}
	return renderTable(headers, rows)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}
