package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bystronic "github.com/Drustburn/bystronic-opc"
	"github.com/Drustburn/bystronic-opc/config"
	"golang.org/x/sync/errgroup"
)

const settlePoll = 50 * time.Millisecond

// startOneShot starts a short-lived fleet for the given machines. The fleet
// never writes the journal, so it can run next to a serving monitor.
func startOneShot(ctx context.Context, cfg *config.Config, machines []bystronic.Machine, logger *slog.Logger) (*bystronic.FleetMonitor, error) {
	oneShotCfg := *cfg
	oneShotCfg.Journal = ""
	oneShotCfg.Machines = nil
	oneShotCfg.Grids = nil

	opts, err := config.BuildOptions(&oneShotCfg, logger, bystronic.WithMachines(machines...))
	if err != nil {
		return nil, err
	}
	fm, err := bystronic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create fleet monitor: %w", err)
	}
	if err := fm.Start(ctx); err != nil {
		return nil, err
	}
	return fm, nil
}

// awaitSettled waits until every named machine has completed its first
// connect attempt, one goroutine per machine. It returns nil when the wait
// deadline passes; machines still pending are reported as they are.
func awaitSettled(ctx context.Context, fm *bystronic.FleetMonitor, names []string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			ticker := time.NewTicker(settlePoll)
			defer ticker.Stop()
			for {
				snap, err := fm.Status(name)
				if err != nil {
					return err
				}
				if snap.State == bystronic.StateConnected || snap.State == bystronic.StateFailed {
					return nil
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
				}
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func machineNames(machines []bystronic.Machine) []string {
	names := make([]string, len(machines))
	for i, m := range machines {
		names[i] = m.Name()
	}
	return names
}
