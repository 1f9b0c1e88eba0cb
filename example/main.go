package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bystronic "github.com/Drustburn/bystronic-opc"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// grid API: 2 halls × 2 cells = 4 simulated cutters from one declaration
	machines, err := bystronic.NewMachineGrid("Cutter",
		bystronic.WithAddressTemplate("sim://hall-{{.hall}}-cell-{{.cell}}"),
		bystronic.WithDimensions(map[string][]string{
			"hall": {"a", "b"},
			"cell": {"1", "2"},
		}),
		bystronic.WithGridLabels("plant", "demo"),
	)
	if err != nil {
		logger.Error("failed to create machine grid", "error", err)
		os.Exit(1)
	}

	// nothing listens here, so this machine shows the reconnect backoff and
	// eventually gives up; restart it from the dashboard
	offline, err := bystronic.NewMachine("Offline", "opc.tcp://127.0.0.1:4841",
		bystronic.WithTimeout(2*time.Second),
		bystronic.WithBackoff(time.Second, 8*time.Second),
		bystronic.WithLabels("plant", "demo"),
	)
	if err != nil {
		logger.Error("failed to create machine", "error", err)
		os.Exit(1)
	}
	machines = append(machines, offline)

	fm, err := bystronic.New(
		bystronic.WithMachines(machines...),
		bystronic.WithUpdateInterval(2*time.Second),
		bystronic.WithJournal(":memory:"),
		bystronic.WithTitle("Bystronic Demo Fleet"),
		bystronic.WithPort(8080),
		bystronic.WithLogger(logger),
		bystronic.WithStatusCallback(func(s bystronic.StatusSnapshot) {
			if s.Terminal {
				logger.Warn("machine needs attention", "machine", s.Machine, "error", s.LastError)
			}
		}),
	)
	if err != nil {
		logger.Error("failed to create fleet monitor", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  Bystronic fleet demo")
	fmt.Println()
	fmt.Println("  Open http://localhost:8080 in your browser")
	fmt.Println("  API:  http://localhost:8080/api/machines")
	fmt.Println()
	fmt.Println("  Machines:")
	fmt.Println("  • 4 simulated cutters (2 halls × 2 cells via grid)")
	fmt.Println("  • 1 unreachable OPC UA machine")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fm.Run(ctx); err != nil {
		logger.Error("fleet monitor error", "error", err)
		os.Exit(1)
	}
}
