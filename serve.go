package bystronic

import (
	"context"
	"fmt"

	"github.com/Drustburn/bystronic-opc/dashboard"
	"github.com/Drustburn/bystronic-opc/internal/server"
)

// Serve starts the HTTP API and dashboard on port and returns once the
// server is listening. The server shuts down gracefully when ctx is
// cancelled; the returned channel is closed when it has.
//
// Serve does not start monitoring; see [FleetMonitor.Start] and
// [FleetMonitor.Run].
func (fm *FleetMonitor) Serve(ctx context.Context, port int) (<-chan struct{}, error) {
	srv := server.NewServer(fm, port, dashboard.Assets, fm.title, fm.logger)
	done, err := srv.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP server: %w", err)
	}
	fm.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", port))
	return done, nil
}

// Run starts monitoring and serves the dashboard on the configured port.
//
// Run is a blocking call that runs until the provided context is cancelled.
// For signal handling, use [signal.NotifyContext]:
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//	if err := fm.Run(ctx); err != nil {
//	    ...
//	}
//
// Returns the result of [FleetMonitor.Stop] on shutdown, or an error if the
// HTTP server fails to start.
func (fm *FleetMonitor) Run(ctx context.Context) error {
	// check if context already cancelled
	if ctx.Err() != nil {
		return fm.Stop()
	}

	if err := fm.Start(ctx); err != nil {
		return err
	}

	done, err := fm.Serve(ctx, fm.port)
	if err != nil {
		if stopErr := fm.Stop(); stopErr != nil {
			fm.logger.Error("failed to stop fleet monitor", "error", stopErr.Error())
		}
		return err
	}

	<-ctx.Done()
	<-done
	return fm.Stop()
}
