// Package bystronic monitors the connection state, current job and live laser
// parameters of a fleet of Bystronic laser-cutting machines.
//
// Each configured [Machine] gets its own monitor loop holding one session to
// the controller. The loop refreshes the machine's status on a fixed
// interval, reconnects with exponential backoff after a failure, and gives
// up once its retry limit is exhausted. The latest snapshot of every machine
// is kept in memory and can be read at any time, pushed to subscribers, or
// served over HTTP.
//
// # Quick Start
//
// Create machines and run the monitor with graceful shutdown:
//
//	m, _ := bystronic.NewMachine("Machine_1", "opc.tcp://192.168.1.100:56000")
//	fm, _ := bystronic.New(bystronic.WithMachine(m))
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	fm.Run(ctx) // monitors and serves the dashboard until ctx is cancelled
//
// Callers that do not want the HTTP server use [FleetMonitor.Start] and
// [FleetMonitor.Stop] directly and read snapshots with
// [FleetMonitor.Status], [FleetMonitor.StatusAll] or
// [FleetMonitor.Subscribe].
//
// # Configuration
//
// Fleet-wide defaults are set with options; machines may override them:
//
//	fm, err := bystronic.New(
//	    bystronic.WithMachines(m1, m2),
//	    bystronic.WithUpdateInterval(15 * time.Second),
//	    bystronic.WithRetryPolicy(5, 2*time.Second, 30*time.Second),
//	    bystronic.WithJournal("/var/lib/bystronic/journal.db"),
//	)
//
// Defaults follow the controller vendor's recommendations: a 30 second update
// interval, a 10 second request timeout, and 3 reconnect attempts spaced
// 10 to 60 seconds apart.
//
// # Protocols
//
// The address scheme selects the driver:
//
//   - opc.tcp:// connects to the controller's OPC UA server
//   - modbus:// reads the same values from a Modbus TCP gateway, e.g.
//     modbus://10.0.0.7:502?unit=1
//   - sim:// runs an in-process simulator, useful for demos and tests
//
// Other schemes can be served by registering a [Driver] with [WithDriver].
//
// # On-demand queries
//
// [FleetMonitor.QueryHistory], [FleetMonitor.JobInfo],
// [FleetMonitor.PlanInfo], [FleetMonitor.PartInfo] and
// [FleetMonitor.ScreenImage] go through the machine's monitor session. They fail fast with [ErrNotConnected] instead
// of dialling, and are paced per machine (see [WithQueryInterval]). A failed
// query never costs the monitor loop a retry attempt.
//
// # Architecture
//
//   - internal/session: one controller session, typed reads and method calls
//   - internal/monitor: the per-machine refresh and reconnect loop
//   - internal/store: in-memory snapshots with pub/sub for real-time updates
//   - internal/journal: SQLite log of connection-state transitions
//   - internal/transport: OPC UA, Modbus and simulator drivers
//   - internal/server: HTTP API with Server-Sent Events
//   - dashboard: embedded web UI assets
//
// The internal packages are not part of the public API and may change
// without notice.
package bystronic
