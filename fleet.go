package bystronic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Drustburn/bystronic-opc/internal/journal"
	"github.com/Drustburn/bystronic-opc/internal/model"
	"github.com/Drustburn/bystronic-opc/internal/monitor"
	"github.com/Drustburn/bystronic-opc/internal/session"
	"github.com/Drustburn/bystronic-opc/internal/store"
)

const (
	defaultTitle           = "Bystronic Fleet"
	defaultUpdateInterval  = 30 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultRetryLimit      = 3
	defaultBaseDelay       = 10 * time.Second
	defaultMaxDelay        = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultQueryInterval   = 500 * time.Millisecond
	defaultPort            = 8080
)

// FleetMonitor watches a set of machines and keeps the latest
// [StatusSnapshot] of each.
//
// Every machine gets its own session and monitor loop. Loops refresh the
// current job and laser parameters at the machine's update interval and
// reconnect with exponential backoff after failures, giving up once the
// retry limit is exhausted. A failing machine never affects the others.
//
// The typical lifecycle is:
//
//	fm, err := bystronic.New(bystronic.WithMachine(m))
//	if err != nil {
//	    slog.Error("failed to create fleet monitor", "error", err)
//	    os.Exit(1)
//	}
//
//	if err := fm.Start(ctx); err != nil {
//	    ...
//	}
//	defer fm.Stop()
//
// All methods are safe for concurrent use.
type FleetMonitor struct {
	title           string
	port            int
	machines        []Machine
	index           map[string]int
	sessions        map[string]*session.Session
	limiters        map[string]*rate.Limiter
	shutdownTimeout time.Duration
	logger          *slog.Logger
	statusCallbacks []func(StatusSnapshot)
	store           *store.MemoryStore
	journal         *journal.Journal

	// sleep overrides the loops' timer-based wait in tests.
	sleep monitor.SleepFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	loops    map[string]*monitor.Loop
	sub      <-chan model.Snapshot
	consumed chan struct{}
}

// New creates a [FleetMonitor] with the given options.
//
// At least one machine must be configured via [WithMachine] or
// [WithMachines]. Other options have sensible defaults:
//   - Update interval: 30 seconds
//   - Request timeout: 10 seconds
//   - Retry limit: 3, backoff 10 seconds doubling up to 60 seconds
//   - Shutdown timeout: 10 seconds
//   - Port: 8080
//
// Machine settings left unset inherit the fleet defaults.
//
// Every returned error is of kind [ErrConfiguration], except a failure to
// open the journal.
func New(opts ...Option) (*FleetMonitor, error) {
	cfg := &fleetConfig{
		title:           defaultTitle,
		updateInterval:  defaultUpdateInterval,
		requestTimeout:  defaultRequestTimeout,
		retryLimit:      defaultRetryLimit,
		baseDelay:       defaultBaseDelay,
		maxDelay:        defaultMaxDelay,
		shutdownTimeout: defaultShutdownTimeout,
		queryInterval:   defaultQueryInterval,
		port:            defaultPort,
		drivers:         defaultDrivers(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, configError("%v", err)
		}
	}

	if len(cfg.machines) == 0 {
		return nil, configError("at least one machine is required")
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	fm := &FleetMonitor{
		title:           cfg.title,
		port:            cfg.port,
		machines:        make([]Machine, 0, len(cfg.machines)),
		index:           make(map[string]int, len(cfg.machines)),
		sessions:        make(map[string]*session.Session, len(cfg.machines)),
		limiters:        make(map[string]*rate.Limiter, len(cfg.machines)),
		shutdownTimeout: cfg.shutdownTimeout,
		logger:          logger,
		statusCallbacks: cfg.statusCallbacks,
		store:           store.NewMemoryStore(),
		loops:           make(map[string]*monitor.Loop, len(cfg.machines)),
	}

	for _, m := range cfg.machines {
		if m.name == "" {
			return nil, configError("machine name cannot be empty")
		}
		if _, dup := fm.index[m.name]; dup {
			return nil, configError("duplicate machine name: %q", m.name)
		}

		m = resolveMachine(m, cfg)
		if err := policyFor(m).Validate(); err != nil {
			return nil, configError("machine %q: %v", m.name, err)
		}
		if m.timeout <= 0 {
			return nil, configError("machine %q: timeout must be positive", m.name)
		}

		driver, ok := cfg.drivers[m.scheme]
		if !ok {
			return nil, configError("machine %q: no driver for scheme %q", m.name, m.scheme)
		}

		fm.index[m.name] = len(fm.machines)
		fm.machines = append(fm.machines, m)
		fm.sessions[m.name] = session.New(session.Config{
			Machine: m.name,
			Address: m.address,
			Timeout: m.timeout,
			Driver:  driver,
			Tracer:  cfg.tracer,
			Logger:  logger.With("machine", m.name),
		})
		fm.limiters[m.name] = newQueryLimiter(cfg.queryInterval)
	}

	if cfg.journalPath != "" {
		j, err := journal.Open(cfg.journalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		fm.journal = j
	}

	return fm, nil
}

// resolveMachine fills unset machine settings from the fleet defaults.
func resolveMachine(m Machine, cfg *fleetConfig) Machine {
	if m.timeout == 0 {
		m.timeout = cfg.requestTimeout
	}
	if m.interval == 0 {
		m.interval = cfg.updateInterval
	}
	if m.retryLimit == 0 {
		m.retryLimit = cfg.retryLimit
	}
	if m.baseDelay == 0 && m.maxDelay == 0 {
		m.baseDelay = cfg.baseDelay
		m.maxDelay = cfg.maxDelay
	}
	m.labels = copyMap(m.labels)
	return m
}

func policyFor(m Machine) monitor.Policy {
	return monitor.Policy{
		Interval:   m.interval,
		BaseDelay:  m.baseDelay,
		MaxDelay:   m.maxDelay,
		RetryLimit: m.retryLimit,
	}
}

func newQueryLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Start launches one monitor loop per machine and returns immediately.
//
// Cancelling ctx stops the loops, but only [FleetMonitor.Stop] waits for
// them and releases the journal. Calling Start again is a no-op; calling it
// after Stop returns an error.
func (fm *FleetMonitor) Start(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.stopped {
		return errors.New("fleet monitor already stopped")
	}
	if fm.started {
		return nil
	}
	fm.started = true

	fm.ctx, fm.cancel = context.WithCancel(ctx)

	fm.sub = fm.store.Subscribe()
	fm.consumed = make(chan struct{})
	go fm.consume(fm.sub, fm.consumed)

	fm.logger.Info("fleet monitor starting", "machine_count", len(fm.machines))
	for _, m := range fm.machines {
		l := fm.newLoop(m)
		fm.loops[m.name] = l
		l.Start(fm.ctx)
	}
	return nil
}

func (fm *FleetMonitor) newLoop(m Machine) *monitor.Loop {
	return monitor.New(monitor.Config{
		Session: fm.sessions[m.name],
		Sink:    fm.store,
		Policy:  policyFor(m),
		Labels:  m.Labels(),
		Logger:  fm.logger.With("address", m.address),
		Sleep:   fm.sleep,
	})
}

// consume feeds published snapshots to the journal and the status callbacks.
func (fm *FleetMonitor) consume(sub <-chan model.Snapshot, done chan<- struct{}) {
	defer close(done)
	for snap := range sub {
		if fm.journal != nil {
			if _, err := fm.journal.Observe(context.Background(), snap); err != nil {
				fm.logger.Warn("journal write failed", "machine", snap.Machine, "error", err.Error())
			}
		}
		for _, cb := range fm.statusCallbacks {
			invokeCallbackSafe(cb, snap.Clone(), fm.logger)
		}
	}
}

// Stop cancels every monitor loop and waits for them to finish, up to the
// shutdown timeout.
//
// Loops still running when the timeout elapses are abandoned: their sessions
// are force-disconnected and the returned error, of kind
// [ErrShutdownTimeout], names them. The same deadline bounds the delivery
// of pending snapshots to status callbacks and the journal; a callback that
// is still running is abandoned and reported as "status consumer". All snapshots are discarded and the
// journal is closed. Stop is idempotent.
func (fm *FleetMonitor) Stop() error {
	fm.mu.Lock()
	if fm.stopped {
		fm.mu.Unlock()
		return nil
	}
	fm.stopped = true
	started := fm.started
	loops := make(map[string]*monitor.Loop, len(fm.loops))
	for name, l := range fm.loops {
		loops[name] = l
	}
	fm.mu.Unlock()

	var stuck []string
	if started {
		fm.cancel()
		deadline := time.NewTimer(fm.shutdownTimeout)
		defer deadline.Stop()

		var expired bool
		stuck, expired = fm.awaitLoops(loops, deadline.C)
		for _, name := range stuck {
			fm.logger.Error("monitor loop did not stop in time, abandoning", "machine", name)
			fm.sessions[name].Disconnect()
		}

		fm.store.Unsubscribe(fm.sub)
		if !awaitClosed(fm.consumed, deadline.C, expired) {
			fm.logger.Error("status consumer did not stop in time, abandoning",
				"callbacks", len(fm.statusCallbacks),
				"journal", fm.journal != nil,
			)
			stuck = append(stuck, "status consumer")
		}
	}

	fm.store.Reset()
	if fm.journal != nil {
		if err := fm.journal.Close(); err != nil {
			fm.logger.Warn("failed to close journal", "error", err.Error())
		}
	}
	fm.logger.Info("fleet monitor stopped")

	if len(stuck) > 0 {
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, strings.Join(stuck, ", "))
	}
	return nil
}

// awaitLoops waits for loops in configuration order and returns the names
// of those still running when deadline fires, and whether it fired.
func (fm *FleetMonitor) awaitLoops(loops map[string]*monitor.Loop, deadline <-chan time.Time) ([]string, bool) {
	var stuck []string
	expired := false
	for _, m := range fm.machines {
		l, ok := loops[m.name]
		if !ok {
			continue
		}
		if !awaitClosed(l.Done(), deadline, expired) {
			expired = true
			stuck = append(stuck, m.name)
		}
	}
	return stuck, expired
}

// awaitClosed waits for done until deadline fires. Once expired, it only
// checks whether done is already closed.
func awaitClosed(done <-chan struct{}, deadline <-chan time.Time, expired bool) bool {
	select {
	case <-done:
		return true
	default:
	}
	if expired {
		return false
	}
	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}

// Restart starts a fresh monitor loop for a machine whose loop has
// finished, typically after exhausting its retry limit. The machine's
// snapshot goes back to [StateUnknown] until the new loop completes a cycle.
//
// Returns false if the machine's loop is still running. Returns an error of
// kind [ErrUnknownMachine] for an unconfigured name, or if the fleet is not
// running.
func (fm *FleetMonitor) Restart(name string) (bool, error) {
	i, ok := fm.index[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownMachine, name)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if !fm.started || fm.stopped {
		return false, errors.New("fleet monitor is not running")
	}
	select {
	case <-fm.loops[name].Done():
	default:
		return false, nil
	}

	fm.store.Delete(name)
	if fm.journal != nil {
		fm.journal.Forget(name)
	}

	l := fm.newLoop(fm.machines[i])
	fm.loops[name] = l
	l.Start(fm.ctx)
	fm.logger.Info("monitor loop restarted", "machine", name)
	return true, nil
}

// Status returns the latest snapshot of the named machine.
//
// A configured machine without a completed refresh cycle reports
// [StateUnknown]. Returns an error of kind [ErrUnknownMachine] if no machine
// has that name.
func (fm *FleetMonitor) Status(name string) (StatusSnapshot, error) {
	i, ok := fm.index[name]
	if !ok {
		return StatusSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownMachine, name)
	}
	return fm.statusOf(fm.machines[i]), nil
}

// StatusAll returns the latest snapshot of every machine, in configuration
// order.
func (fm *FleetMonitor) StatusAll() []StatusSnapshot {
	out := make([]StatusSnapshot, len(fm.machines))
	for i, m := range fm.machines {
		out[i] = fm.statusOf(m)
	}
	return out
}

func (fm *FleetMonitor) statusOf(m Machine) StatusSnapshot {
	if snap, ok := fm.store.Get(m.name); ok {
		return snap
	}
	return StatusSnapshot{
		Machine: m.name,
		Address: m.address,
		State:   StateUnknown,
		Labels:  m.Labels(),
	}
}

// ConnectedMachines returns the names of machines whose latest snapshot is
// [StateConnected], in configuration order.
func (fm *FleetMonitor) ConnectedMachines() []string {
	return fm.namesWhere(func(s ConnectionState) bool { return s == StateConnected })
}

// DisconnectedMachines returns the names of all other machines, including
// those that have not reported yet.
func (fm *FleetMonitor) DisconnectedMachines() []string {
	return fm.namesWhere(func(s ConnectionState) bool { return s != StateConnected })
}

func (fm *FleetMonitor) namesWhere(match func(ConnectionState) bool) []string {
	names := make([]string, 0, len(fm.machines))
	for _, m := range fm.machines {
		if match(fm.statusOf(m).State) {
			names = append(names, m.name)
		}
	}
	return names
}

// Subscribe returns a channel receiving every published snapshot.
//
// The channel is buffered; updates are dropped while it is full. Call
// [FleetMonitor.Unsubscribe] when done.
func (fm *FleetMonitor) Subscribe() <-chan StatusSnapshot {
	return fm.store.Subscribe()
}

// Unsubscribe removes a subscription and closes its channel.
func (fm *FleetMonitor) Unsubscribe(ch <-chan StatusSnapshot) {
	fm.store.Unsubscribe(ch)
}

// Machines returns a copy of the configured machines with every setting
// resolved.
func (fm *FleetMonitor) Machines() []Machine {
	cp := make([]Machine, len(fm.machines))
	copy(cp, fm.machines)
	return cp
}

// Machine returns the configured machine with the given name.
func (fm *FleetMonitor) Machine(name string) (Machine, bool) {
	i, ok := fm.index[name]
	if !ok {
		return Machine{}, false
	}
	return fm.machines[i], true
}

// Title returns the dashboard title.
func (fm *FleetMonitor) Title() string {
	return fm.title
}

// Port returns the configured HTTP port.
func (fm *FleetMonitor) Port() int {
	return fm.port
}

// invokeCallbackSafe calls a status callback with panic recovery.
// Panics are logged with a correlation ID but do not propagate.
func invokeCallbackSafe(cb func(StatusSnapshot), snap StatusSnapshot, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("status callback panicked",
				"panic", r,
				"machine", snap.Machine,
				"correlation_id", uuid.NewString(),
			)
		}
	}()
	cb(snap)
}
