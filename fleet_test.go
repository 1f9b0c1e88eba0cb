package bystronic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Drustburn/bystronic-opc/internal/transport/sim"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastMachine builds a sim machine with millisecond-scale timings.
func fastMachine(t *testing.T, name string, opts ...MachineOption) Machine {
	t.Helper()
	base := []MachineOption{
		WithTimeout(500 * time.Millisecond),
		WithInterval(10 * time.Millisecond),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
	}
	m, err := NewMachine(name, "sim://"+name, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	return m
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateOf(fm *FleetMonitor, name string) StatusSnapshot {
	snap, _ := fm.Status(name)
	return snap
}

func TestFleet_ThreeMachineScenario(t *testing.T) {
	drv := sim.NewDriver()

	drv.Machine("Machine_2").SetBehavior(sim.Behavior{
		Connect: func(int) error { return errors.New("connection refused") },
	})
	drv.Machine("Machine_3").SetBehavior(sim.Behavior{
		Read: func(cycle int, _ string) error {
			if cycle == 2 {
				return errors.New("bad status")
			}
			return nil
		},
	})

	fm, err := New(
		WithMachines(
			fastMachine(t, "Machine_1", WithLabels("hall", "A")),
			fastMachine(t, "Machine_2", WithRetryLimit(2)),
			fastMachine(t, "Machine_3"),
		),
		WithDriver(sim.Scheme, drv),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = fm.Stop() }()

	waitFor(t, 2*time.Second, "Machine_2 to give up", func() bool {
		return stateOf(fm, "Machine_2").Terminal
	})
	waitFor(t, 2*time.Second, "Machine_3 to recover", func() bool {
		return drv.Machine("Machine_3").Cycles() >= 3 && stateOf(fm, "Machine_3").State == StateConnected
	})

	m1 := stateOf(fm, "Machine_1")
	if m1.State != StateConnected {
		t.Errorf("Machine_1 State = %q, want %q", m1.State, StateConnected)
	}
	if m1.CurrentJob == nil || m1.CurrentJob.Name != "Machine_1_job" {
		t.Errorf("Machine_1 CurrentJob = %+v, want Machine_1_job", m1.CurrentJob)
	}
	if m1.Laser == nil || m1.Laser.GasChannel != 1 {
		t.Errorf("Machine_1 Laser = %+v, want gas channel 1", m1.Laser)
	}
	if m1.Labels["hall"] != "A" {
		t.Errorf("Machine_1 labels = %v, want hall=A", m1.Labels)
	}

	m2 := stateOf(fm, "Machine_2")
	if m2.State != StateFailed {
		t.Errorf("Machine_2 State = %q, want %q", m2.State, StateFailed)
	}
	if !strings.Contains(m2.LastError, "retry limit exceeded") {
		t.Errorf("Machine_2 LastError = %q, want retry limit message", m2.LastError)
	}
	if m2.CurrentJob != nil || m2.Laser != nil {
		t.Error("failed snapshot should carry no job or laser values")
	}
	// one initial connect plus two reconnects
	if dials := drv.Machine("Machine_2").Dials(); dials != 3 {
		t.Errorf("Machine_2 dials = %d, want 3", dials)
	}

	connected := fm.ConnectedMachines()
	if strings.Join(connected, ",") != "Machine_1,Machine_3" {
		t.Errorf("ConnectedMachines() = %v, want [Machine_1 Machine_3]", connected)
	}
	disconnected := fm.DisconnectedMachines()
	if strings.Join(disconnected, ",") != "Machine_2" {
		t.Errorf("DisconnectedMachines() = %v, want [Machine_2]", disconnected)
	}

	if err := fm.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestFleet_StatusBeforeStart(t *testing.T) {
	fm, err := New(
		WithMachine(fastMachine(t, "Machine_1", WithLabels("hall", "B"))),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	snap, err := fm.Status("Machine_1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.State != StateUnknown {
		t.Errorf("State = %q, want %q", snap.State, StateUnknown)
	}
	if snap.Address != "sim://Machine_1" {
		t.Errorf("Address = %q, want sim://Machine_1", snap.Address)
	}
	if snap.Labels["hall"] != "B" {
		t.Errorf("Labels = %v, want hall=B", snap.Labels)
	}
	if !snap.LastUpdate.IsZero() {
		t.Error("LastUpdate should be zero before the first cycle")
	}

	if got := fm.ConnectedMachines(); len(got) != 0 {
		t.Errorf("ConnectedMachines() = %v, want none", got)
	}
	if got := fm.DisconnectedMachines(); len(got) != 1 {
		t.Errorf("DisconnectedMachines() = %v, want [Machine_1]", got)
	}

	all := fm.StatusAll()
	if len(all) != 1 || all[0].Machine != "Machine_1" {
		t.Errorf("StatusAll() = %+v", all)
	}
}

func TestFleet_StatusUnknownMachine(t *testing.T) {
	fm, err := New(WithMachine(fastMachine(t, "Machine_1")), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = fm.Status("Machine_9")
	if !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("Status() error = %v, want ErrUnknownMachine", err)
	}
}

func TestFleet_StatusAllConfigurationOrder(t *testing.T) {
	fm, err := New(
		WithMachines(
			fastMachine(t, "Zeta"),
			fastMachine(t, "Alpha"),
			fastMachine(t, "Mid"),
		),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var names []string
	for _, s := range fm.StatusAll() {
		names = append(names, s.Machine)
	}
	if strings.Join(names, ",") != "Zeta,Alpha,Mid" {
		t.Errorf("StatusAll() order = %v, want configuration order", names)
	}
}

func TestFleet_SnapshotsAreCopies(t *testing.T) {
	fm, err := New(WithMachine(fastMachine(t, "Machine_1", WithLabels("hall", "A"))), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = fm.Stop() }()

	waitFor(t, 2*time.Second, "Machine_1 to connect", func() bool {
		return stateOf(fm, "Machine_1").State == StateConnected
	})

	snap := stateOf(fm, "Machine_1")
	snap.Labels["hall"] = "mutated"
	snap.CurrentJob.Name = "mutated"

	again := stateOf(fm, "Machine_1")
	if again.Labels["hall"] != "A" {
		t.Error("mutating a returned snapshot changed the stored labels")
	}
	if again.CurrentJob.Name == "mutated" {
		t.Error("mutating a returned snapshot changed the stored job")
	}
}

func TestFleet_LastUpdateMonotonic(t *testing.T) {
	fm, err := New(WithMachine(fastMachine(t, "Machine_1")), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = fm.Stop() }()

	var last time.Time
	for i := 0; i < 20; i++ {
		snap := stateOf(fm, "Machine_1")
		if snap.LastUpdate.Before(last) {
			t.Fatalf("LastUpdate went backwards: %v after %v", snap.LastUpdate, last)
		}
		last = snap.LastUpdate
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFleet_StartTwiceIsNoop(t *testing.T) {
	drv := sim.NewDriver()
	fm, err := New(WithMachine(fastMachine(t, "Machine_1")), WithDriver(sim.Scheme, drv), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := fm.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := fm.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, "Machine_1 to connect", func() bool {
		return stateOf(fm, "Machine_1").State == StateConnected
	})
	if err := fm.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if dials := drv.Machine("Machine_1").Dials(); dials != 1 {
		t.Errorf("dials = %d, want 1 (one loop)", dials)
	}
}

func TestFleet_StopLifecycle(t *testing.T) {
	fm, err := New(WithMachine(fastMachine(t, "Machine_1")), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// before Start
	if err := fm.Stop(); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}
	if err := fm.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := fm.Start(context.Background()); err == nil {
		t.Error("Start() after Stop() should return error")
	}
}

func TestFleet_StopDiscardsSnapshots(t *testing.T) {
	fm, err := New(WithMachine(fastMachine(t, "Machine_1")), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, "Machine_1 to connect", func() bool {
		return stateOf(fm, "Machine_1").State == StateConnected
	})

	if err := fm.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := stateOf(fm, "Machine_1").State; got != StateUnknown {
		t.Errorf("State after Stop() = %q, want %q", got, StateUnknown)
	}
}

func TestFleet_StopBoundedByShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// a driver that ignores cancellation
	stuck := DriverFunc(func(_ context.Context, _ string) (Conn, error) {
		<-release
		return nil, errors.New("released")
	})

	m, err := NewMachine("Stuck_1", "stuck://plc", WithTimeout(time.Hour))
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	fm, err := New(
		WithMachines(m, fastMachine(t, "Machine_1")),
		WithDriver("stuck", stuck),
		WithShutdownTimeout(50*time.Millisecond),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	err = fm.Stop()
	elapsed := time.Since(start)

	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Stop() error = %v, want ErrShutdownTimeout", err)
	}
	if !strings.Contains(err.Error(), "Stuck_1") {
		t.Errorf("Stop() error = %q, want it to name Stuck_1", err.Error())
	}
	if strings.Contains(err.Error(), "Machine_1") {
		t.Errorf("Stop() error = %q, should not name the healthy machine", err.Error())
	}
	if elapsed > time.Second {
		t.Errorf("Stop() took %v, want it bounded by the shutdown timeout", elapsed)
	}
}

func TestFleet_StopBoundsBlockedStatusCallback(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{}, 1)

	fm, err := New(
		WithMachine(fastMachine(t, "Machine_1")),
		WithShutdownTimeout(100*time.Millisecond),
		WithStatusCallback(func(StatusSnapshot) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("status callback never invoked")
	}

	start := time.Now()
	err = fm.Stop()
	elapsed := time.Since(start)

	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Stop() error = %v, want ErrShutdownTimeout", err)
	}
	if !strings.Contains(err.Error(), "status consumer") {
		t.Errorf("Stop() error = %q, want it to name the status consumer", err.Error())
	}
	if strings.Contains(err.Error(), "Machine_1") {
		t.Errorf("Stop() error = %q, should not name the stopped machine", err.Error())
	}
	if elapsed > time.Second {
		t.Errorf("Stop() took %v, want it bounded by the shutdown timeout", elapsed)
	}
}

func TestFleet_StopDisconnectsEverySession(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := DriverFunc(func(_ context.Context, _ string) (Conn, error) {
		<-release
		return nil, errors.New("released")
	})
	hung, err := NewMachine("Stuck_1", "stuck://plc", WithTimeout(time.Hour))
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	drv := sim.NewDriver()
	drv.Machine("Backoff_1").SetBehavior(sim.Behavior{
		Connect: func(int) error { return errors.New("connection refused") },
	})

	fm, err := New(
		WithMachines(
			hung,
			fastMachine(t, "Polling_1"),
			fastMachine(t, "Backoff_1", WithBackoff(time.Hour, time.Hour)),
		),
		WithDriver("stuck", stuck),
		WithDriver(sim.Scheme, drv),
		WithShutdownTimeout(50*time.Millisecond),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 2*time.Second, "Stuck_1 to be dialling", func() bool {
		return fm.sessions["Stuck_1"].State() == StateConnecting
	})
	waitFor(t, 2*time.Second, "Polling_1 to connect", func() bool {
		return stateOf(fm, "Polling_1").State == StateConnected
	})
	waitFor(t, 2*time.Second, "Backoff_1 to back off", func() bool {
		return stateOf(fm, "Backoff_1").State == StateFailed
	})
	if got := fm.sessions["Polling_1"].State(); got != StateConnected {
		t.Fatalf("Polling_1 session = %q before Stop(), want %q", got, StateConnected)
	}

	if err := fm.Stop(); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Stop() error = %v, want ErrShutdownTimeout for Stuck_1", err)
	}

	for _, name := range []string{"Stuck_1", "Polling_1", "Backoff_1"} {
		if got := fm.sessions[name].State(); got != StateDisconnected {
			t.Errorf("%s session = %q after Stop(), want %q", name, got, StateDisconnected)
		}
	}
}

func TestFleet_Restart(t *testing.T) {
	drv := sim.NewDriver()
	var mu sync.Mutex
	down := true
	drv.Machine("Machine_1").SetBehavior(sim.Behavior{
		Connect: func(int) error {
			mu.Lock()
			defer mu.Unlock()
			if down {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	fm, err := New(
		WithMachine(fastMachine(t, "Machine_1", WithRetryLimit(1))),
		WithDriver(sim.Scheme, drv),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := fm.Restart("Machine_1"); err == nil {
		t.Error("Restart() before Start() should return error")
	}

	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = fm.Stop() }()

	waitFor(t, 2*time.Second, "Machine_1 to give up", func() bool {
		return stateOf(fm, "Machine_1").Terminal
	})

	mu.Lock()
	down = false
	mu.Unlock()

	restarted, err := fm.Restart("Machine_1")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if !restarted {
		t.Fatal("Restart() = false, want true for a finished loop")
	}

	waitFor(t, 2*time.Second, "Machine_1 to connect after restart", func() bool {
		return stateOf(fm, "Machine_1").State == StateConnected
	})
	if stateOf(fm, "Machine_1").Terminal {
		t.Error("Terminal should be cleared after a successful restart")
	}

	restarted, err = fm.Restart("Machine_1")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if restarted {
		t.Error("Restart() = true, want false while the loop is running")
	}

	if _, err := fm.Restart("Machine_9"); !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("Restart() error = %v, want ErrUnknownMachine", err)
	}
}

func TestFleet_Subscribe(t *testing.T) {
	fm, err := New(WithMachine(fastMachine(t, "Machine_1")), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch := fm.Subscribe()
	defer fm.Unsubscribe(ch)

	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = fm.Stop() }()

	select {
	case snap := <-ch:
		if snap.Machine != "Machine_1" {
			t.Errorf("Machine = %q, want Machine_1", snap.Machine)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot pushed")
	}
}

func TestFleet_Journal(t *testing.T) {
	drv := sim.NewDriver()
	drv.Machine("Machine_1").SetBehavior(sim.Behavior{
		Connect: func(attempt int) error {
			if attempt == 1 {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	fm, err := New(
		WithMachine(fastMachine(t, "Machine_1")),
		WithDriver(sim.Scheme, drv),
		WithJournal(":memory:"),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = fm.Stop() }()

	ctx := context.Background()
	var got []Transition
	waitFor(t, 2*time.Second, "two transitions", func() bool {
		got, err = fm.Transitions(ctx, "Machine_1", 0)
		return err == nil && len(got) >= 2
	})

	// newest first
	if got[0].From != StateFailed || got[0].To != StateConnected {
		t.Errorf("latest transition = %s -> %s, want failed -> connected", got[0].From, got[0].To)
	}
	if got[1].From != StateUnknown || got[1].To != StateFailed {
		t.Errorf("first transition = %s -> %s, want unknown -> failed", got[1].From, got[1].To)
	}
	if got[1].Error == "" {
		t.Error("failed transition should carry the error message")
	}

	if _, err := fm.Transitions(ctx, "Machine_9", 0); !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("Transitions() error = %v, want ErrUnknownMachine", err)
	}
}

func TestFleet_JournalDisabled(t *testing.T) {
	fm, err := New(WithMachine(fastMachine(t, "Machine_1")), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = fm.Transitions(context.Background(), "Machine_1", 10)
	if !errors.Is(err, ErrJournalDisabled) {
		t.Errorf("Transitions() error = %v, want ErrJournalDisabled", err)
	}
}
