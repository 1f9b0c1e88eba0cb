package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

// State is the phase a [Loop] is in.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StatePolling    State = "polling"
	StateBackoff    State = "backoff"
	StateStopped    State = "stopped"
)

// Session is the part of a machine connection a loop drives.
// *session.Session satisfies it.
type Session interface {
	Machine() string
	Address() string
	Connect(ctx context.Context) error
	Disconnect()
	State() model.ConnectionState
	CurrentJob(ctx context.Context) (*model.JobInfo, error)
	LaserParameters(ctx context.Context) (*model.LaserParameters, error)
}

// Sink receives every snapshot a loop produces.
type Sink interface {
	Put(name string, snap model.Snapshot)
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds the dependencies of a [Loop].
type Config struct {
	Session Session
	Sink    Sink
	Policy  Policy
	Labels  map[string]string
	Logger  *slog.Logger

	// Sleep replaces the timer-based wait, mainly in tests.
	Sleep SleepFunc

	// Now defaults to time.Now.
	Now func() time.Time
}

// Loop refreshes one machine's snapshot until stopped or until it exhausts
// its retry limit.
//
// A Loop runs at most once. Start and Stop are safe for concurrent use.
type Loop struct {
	session Session
	sink    Sink
	policy  Policy
	labels  map[string]string
	logger  *slog.Logger
	sleep   SleepFunc
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	state    State
	terminal bool
}

// New creates an idle [Loop].
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		session: cfg.Session,
		sink:    cfg.Sink,
		policy:  cfg.Policy,
		labels:  cfg.Labels,
		logger:  logger.With("machine", cfg.Session.Machine()),
		sleep:   sleep,
		now:     now,
		done:    make(chan struct{}),
		state:   StateIdle,
	}
}

// Start runs the loop in a background goroutine and returns immediately.
//
// Start is a no-op if the loop was already started or stopped. Cancelling
// ctx has the same effect as [Loop.Stop] without the wait.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(runCtx)
}

// Stop signals the loop and waits until it has reached StateStopped with
// its session disconnected. Stop before Start is a no-op that prevents any
// later Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	started := l.started
	if !l.stopped {
		l.stopped = true
		if l.cancel != nil {
			l.cancel()
		}
	}
	if !started {
		l.state = StateStopped
	}
	l.mu.Unlock()

	if started {
		<-l.done
	}
}

// Cancel signals the loop without waiting for it.
func (l *Loop) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
}

// Done is closed when a started loop has finished.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// State returns the current phase.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Terminal reports whether the loop stopped because it exceeded its retry
// limit.
func (l *Loop) Terminal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminal
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// run is the Connecting → Polling → Backoff state machine. attempt is the
// retry state: zero while polling, the number of consecutive failures
// otherwise.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(StateStopped)
	defer l.session.Disconnect()

	attempt := 0

	l.setState(StateConnecting)
	if err := l.session.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("connect failed", "error", err.Error())
		l.publishFailure(err, false)
		attempt = 1
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if attempt == 0 {
			l.setState(StatePolling)
			if err := l.refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("refresh failed", "error", err.Error())
				l.publishFailure(err, false)
				l.session.Disconnect()
				attempt = 1
				continue
			}
			if l.sleep(ctx, l.policy.Interval) != nil {
				return
			}
			continue
		}

		l.setState(StateBackoff)
		delay := l.policy.Delay(attempt)
		l.logger.Debug("backing off", "attempt", attempt, "delay", delay)
		if l.sleep(ctx, delay) != nil {
			return
		}

		l.setState(StateConnecting)
		if err := l.session.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			if attempt > l.policy.RetryLimit {
				l.logger.Error("retry limit exceeded, monitoring stopped",
					"retry_limit", l.policy.RetryLimit,
					"error", err.Error(),
				)
				l.mu.Lock()
				l.terminal = true
				l.mu.Unlock()
				l.publishFailure(&model.OpError{
					Machine: l.session.Machine(),
					Op:      "reconnect",
					Kind:    model.ErrRetryLimitExceeded,
					Err:     fmt.Errorf("gave up after %d attempts: %w", l.policy.RetryLimit, err),
				}, true)
				return
			}
			l.logger.Warn("reconnect failed", "attempt", attempt, "error", err.Error())
			l.publishFailure(err, false)
			continue
		}

		l.logger.Info("reconnected")
		attempt = 0
	}
}

// refresh performs one cycle of reads and publishes a connected snapshot.
//
// The session is shared with on-demand queries. When one of them failed it,
// before or during the cycle, the loop reconnects once and reads again
// instead of reporting the query's failure as its own.
func (l *Loop) refresh(ctx context.Context) error {
	if l.session.State() == model.StateFailed {
		if err := l.reconnectShared(ctx); err != nil {
			return err
		}
	}

	err := l.cycle(ctx)
	if errors.Is(err, model.ErrNotConnected) && l.session.State() == model.StateFailed {
		if err := l.reconnectShared(ctx); err != nil {
			return err
		}
		err = l.cycle(ctx)
	}
	return err
}

func (l *Loop) reconnectShared(ctx context.Context) error {
	l.logger.Info("session failed by another request, reconnecting")
	return l.session.Connect(ctx)
}

func (l *Loop) cycle(ctx context.Context) error {
	job, err := l.session.CurrentJob(ctx)
	if err != nil {
		return err
	}
	laser, err := l.session.LaserParameters(ctx)
	if err != nil {
		return err
	}

	l.sink.Put(l.session.Machine(), model.Snapshot{
		Machine:    l.session.Machine(),
		Address:    l.session.Address(),
		State:      model.StateConnected,
		CurrentJob: job,
		Laser:      laser,
		LastUpdate: l.now(),
		Labels:     l.labels,
	})
	return nil
}

func (l *Loop) publishFailure(err error, terminal bool) {
	l.sink.Put(l.session.Machine(), model.Snapshot{
		Machine:    l.session.Machine(),
		Address:    l.session.Address(),
		State:      model.StateFailed,
		LastUpdate: l.now(),
		LastError:  err.Error(),
		Terminal:   terminal,
		Labels:     l.labels,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
