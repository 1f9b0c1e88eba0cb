package bystronic

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// fleetConfig holds mutable state during FleetMonitor construction.
type fleetConfig struct {
	title           string
	machines        []Machine
	updateInterval  time.Duration
	requestTimeout  time.Duration
	retryLimit      int
	baseDelay       time.Duration
	maxDelay        time.Duration
	shutdownTimeout time.Duration
	queryInterval   time.Duration
	port            int
	logger          *slog.Logger
	tracer          trace.Tracer
	drivers         map[string]Driver
	journalPath     string
	statusCallbacks []func(StatusSnapshot)
}

// Option is a function that configures a [FleetMonitor] during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*fleetConfig) error

// WithMachine adds a single [Machine] to the fleet.
//
// Can be called multiple times. At least one machine must be configured for
// [New] to succeed.
func WithMachine(m Machine) Option {
	return func(cfg *fleetConfig) error {
		cfg.machines = append(cfg.machines, m)
		return nil
	}
}

// WithMachines adds multiple [Machine] values to the fleet.
//
// Example:
//
//	machines, _ := bystronic.NewMachineGrid("Cutter", ...)
//	fm, err := bystronic.New(bystronic.WithMachines(machines...))
func WithMachines(machines ...Machine) Option {
	return func(cfg *fleetConfig) error {
		cfg.machines = append(cfg.machines, machines...)
		return nil
	}
}

// WithUpdateInterval sets the default pause between refresh cycles.
// Defaults to 30 seconds. Machines may override it with [WithInterval].
//
// Returns an error if the duration is zero or negative.
func WithUpdateInterval(d time.Duration) Option {
	return func(cfg *fleetConfig) error {
		if d <= 0 {
			return errors.New("update interval must be positive")
		}
		cfg.updateInterval = d
		return nil
	}
}

// WithRequestTimeout sets the default connect and per-request timeout.
// Defaults to 10 seconds. Machines may override it with [WithTimeout].
//
// Returns an error if the duration is zero or negative.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *fleetConfig) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithRetryPolicy sets the default retry limit and backoff delays.
// Defaults to 3 retries with delays from 10 seconds up to 60 seconds.
// Machines may override them with [WithRetryLimit] and [WithBackoff].
//
// Returns an error if limit is less than 1, a delay is not positive, or
// maxDelay is less than base.
func WithRetryPolicy(limit int, base, maxDelay time.Duration) Option {
	return func(cfg *fleetConfig) error {
		if limit < 1 {
			return errors.New("retry limit must be at least 1")
		}
		if base <= 0 || maxDelay <= 0 {
			return errors.New("backoff delays must be positive")
		}
		if maxDelay < base {
			return fmt.Errorf("max delay %v is less than base delay %v", maxDelay, base)
		}
		cfg.retryLimit = limit
		cfg.baseDelay = base
		cfg.maxDelay = maxDelay
		return nil
	}
}

// WithShutdownTimeout bounds how long [FleetMonitor.Stop] waits for the
// monitor loops. Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithShutdownTimeout(d time.Duration) Option {
	return func(cfg *fleetConfig) error {
		if d <= 0 {
			return errors.New("shutdown timeout must be positive")
		}
		cfg.shutdownTimeout = d
		return nil
	}
}

// WithQueryInterval sets the minimum spacing of on-demand queries
// (history, job, plan and part lookups) per machine, so API clients cannot
// starve the refresh loop of its session. Defaults to 500 milliseconds.
//
// Returns an error if the duration is negative. Zero disables pacing.
func WithQueryInterval(d time.Duration) Option {
	return func(cfg *fleetConfig) error {
		if d < 0 {
			return errors.New("query interval cannot be negative")
		}
		cfg.queryInterval = d
		return nil
	}
}

// WithPort sets the HTTP port used by [FleetMonitor.Run].
// Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *fleetConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the fleet.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *fleetConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer used for connect, read and call
// spans. If not specified, the global tracer provider is used.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *fleetConfig) error {
		if tracer == nil {
			return errors.New("tracer cannot be nil")
		}
		cfg.tracer = tracer
		return nil
	}
}

// WithDriver registers the protocol driver for an address scheme,
// replacing the built-in driver if there is one.
//
// Built-in schemes are "opc.tcp", "modbus" and "sim".
//
// Returns an error if the scheme is empty or the driver is nil.
func WithDriver(scheme string, d Driver) Option {
	return func(cfg *fleetConfig) error {
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		if scheme == "" {
			return errors.New("driver scheme cannot be empty")
		}
		if d == nil {
			return fmt.Errorf("driver for scheme %q cannot be nil", scheme)
		}
		if cfg.drivers == nil {
			cfg.drivers = make(map[string]Driver)
		}
		cfg.drivers[scheme] = d
		return nil
	}
}

// WithJournal records every connection-state transition in a SQLite
// database at path. Use ":memory:" for a journal that lives as long as the
// fleet. Transitions are read back with [FleetMonitor.Transitions].
//
// Returns an error if the path is empty.
func WithJournal(path string) Option {
	return func(cfg *fleetConfig) error {
		if strings.TrimSpace(path) == "" {
			return errors.New("journal path cannot be empty")
		}
		cfg.journalPath = path
		return nil
	}
}

// WithStatusCallback registers a function to be called for every published
// snapshot.
//
// Multiple callbacks may be registered; they execute in registration order.
//
// IMPORTANT: Callbacks must be non-blocking. They are invoked synchronously
// from a single goroutine fed by the snapshot store's push channel, which
// drops updates for slow consumers. Panics within callbacks are recovered
// and logged with a correlation ID.
//
// Example:
//
//	fm, err := bystronic.New(
//	    bystronic.WithMachine(m),
//	    bystronic.WithStatusCallback(func(s bystronic.StatusSnapshot) {
//	        if s.Terminal {
//	            log.Printf("ALERT: gave up on %s: %s", s.Machine, s.LastError)
//	        }
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithStatusCallback(cb func(StatusSnapshot)) Option {
	return func(cfg *fleetConfig) error {
		if cb == nil {
			return nil
		}
		cfg.statusCallbacks = append(cfg.statusCallbacks, cb)
		return nil
	}
}

// WithTitle sets the dashboard title displayed in the browser tab and header.
//
// If not specified, defaults to "Bystronic Fleet".
func WithTitle(title string) Option {
	return func(cfg *fleetConfig) error {
		cfg.title = title
		return nil
	}
}
