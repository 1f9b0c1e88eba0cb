package bystronic

import (
	"errors"
	"fmt"
	"time"
)

// machineConfig holds mutable state during machine construction.
type machineConfig struct {
	labels     map[string]string
	timeout    time.Duration
	interval   time.Duration
	retryLimit int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// MachineOption is a function that configures a [Machine] during construction.
//
// MachineOption implements the functional options pattern, allowing optional
// configuration to be passed to [NewMachine] in a type-safe, extensible way.
// Options return an error if validation fails.
//
// Built-in options: [WithLabels], [WithTimeout], [WithInterval],
// [WithRetryLimit], [WithBackoff].
type MachineOption func(*machineConfig) error

// WithLabels adds metadata labels to the machine for grouping and filtering.
//
// Labels are key-value pairs that appear in snapshots, the API and the
// dashboard (e.g., by hall, line or laser type).
//
// Accepts variadic key-value pairs. The number of arguments must be even.
//
// Example:
//
//	m, err := bystronic.NewMachine("Machine_1", addr,
//	    bystronic.WithLabels("hall", "A", "laser", "fiber"),
//	)
//
// Returns an error if an odd number of arguments is provided.
func WithLabels(keyValues ...string) MachineOption {
	return func(cfg *machineConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithLabels requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.labels[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithTimeout sets the connect and per-request timeout for this machine.
//
// Defaults to the fleet's request timeout (10 seconds unless changed with
// [WithRequestTimeout]).
//
// Returns an error if the duration is zero or negative.
func WithTimeout(d time.Duration) MachineOption {
	return func(cfg *machineConfig) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.timeout = d
		return nil
	}
}

// WithInterval sets the pause between refresh cycles for this machine.
//
// If not specified, the machine uses the fleet's update interval configured
// via [WithUpdateInterval].
//
// Returns an error if the duration is zero or negative.
func WithInterval(d time.Duration) MachineOption {
	return func(cfg *machineConfig) error {
		if d <= 0 {
			return errors.New("update interval must be positive")
		}
		cfg.interval = d
		return nil
	}
}

// WithRetryLimit sets how many consecutive failed reconnects are tolerated
// before monitoring of this machine stops.
//
// Returns an error if n is less than 1; the limit cannot be disabled.
func WithRetryLimit(n int) MachineOption {
	return func(cfg *machineConfig) error {
		if n < 1 {
			return errors.New("retry limit must be at least 1")
		}
		cfg.retryLimit = n
		return nil
	}
}

// WithBackoff sets the reconnect delays for this machine. The delay before
// attempt n is min(base * 2^(n-1), maxDelay).
//
// Example:
//
//	m, err := bystronic.NewMachine("Machine_1", addr,
//	    bystronic.WithBackoff(time.Second, 30 * time.Second),
//	)
//
// Returns an error if either delay is not positive or maxDelay is less than
// base.
func WithBackoff(base, maxDelay time.Duration) MachineOption {
	return func(cfg *machineConfig) error {
		if base <= 0 || maxDelay <= 0 {
			return errors.New("backoff delays must be positive")
		}
		if maxDelay < base {
			return fmt.Errorf("max delay %v is less than base delay %v", maxDelay, base)
		}
		cfg.baseDelay = base
		cfg.maxDelay = maxDelay
		return nil
	}
}
