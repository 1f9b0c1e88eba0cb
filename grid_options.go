package bystronic

import (
	"errors"
	"fmt"
	"time"
)

// gridConfig holds configuration during machine grid construction.
type gridConfig struct {
	addressTemplate string
	dimensions      map[string][]string
	staticLabels    map[string]string
	timeout         time.Duration
	interval        time.Duration
	retryLimit      int
}

// GridOption configures machine grid generation.
// GridOption implements the functional options pattern for [NewMachineGrid].
type GridOption func(*gridConfig) error

// WithAddressTemplate sets the address template for machine generation.
// The template uses Go's text/template syntax with dimension keys as variables.
//
// Example:
//
//	WithAddressTemplate("modbus://10.1.{{.hall}}.{{.cell}}:502?unit=1")
//
// Returns an error if the template string is empty.
func WithAddressTemplate(tmpl string) GridOption {
	return func(cfg *gridConfig) error {
		if tmpl == "" {
			return errors.New("address template required")
		}
		cfg.addressTemplate = tmpl
		return nil
	}
}

// WithDimensions sets the dimension values for cartesian product expansion.
// Each key in the map becomes a template variable, and the cartesian product
// of all values generates the machine combinations.
//
// Returns an error if the map is empty, any dimension has no values,
// or any value is an empty string.
func WithDimensions(dims map[string][]string) GridOption {
	return func(cfg *gridConfig) error {
		if len(dims) == 0 {
			return errors.New("at least one dimension required")
		}
		for k, vals := range dims {
			if len(vals) == 0 {
				return fmt.Errorf("dimension '%s' has no values", k)
			}
			for i, v := range vals {
				if v == "" {
					return fmt.Errorf("dimension '%s' contains empty value at index %d", k, i)
				}
			}
		}
		cfg.dimensions = dims
		return nil
	}
}

// WithGridLabels adds static labels to all generated machines.
// These labels are merged with auto-generated dimension labels.
// On collision, static labels take precedence over dimension labels.
//
// Accepts variadic key-value pairs. The number of arguments must be even.
func WithGridLabels(keyValues ...string) GridOption {
	return func(cfg *gridConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithGridLabels requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.staticLabels[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithGridTimeout sets the request timeout for all generated machines.
//
// Returns an error if the duration is negative.
// A duration of zero is valid and means use the fleet default.
func WithGridTimeout(d time.Duration) GridOption {
	return func(cfg *gridConfig) error {
		if d < 0 {
			return errors.New("timeout cannot be negative")
		}
		cfg.timeout = d
		return nil
	}
}

// WithGridInterval sets the update interval for all generated machines.
//
// Returns an error if the duration is negative.
// A zero duration means use the fleet's update interval.
func WithGridInterval(d time.Duration) GridOption {
	return func(cfg *gridConfig) error {
		if d < 0 {
			return errors.New("interval cannot be negative")
		}
		cfg.interval = d
		return nil
	}
}

// WithGridRetryLimit sets the retry limit for all generated machines.
//
// Returns an error if n is negative. Zero means use the fleet default.
func WithGridRetryLimit(n int) GridOption {
	return func(cfg *gridConfig) error {
		if n < 0 {
			return errors.New("retry limit cannot be negative")
		}
		cfg.retryLimit = n
		return nil
	}
}
