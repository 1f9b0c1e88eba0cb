// Package config provides YAML configuration parsing for the fleet monitor.
//
// This package enables running the monitor as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Hall A
//	port: 8080
//	update_interval: 30s
//	journal: /var/lib/bystronic/journal.db
//
//	machines:
//	  - name: Machine_1
//	    address: opc.tcp://${PLC_HOST:-192.168.1.100}:56000
//	    timeout: 5s
//	    labels:
//	      hall: A
//
//	grids:
//	  - name: Cutter
//	    address_template: "modbus://10.1.{{.hall}}.{{.cell}}:502?unit=1"
//	    dimensions:
//	      hall: ["1", "2"]
//	      cell: ["10", "11"]
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 8080
	defaultUpdateInterval  = 30 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultRetryLimit      = 3
	defaultBaseDelay       = 10 * time.Second
	defaultMaxDelay        = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultQueryInterval   = 500 * time.Millisecond
)

// minUpdateInterval keeps a misconfigured file from hammering the
// controllers. The SDK accepts shorter intervals for tests.
const minUpdateInterval = 1 * time.Second

// supportedSchemes are the address schemes with a built-in driver.
var supportedSchemes = map[string]bool{
	"opc.tcp": true,
	"modbus":  true,
	"sim":     true,
}

// Config is the root configuration structure.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "Bystronic Fleet" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// UpdateInterval is the pause between refresh cycles. Defaults to 30s.
	UpdateInterval Duration `yaml:"update_interval"`

	// RequestTimeout is the connect and per-request timeout. Defaults to 10s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// RetryLimit is the number of failed reconnects tolerated before a
	// machine's monitor loop gives up. Defaults to 3.
	RetryLimit int `yaml:"retry_limit"`

	// BaseDelay and MaxDelay bound the exponential reconnect backoff.
	// Default to 10s and 60s.
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`

	// ShutdownTimeout bounds how long shutdown waits for monitor loops.
	// Defaults to 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// QueryInterval is the minimum spacing of on-demand history and job
	// queries per machine. Defaults to 500ms. Set "0s" to disable pacing.
	QueryInterval *Duration `yaml:"query_interval"`

	// Journal is the path of the SQLite state-transition journal.
	// Empty disables the journal.
	Journal string `yaml:"journal"`

	// Machines defines individual machines.
	Machines []MachineConfig `yaml:"machines"`

	// Grids defines machine grids that expand via cartesian product.
	Grids []GridConfig `yaml:"grids"`
}

// MachineConfig defines a single machine.
type MachineConfig struct {
	// Name is the display name shown in the dashboard and API.
	Name string `yaml:"name"`

	// Address is the controller address, e.g. opc.tcp://10.0.0.5:56000.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Address string `yaml:"address"`

	// Timeout overrides the fleet request timeout.
	Timeout Duration `yaml:"timeout"`

	// Interval overrides the fleet update interval.
	Interval Duration `yaml:"interval"`

	// RetryLimit overrides the fleet retry limit.
	RetryLimit int `yaml:"retry_limit"`

	// BaseDelay and MaxDelay override the fleet backoff. Both must be set
	// together.
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`

	// Labels are metadata key-value pairs for grouping/filtering.
	Labels map[string]string `yaml:"labels"`
}

// GridConfig defines a machine grid that expands via cartesian product.
//
// For example, with dimensions {hall: [a, b], cell: [1, 2]}, the grid
// expands to 4 machines.
type GridConfig struct {
	// Name is the base name for generated machines.
	Name string `yaml:"name"`

	// AddressTemplate is a Go template for generating machine addresses.
	// Dimension keys are available as template variables: {{.hall}}
	// Supports environment variable substitution in the template.
	AddressTemplate string `yaml:"address_template"`

	// Dimensions maps dimension names to their possible values.
	Dimensions map[string][]string `yaml:"dimensions"`

	// Timeout is the request timeout for all generated machines.
	Timeout Duration `yaml:"timeout"`

	// Interval is the update interval for all generated machines.
	Interval Duration `yaml:"interval"`

	// RetryLimit is the retry limit for all generated machines.
	RetryLimit int `yaml:"retry_limit"`

	// Labels are additional labels applied to all generated machines.
	// These are merged with auto-generated dimension labels.
	Labels map[string]string `yaml:"labels"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in addresses are expanded during parsing.
// Returns an error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in Address and AddressTemplate values.
// Unset fleet settings receive their defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = Duration(defaultUpdateInterval)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = defaultRetryLimit
	}
	if c.BaseDelay == 0 && c.MaxDelay == 0 {
		c.BaseDelay = Duration(defaultBaseDelay)
		c.MaxDelay = Duration(defaultMaxDelay)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
	if c.QueryInterval == nil {
		d := Duration(defaultQueryInterval)
		c.QueryInterval = &d
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.UpdateInterval.Duration() < minUpdateInterval {
		return fmt.Errorf("update_interval must be at least %s, got %s", minUpdateInterval, c.UpdateInterval.Duration())
	}
	if c.RequestTimeout.Duration() <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout.Duration())
	}
	if c.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be at least 1, got %d", c.RetryLimit)
	}
	if err := validateBackoff(c.BaseDelay, c.MaxDelay); err != nil {
		return err
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout.Duration())
	}
	if c.QueryInterval.Duration() < 0 {
		return fmt.Errorf("query_interval cannot be negative, got %s", c.QueryInterval.Duration())
	}

	names := make(map[string]struct{}, len(c.Machines))
	for i := range c.Machines {
		m := &c.Machines[i]

		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("machines[%d]: name is required", i)
		}
		if _, dup := names[m.Name]; dup {
			return fmt.Errorf("machines[%d] (%s): duplicate machine name", i, m.Name)
		}
		names[m.Name] = struct{}{}

		if m.Address == "" {
			return fmt.Errorf("machines[%d] (%s): address is required", i, m.Name)
		}
		expanded, err := expandEnvVars(m.Address)
		if err != nil {
			return fmt.Errorf("machines[%d] (%s): address: %w", i, m.Name, err)
		}
		m.Address = expanded

		if err := validateAddress(m.Address); err != nil {
			return fmt.Errorf("machines[%d] (%s): %w", i, m.Name, err)
		}

		if err := validateOverrides(m.Timeout, m.Interval, m.RetryLimit); err != nil {
			return fmt.Errorf("machines[%d] (%s): %w", i, m.Name, err)
		}
		if m.BaseDelay != 0 || m.MaxDelay != 0 {
			if err := validateBackoff(m.BaseDelay, m.MaxDelay); err != nil {
				return fmt.Errorf("machines[%d] (%s): %w", i, m.Name, err)
			}
		}
	}

	for i := range c.Grids {
		g := &c.Grids[i]

		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("grids[%d]: name is required", i)
		}

		if g.AddressTemplate == "" {
			return fmt.Errorf("grids[%d] (%s): address_template is required", i, g.Name)
		}
		expanded, err := expandEnvVars(g.AddressTemplate)
		if err != nil {
			return fmt.Errorf("grids[%d] (%s): address_template: %w", i, g.Name, err)
		}
		g.AddressTemplate = expanded

		// fail fast before the SDK tries to use an invalid template
		if _, err := template.New("").Parse(g.AddressTemplate); err != nil {
			return fmt.Errorf("grids[%d] (%s): invalid address_template: %w", i, g.Name, err)
		}

		if len(g.Dimensions) == 0 {
			return fmt.Errorf("grids[%d] (%s): at least one dimension is required", i, g.Name)
		}
		for dimName, dimValues := range g.Dimensions {
			if len(dimValues) == 0 {
				return fmt.Errorf("grids[%d] (%s): dimension %q has no values", i, g.Name, dimName)
			}
			seen := make(map[string]struct{}, len(dimValues))
			for _, v := range dimValues {
				if _, exists := seen[v]; exists {
					return fmt.Errorf("grids[%d] (%s): dimension %q has duplicate value %q", i, g.Name, dimName, v)
				}
				seen[v] = struct{}{}
			}
		}

		if err := validateOverrides(g.Timeout, g.Interval, g.RetryLimit); err != nil {
			return fmt.Errorf("grids[%d] (%s): %w", i, g.Name, err)
		}
	}

	if len(c.Machines) == 0 && len(c.Grids) == 0 {
		return errors.New("at least one machine or grid must be defined")
	}

	return nil
}

// validateAddress checks that an address is absolute and uses a scheme with
// a built-in driver.
func validateAddress(address string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if u.Scheme == "" {
		return errors.New("address must have a scheme (opc.tcp://, modbus:// or sim://)")
	}
	if !supportedSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("unsupported address scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("address must have a host")
	}
	return nil
}

// validateOverrides checks the per-machine settings shared by machines and
// grids. Zero values mean "inherit the fleet setting".
func validateOverrides(timeout, interval Duration, retryLimit int) error {
	if timeout.Duration() < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", timeout.Duration())
	}
	if interval != 0 && interval.Duration() < minUpdateInterval {
		return fmt.Errorf("interval must be at least %s, got %s", minUpdateInterval, interval.Duration())
	}
	if interval.Duration() > time.Hour {
		return fmt.Errorf("interval must not exceed 1h, got %s", interval.Duration())
	}
	if retryLimit < 0 {
		return fmt.Errorf("retry_limit cannot be negative, got %d", retryLimit)
	}
	return nil
}

func validateBackoff(base, maxDelay Duration) error {
	if base.Duration() <= 0 || maxDelay.Duration() <= 0 {
		return errors.New("base_delay and max_delay must both be positive")
	}
	if maxDelay < base {
		return fmt.Errorf("max_delay %s is less than base_delay %s", maxDelay.Duration(), base.Duration())
	}
	return nil
}
