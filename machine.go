package bystronic

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Machine is one monitored controller: its identity plus connection
// configuration.
//
// Machine is immutable after creation via [NewMachine]. All fields are
// private with getter methods that return copies of mutable data (maps).
//
// Zero-valued settings (timeout, update interval, retry limit, backoff)
// inherit the fleet defaults when the machine is added to a [FleetMonitor];
// [FleetMonitor.Machines] returns the machines with every setting resolved.
type Machine struct {
	name       string
	address    string
	scheme     string
	labels     map[string]string
	timeout    time.Duration
	interval   time.Duration
	retryLimit int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Name returns the machine's display name.
// The name identifies the machine in the API, the dashboard and logs.
func (m Machine) Name() string {
	return m.name
}

// Address returns the controller address, e.g. "opc.tcp://10.0.0.5:56000".
func (m Machine) Address() string {
	return m.address
}

// Scheme returns the address scheme, which selects the protocol driver.
func (m Machine) Scheme() string {
	return m.scheme
}

// Labels returns a copy of the machine's labels.
// Returns nil if no labels are set.
func (m Machine) Labels() map[string]string {
	return copyMap(m.labels)
}

// Timeout returns the connect and per-request timeout.
func (m Machine) Timeout() time.Duration {
	return m.timeout
}

// UpdateInterval returns the pause between successful refresh cycles.
func (m Machine) UpdateInterval() time.Duration {
	return m.interval
}

// RetryLimit returns how many failed reconnects are tolerated before the
// machine's monitor loop gives up.
func (m Machine) RetryLimit() int {
	return m.retryLimit
}

// Backoff returns the base and maximum reconnect delays.
func (m Machine) Backoff() (base, maxDelay time.Duration) {
	return m.baseDelay, m.maxDelay
}

// NewMachine creates a [Machine] with the given name, address, and options.
//
// The address must be an absolute URL with a host, such as
// "opc.tcp://10.0.0.5:56000", "modbus://10.0.0.7:502?unit=1" or
// "sim://Machine_1". The scheme selects the protocol driver; whether a
// driver exists for it is checked by [New].
//
// Returns an error of kind [ErrConfiguration] if the name is empty, the
// address is malformed or an option is invalid.
//
// Example:
//
//	m, err := bystronic.NewMachine("Machine_1", "opc.tcp://192.168.1.100:56000",
//	    bystronic.WithLabels("hall", "A"),
//	    bystronic.WithTimeout(5 * time.Second),
//	)
func NewMachine(name, address string, opts ...MachineOption) (Machine, error) {
	if strings.TrimSpace(name) == "" {
		return Machine{}, configError("machine name cannot be empty")
	}

	scheme, err := parseAddress(address)
	if err != nil {
		return Machine{}, configError("machine %q: %v", name, err)
	}

	cfg := &machineConfig{
		labels: make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Machine{}, configError("machine %q: %v", name, err)
		}
	}

	return Machine{
		name:       name,
		address:    address,
		scheme:     scheme,
		labels:     cfg.labels,
		timeout:    cfg.timeout,
		interval:   cfg.interval,
		retryLimit: cfg.retryLimit,
		baseDelay:  cfg.baseDelay,
		maxDelay:   cfg.maxDelay,
	}, nil
}

// parseAddress validates an address and returns its scheme.
func parseAddress(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		return "", errors.New("address must have a scheme, e.g. opc.tcp://")
	}
	if u.Host == "" {
		return "", errors.New("address must have a host")
	}
	return strings.ToLower(u.Scheme), nil
}

// copyMap returns a shallow copy of the map.
func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
