package config

import (
	"log/slog"
	"sort"

	bystronic "github.com/Drustburn/bystronic-opc"
)

// BuildMachines converts parsed configuration into SDK Machine values.
//
// It processes both direct machines and grids, returning a combined slice
// in file order. Grid dimensions are expanded via cartesian product.
func BuildMachines(cfg *Config) ([]bystronic.Machine, error) {
	var machines []bystronic.Machine

	for _, mc := range cfg.Machines {
		m, err := buildMachine(mc)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}

	for _, gc := range cfg.Grids {
		gridMachines, err := buildGrid(gc)
		if err != nil {
			return nil, err
		}
		machines = append(machines, gridMachines...)
	}

	return machines, nil
}

// BuildOptions converts the fleet settings of cfg into SDK options, machines
// included. Extra options are appended last so they override the file.
func BuildOptions(cfg *Config, logger *slog.Logger, extra ...bystronic.Option) ([]bystronic.Option, error) {
	machines, err := BuildMachines(cfg)
	if err != nil {
		return nil, err
	}

	opts := []bystronic.Option{
		bystronic.WithMachines(machines...),
		bystronic.WithPort(cfg.Port),
		bystronic.WithUpdateInterval(cfg.UpdateInterval.Duration()),
		bystronic.WithRequestTimeout(cfg.RequestTimeout.Duration()),
		bystronic.WithRetryPolicy(cfg.RetryLimit, cfg.BaseDelay.Duration(), cfg.MaxDelay.Duration()),
		bystronic.WithShutdownTimeout(cfg.ShutdownTimeout.Duration()),
		bystronic.WithQueryInterval(cfg.QueryInterval.Duration()),
	}
	if cfg.Title != "" {
		opts = append(opts, bystronic.WithTitle(cfg.Title))
	}
	if cfg.Journal != "" {
		opts = append(opts, bystronic.WithJournal(cfg.Journal))
	}
	if logger != nil {
		opts = append(opts, bystronic.WithLogger(logger))
	}
	return append(opts, extra...), nil
}

// buildMachine converts a single MachineConfig to an SDK Machine.
func buildMachine(mc MachineConfig) (bystronic.Machine, error) {
	var opts []bystronic.MachineOption

	if mc.Timeout != 0 {
		opts = append(opts, bystronic.WithTimeout(mc.Timeout.Duration()))
	}
	if mc.Interval != 0 {
		opts = append(opts, bystronic.WithInterval(mc.Interval.Duration()))
	}
	if mc.RetryLimit != 0 {
		opts = append(opts, bystronic.WithRetryLimit(mc.RetryLimit))
	}
	if mc.BaseDelay != 0 || mc.MaxDelay != 0 {
		opts = append(opts, bystronic.WithBackoff(mc.BaseDelay.Duration(), mc.MaxDelay.Duration()))
	}
	if len(mc.Labels) > 0 {
		opts = append(opts, bystronic.WithLabels(mapToKeyValuePairs(mc.Labels)...))
	}

	return bystronic.NewMachine(mc.Name, mc.Address, opts...)
}

// buildGrid expands a GridConfig through the SDK grid builder.
func buildGrid(gc GridConfig) ([]bystronic.Machine, error) {
	opts := []bystronic.GridOption{
		bystronic.WithAddressTemplate(gc.AddressTemplate),
		bystronic.WithDimensions(gc.Dimensions),
		bystronic.WithGridTimeout(gc.Timeout.Duration()),
		bystronic.WithGridInterval(gc.Interval.Duration()),
		bystronic.WithGridRetryLimit(gc.RetryLimit),
	}
	if len(gc.Labels) > 0 {
		opts = append(opts, bystronic.WithGridLabels(mapToKeyValuePairs(gc.Labels)...))
	}
	return bystronic.NewMachineGrid(gc.Name, opts...)
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}
