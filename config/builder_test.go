package config

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	bystronic "github.com/Drustburn/bystronic-opc"
)

func mustParse(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func TestBuildMachines_SingleMachine(t *testing.T) {
	cfg := mustParse(t, `
machines:
  - name: Machine_1
    address: opc.tcp://192.168.1.100:56000
`)

	machines, err := BuildMachines(cfg)
	if err != nil {
		t.Fatalf("BuildMachines() error = %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("len(machines) = %d, want 1", len(machines))
	}
	if machines[0].Name() != "Machine_1" {
		t.Errorf("Name() = %q, want Machine_1", machines[0].Name())
	}
	if machines[0].Scheme() != "opc.tcp" {
		t.Errorf("Scheme() = %q, want opc.tcp", machines[0].Scheme())
	}
	// unset settings are left for the fleet to resolve
	if machines[0].Timeout() != 0 {
		t.Errorf("Timeout() = %v, want 0", machines[0].Timeout())
	}
}

func TestBuildMachines_AllOptions(t *testing.T) {
	cfg := mustParse(t, `
machines:
  - name: Machine_1
    address: sim://m1
    timeout: 2s
    interval: 5s
    retry_limit: 9
    base_delay: 1s
    max_delay: 4s
    labels:
      hall: A
      laser: fiber
`)

	machines, err := BuildMachines(cfg)
	if err != nil {
		t.Fatalf("BuildMachines() error = %v", err)
	}

	m := machines[0]
	if m.Timeout() != 2*time.Second {
		t.Errorf("Timeout() = %v, want 2s", m.Timeout())
	}
	if m.UpdateInterval() != 5*time.Second {
		t.Errorf("UpdateInterval() = %v, want 5s", m.UpdateInterval())
	}
	if m.RetryLimit() != 9 {
		t.Errorf("RetryLimit() = %d, want 9", m.RetryLimit())
	}
	if base, maxDelay := m.Backoff(); base != time.Second || maxDelay != 4*time.Second {
		t.Errorf("Backoff() = %v, %v, want 1s, 4s", base, maxDelay)
	}
	if m.Labels()["hall"] != "A" || m.Labels()["laser"] != "fiber" {
		t.Errorf("Labels() = %v", m.Labels())
	}
}

func TestBuildMachines_Grid(t *testing.T) {
	cfg := mustParse(t, `
grids:
  - name: Cutter
    address_template: "modbus://10.1.{{.hall}}.{{.cell}}:502?unit=1"
    dimensions:
      hall: ["1", "2"]
      cell: ["10", "11"]
    retry_limit: 2
    labels:
      plant: bern
`)

	machines, err := BuildMachines(cfg)
	if err != nil {
		t.Fatalf("BuildMachines() error = %v", err)
	}
	if len(machines) != 4 {
		t.Fatalf("len(machines) = %d, want 4", len(machines))
	}

	first := machines[0]
	if first.Name() != "Cutter_10_1" {
		t.Errorf("Name() = %q, want Cutter_10_1", first.Name())
	}
	if first.Address() != "modbus://10.1.1.10:502?unit=1" {
		t.Errorf("Address() = %q", first.Address())
	}
	if first.RetryLimit() != 2 {
		t.Errorf("RetryLimit() = %d, want 2", first.RetryLimit())
	}
	labels := first.Labels()
	if labels["plant"] != "bern" || labels["hall"] != "1" || labels["cell"] != "10" {
		t.Errorf("Labels() = %v, want plant, hall and cell", labels)
	}
}

func TestBuildMachines_MixedMachinesAndGrids(t *testing.T) {
	cfg := mustParse(t, `
machines:
  - name: Single
    address: sim://single
grids:
  - name: Cutter
    address_template: "sim://cutter-{{.n}}"
    dimensions:
      n: ["1", "2"]
`)

	machines, err := BuildMachines(cfg)
	if err != nil {
		t.Fatalf("BuildMachines() error = %v", err)
	}

	want := []string{"Single", "Cutter_1", "Cutter_2"}
	if len(machines) != len(want) {
		t.Fatalf("len(machines) = %d, want %d", len(machines), len(want))
	}
	for i, name := range want {
		if machines[i].Name() != name {
			t.Errorf("machines[%d].Name() = %q, want %q", i, machines[i].Name(), name)
		}
	}
}

func TestBuildMachines_GridTemplateExecutionError(t *testing.T) {
	// parses fine, but references a key that is not a dimension
	cfg := mustParse(t, `
grids:
  - name: Cutter
    address_template: "sim://cutter-{{.line}}"
    dimensions:
      n: ["1"]
`)

	_, err := BuildMachines(cfg)
	if err == nil {
		t.Fatal("BuildMachines() expected error, got nil")
	}
	if !errors.Is(err, bystronic.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

func TestBuildOptions_ProducesFleet(t *testing.T) {
	cfg := mustParse(t, `
title: Hall A
port: 9191
update_interval: 15s
request_timeout: 4s
retry_limit: 5
base_delay: 2s
max_delay: 8s
journal: ":memory:"
machines:
  - name: Machine_1
    address: sim://m1
  - name: Machine_2
    address: sim://m2
    timeout: 1s
`)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts, err := BuildOptions(cfg, logger)
	if err != nil {
		t.Fatalf("BuildOptions() error = %v", err)
	}

	fm, err := bystronic.New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = fm.Stop() }()

	if fm.Title() != "Hall A" {
		t.Errorf("Title() = %q, want Hall A", fm.Title())
	}
	if fm.Port() != 9191 {
		t.Errorf("Port() = %d, want 9191", fm.Port())
	}

	m1, _ := fm.Machine("Machine_1")
	if m1.UpdateInterval() != 15*time.Second || m1.Timeout() != 4*time.Second || m1.RetryLimit() != 5 {
		t.Errorf("Machine_1 resolved to %v, %v, %d", m1.UpdateInterval(), m1.Timeout(), m1.RetryLimit())
	}
	if base, maxDelay := m1.Backoff(); base != 2*time.Second || maxDelay != 8*time.Second {
		t.Errorf("Machine_1 Backoff() = %v, %v, want 2s, 8s", base, maxDelay)
	}

	m2, _ := fm.Machine("Machine_2")
	if m2.Timeout() != time.Second {
		t.Errorf("Machine_2 Timeout() = %v, want 1s", m2.Timeout())
	}
}

func TestBuildOptions_ExtraOptionsOverride(t *testing.T) {
	cfg := mustParse(t, `
port: 9191
machines:
  - name: Machine_1
    address: sim://m1
`)

	opts, err := BuildOptions(cfg, nil, bystronic.WithPort(9292))
	if err != nil {
		t.Fatalf("BuildOptions() error = %v", err)
	}
	fm, err := bystronic.New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if fm.Port() != 9292 {
		t.Errorf("Port() = %d, want 9292", fm.Port())
	}
}

func TestMapToKeyValuePairs_Sorted(t *testing.T) {
	got := mapToKeyValuePairs(map[string]string{"b": "2", "a": "1", "c": "3"})
	want := []string{"a", "1", "b", "2", "c", "3"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pairs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
