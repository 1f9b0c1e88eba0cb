// Package sim provides an in-process simulated machine controller.
//
// Addresses have the form sim://<name>. Each name maps to one [Machine]
// holding a loaded job, live laser values and a run history. Failures are
// scripted through [Behavior], which makes the driver useful for tests and
// demos without any hardware.
package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Drustburn/bystronic-opc/internal/model"
	"github.com/Drustburn/bystronic-opc/internal/session"
)

// Scheme is the address scheme served by this driver.
const Scheme = "sim"

var (
	// ErrClosed is returned by requests on a closed connection.
	ErrClosed = errors.New("sim: connection closed")

	// ErrUnknownMethod is returned for methods the simulator does not serve.
	ErrUnknownMethod = fmt.Errorf("sim: unknown method: %w", session.ErrRejected)

	// ErrBadArguments is returned for method calls with unexpected arguments.
	ErrBadArguments = fmt.Errorf("sim: bad arguments: %w", session.ErrRejected)
)

// Behavior scripts failures of one simulated machine. Nil hooks never fail.
type Behavior struct {
	// Connect is called with the 1-based dial count.
	Connect func(attempt int) error

	// Read is called with the 1-based count of current-job reads, i.e. of
	// refresh cycles, and the selector being read.
	Read func(cycle int, selector string) error

	// Call is called with the method name before every method call.
	Call func(method string) error

	// Latency delays every dial and request.
	Latency time.Duration
}

// Machine is one simulated controller.
type Machine struct {
	name string

	mu       sync.Mutex
	behavior Behavior
	job      *model.JobInfo
	laser    model.LaserParameters
	runs     []model.RunRecord
	dials    int
	cycles   int
}

// NewMachine creates a machine with a loaded job and nominal laser values.
func NewMachine(name string) *Machine {
	return &Machine{
		name: name,
		job: &model.JobInfo{
			GUID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte("sim://"+name)),
			Name:     name + "_job",
			FilePath: `C:\Bystronic\Jobs\` + name + `.job`,
		},
		laser: model.LaserParameters{
			CurrentLaserPower:    4000,
			GasChannel:           1,
			GasPressure:          12,
			LaserPowerSetpoint:   4000,
			ProcessOperationMode: 1,
		},
	}
}

// Name returns the machine name.
func (m *Machine) Name() string {
	return m.name
}

// SetBehavior replaces the failure script.
func (m *Machine) SetBehavior(b Behavior) {
	m.mu.Lock()
	m.behavior = b
	m.mu.Unlock()
}

// SetJob replaces the loaded job. nil unloads it.
func (m *Machine) SetJob(job *model.JobInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job == nil {
		m.job = nil
		return
	}
	cp := *job
	m.job = &cp
}

// SetLaser replaces the live laser values.
func (m *Machine) SetLaser(p model.LaserParameters) {
	m.mu.Lock()
	m.laser = p
	m.mu.Unlock()
}

// AddRuns appends records to the run history.
func (m *Machine) AddRuns(runs ...model.RunRecord) {
	m.mu.Lock()
	m.runs = append(m.runs, runs...)
	m.mu.Unlock()
}

// Dials returns how many times the machine was dialled.
func (m *Machine) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Cycles returns how many current-job reads the machine served or failed.
func (m *Machine) Cycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

// Driver dials simulated machines by name. Unknown names get a fresh
// healthy machine.
type Driver struct {
	mu       sync.Mutex
	machines map[string]*Machine
}

var _ session.Driver = (*Driver)(nil)

// NewDriver creates a driver serving the given machines.
func NewDriver(machines ...*Machine) *Driver {
	d := &Driver{machines: make(map[string]*Machine, len(machines))}
	for _, m := range machines {
		d.machines[m.name] = m
	}
	return d
}

// Machine returns the simulated machine with the given name, creating it if
// needed.
func (d *Driver) Machine(name string) *Machine {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.machines[name]
	if !ok {
		m = NewMachine(name)
		d.machines[name] = m
	}
	return m
}

// Dial implements session.Driver.
func (d *Driver) Dial(ctx context.Context, address string) (session.Conn, error) {
	name, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	m := d.Machine(name)

	m.mu.Lock()
	m.dials++
	attempt := m.dials
	b := m.behavior
	m.mu.Unlock()

	if err := wait(ctx, b.Latency); err != nil {
		return nil, err
	}
	if b.Connect != nil {
		if err := b.Connect(attempt); err != nil {
			return nil, err
		}
	}
	return &conn{machine: m, closed: make(chan struct{})}, nil
}

func parseAddress(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("sim: parse address: %w", err)
	}
	if u.Scheme != Scheme || u.Host == "" {
		return "", fmt.Errorf("sim: invalid address %q", address)
	}
	return u.Host, nil
}

type conn struct {
	machine *Machine

	once   sync.Once
	closed chan struct{}
}

func (c *conn) Read(ctx context.Context, selector string) (any, error) {
	m := c.machine
	m.mu.Lock()
	b := m.behavior
	if selector == session.SelectorCurrentJob {
		m.cycles++
	}
	cycle := m.cycles
	m.mu.Unlock()

	if err := c.wait(ctx, b.Latency); err != nil {
		return nil, err
	}
	if b.Read != nil {
		if err := b.Read(cycle, selector); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch selector {
	case session.SelectorCurrentJob:
		if m.job == nil {
			return nil, nil
		}
		return EncodeJob(*m.job), nil
	case session.SelectorCurrentLaserPower:
		// small ripple so dashboards show movement
		return m.laser.CurrentLaserPower + 5*math.Sin(float64(cycle)), nil
	case session.SelectorGasChannel:
		return int32(m.laser.GasChannel), nil
	case session.SelectorGasPressure:
		return m.laser.GasPressure, nil
	case session.SelectorLaserPowerDeviation:
		return m.laser.LaserPowerDeviation, nil
	case session.SelectorLaserPowerSetpoint:
		return m.laser.LaserPowerSetpoint, nil
	case session.SelectorProcessOperationMode:
		return int32(m.laser.ProcessOperationMode), nil
	default:
		return nil, fmt.Errorf("sim: unknown node %q", selector)
	}
}

func (c *conn) Call(ctx context.Context, method string, args ...any) (any, error) {
	m := c.machine
	m.mu.Lock()
	b := m.behavior
	m.mu.Unlock()

	if err := c.wait(ctx, b.Latency); err != nil {
		return nil, err
	}
	if b.Call != nil {
		if err := b.Call(method); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch method {
	case session.MethodGetRunHistory:
		return m.runHistory(args)
	case session.MethodGetJobInfo:
		id, err := guidArg(args)
		if err != nil {
			return nil, err
		}
		if m.job == nil || m.job.GUID != id {
			return "", nil
		}
		return marshal(map[string]any{
			"JobGuid":  m.job.GUID.String(),
			"Name":     m.job.Name,
			"FilePath": m.job.FilePath,
			"Machine":  m.name,
		})
	case session.MethodGetPlanInfos, session.MethodGetPartInfos:
		id, err := guidArg(args)
		if err != nil {
			return nil, err
		}
		if m.job == nil || m.job.GUID != id {
			return "[]", nil
		}
		key := "PlanName"
		if method == session.MethodGetPartInfos {
			key = "PartName"
		}
		return marshal([]map[string]any{{"JobGuid": id.String(), key: m.job.Name + "_1"}})
	case session.MethodGetScreenImage:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: GetScreenImage wants 2, got %d", ErrBadArguments, len(args))
		}
		return screenImage(m.cycles)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, method)
	}
}

func (c *conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *conn) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case <-t.C:
		return nil
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runHistory serves GetRunHistory(from, to, page, pageSize) the way the
// controller does: a two-element result whose second element is JSON.
func (m *Machine) runHistory(args []any) (any, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("%w: GetRunHistory wants 4, got %d", ErrBadArguments, len(args))
	}
	from, ok1 := args[0].(time.Time)
	to, ok2 := args[1].(time.Time)
	page, ok3 := args[2].(int32)
	size, ok4 := args[3].(int32)
	if !ok1 || !ok2 || !ok3 || !ok4 || page < 1 || size < 1 {
		return nil, fmt.Errorf("%w: GetRunHistory", ErrBadArguments)
	}

	matched := make([]model.RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if r.CutStartTime == nil || r.CutStartTime.Before(from) || r.CutStartTime.After(to) {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CutStartTime.Before(*matched[j].CutStartTime)
	})

	start := int(page-1) * int(size)
	if start > len(matched) {
		start = len(matched)
	}
	end := start + int(size)
	if end > len(matched) {
		end = len(matched)
	}

	wire := make([]map[string]any, 0, end-start)
	for _, r := range matched[start:end] {
		entry := map[string]any{
			"RunGuid":        r.RunGUID.String(),
			"JobGuid":        r.JobGUID.String(),
			"ActualCutTime":  r.ActualCutTime,
			"ActualStopTime": r.ActualStopTime,
			"ActualWaitTime": r.ActualWaitTime,
			"CutStartTime":   r.CutStartTime.UTC().Format(time.RFC3339Nano),
		}
		if r.CutEndTime != nil {
			entry["CutEndTime"] = r.CutEndTime.UTC().Format(time.RFC3339Nano)
		}
		wire = append(wire, entry)
	}
	payload, err := marshal(wire)
	if err != nil {
		return nil, err
	}
	return []any{"", payload}, nil
}

func guidArg(args []any) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("%w: want 1, got %d", ErrBadArguments, len(args))
	}
	id, ok := args[0].(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: want GUID, got %T", ErrBadArguments, args[0])
	}
	return id, nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sim: encode result: %w", err)
	}
	return string(b), nil
}

// EncodeJob renders a job in the controller's binary layout: a GUID with
// little-endian leading groups, 16 reserved bytes, then length-prefixed
// name and file path.
func EncodeJob(job model.JobInfo) []byte {
	id := job.GUID
	b := make([]byte, 32, 40+len(job.Name)+len(job.FilePath))
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(b[8:16], id[8:])
	b = binary.LittleEndian.AppendUint32(b, uint32(len(job.Name)))
	b = append(b, job.Name...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(job.FilePath)))
	b = append(b, job.FilePath...)
	return b
}

// screenImage renders a small PNG standing in for the HMI screen. The shade
// follows the refresh count so consecutive captures differ.
func screenImage(cycle int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	shade := uint8(64 + cycle%128)
	for y := 0; y < 9; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: shade, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("sim: encode screen: %w", err)
	}
	return buf.Bytes(), nil
}
