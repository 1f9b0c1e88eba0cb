// Package modbus reads machine values over Modbus TCP.
//
// Some retrofitted cutters expose their live values through a Modbus gateway
// instead of OPC UA. Addresses have the form
//
//	modbus://host[:port][?unit=N]
//
// with port 502 and unit 1 by default. Each node selector maps to a holding
// register range through a [RegisterMap]. Method calls are not available over
// Modbus, so history queries against such machines fail.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Drustburn/bystronic-opc/internal/session"
)

// Scheme is the address scheme served by this driver.
const Scheme = "modbus"

const (
	defaultPort = "502"
	defaultUnit = 1

	// maxQuantity is the largest register count of one read request.
	maxQuantity = 125
)

// Kind is the encoding of a register range.
type Kind int

const (
	// Int16 is one signed register.
	Int16 Kind = iota

	// Float32 is an IEEE 754 value in two registers, high word first.
	Float32

	// Bytes is a length register followed by the data, two bytes per
	// register. A zero length reads as nil.
	Bytes
)

// Register locates one value.
type Register struct {
	Address uint16
	Kind    Kind
}

// RegisterMap maps node selectors to registers.
type RegisterMap map[string]Register

// DefaultRegisters is the gateway layout used unless overridden.
var DefaultRegisters = RegisterMap{
	session.SelectorCurrentJob:           {Address: 1000, Kind: Bytes},
	session.SelectorCurrentLaserPower:    {Address: 100, Kind: Float32},
	session.SelectorGasChannel:           {Address: 102, Kind: Int16},
	session.SelectorGasPressure:          {Address: 103, Kind: Float32},
	session.SelectorLaserPowerDeviation:  {Address: 105, Kind: Float32},
	session.SelectorLaserPowerSetpoint:   {Address: 107, Kind: Float32},
	session.SelectorProcessOperationMode: {Address: 109, Kind: Int16},
}

// registerReader is the subset of modbus.Client used here.
type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Driver dials Modbus TCP gateways.
type Driver struct {
	registers RegisterMap
}

var _ session.Driver = (*Driver)(nil)

// NewDriver creates a driver using regs, or [DefaultRegisters] when regs is nil.
func NewDriver(regs RegisterMap) *Driver {
	if regs == nil {
		regs = DefaultRegisters
	}
	return &Driver{registers: regs}
}

// Dial implements session.Driver.
func (d *Driver) Dial(ctx context.Context, address string) (session.Conn, error) {
	endpoint, unit, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	h := modbus.NewTCPClientHandler(endpoint)
	h.SlaveId = unit
	h.Timeout = timeoutFrom(ctx, 10*time.Second)

	done := make(chan error, 1)
	go func() { done <- h.Connect() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("modbus: connect %s: %w", endpoint, err)
		}
	case <-ctx.Done():
		go func() {
			if <-done == nil {
				_ = h.Close()
			}
		}()
		return nil, ctx.Err()
	}

	return newConn(modbus.NewClient(h), h, d.registers, h), nil
}

// ParseAddress splits a modbus:// address into a TCP endpoint and unit id.
func ParseAddress(address string) (endpoint string, unit byte, err error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", 0, fmt.Errorf("modbus: parse address: %w", err)
	}
	if u.Scheme != Scheme || u.Hostname() == "" {
		return "", 0, fmt.Errorf("modbus: invalid address %q", address)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	unit = defaultUnit
	if v := u.Query().Get("unit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return "", 0, fmt.Errorf("modbus: invalid unit %q in %q", v, address)
		}
		unit = byte(n)
	}

	return net.JoinHostPort(u.Hostname(), port), unit, nil
}

type conn struct {
	mu        sync.Mutex
	reader    registerReader
	closer    io.Closer
	registers RegisterMap
	handler   *modbus.TCPClientHandler
	closed    atomic.Bool
}

func newConn(r registerReader, c io.Closer, regs RegisterMap, h *modbus.TCPClientHandler) *conn {
	return &conn{reader: r, closer: c, registers: regs, handler: h}
}

func (c *conn) Read(ctx context.Context, selector string) (any, error) {
	reg, ok := c.registers[selector]
	if !ok {
		return nil, fmt.Errorf("modbus: no register mapped for %q", selector)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, net.ErrClosed
	}
	if c.handler != nil {
		c.handler.Timeout = timeoutFrom(ctx, c.handler.Timeout)
	}

	switch reg.Kind {
	case Int16:
		b, err := c.read(ctx, reg.Address, 1)
		if err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(b)), nil
	case Float32:
		b, err := c.read(ctx, reg.Address, 2)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
	case Bytes:
		return c.readBytes(ctx, reg.Address)
	default:
		return nil, fmt.Errorf("modbus: unknown register kind %d", reg.Kind)
	}
}

func (c *conn) Call(_ context.Context, method string, _ ...any) (any, error) {
	return nil, fmt.Errorf("modbus: method %q: %w: %w", method, session.ErrRejected, errors.ErrUnsupported)
}

// Close closes the gateway connection. The underlying handler waits for an
// in-flight request, which its timeout bounds.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.closer.Close()
}

// read fetches qty registers and checks the payload length.
func (c *conn) read(ctx context.Context, addr, qty uint16) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := c.reader.ReadHoldingRegisters(addr, qty)
	if err != nil {
		return nil, fmt.Errorf("modbus: read %d registers at %d: %w", qty, addr, err)
	}
	if len(b) < int(qty)*2 {
		return nil, fmt.Errorf("modbus: short read at %d: %d bytes", addr, len(b))
	}
	return b, nil
}

func (c *conn) readBytes(ctx context.Context, addr uint16) ([]byte, error) {
	head, err := c.read(ctx, addr, 1)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(head))
	if n == 0 {
		return nil, nil
	}

	regs := (n + 1) / 2
	out := make([]byte, 0, regs*2)
	next := addr + 1
	for regs > 0 {
		qty := regs
		if qty > maxQuantity {
			qty = maxQuantity
		}
		b, err := c.read(ctx, next, uint16(qty))
		if err != nil {
			return nil, err
		}
		out = append(out, b[:qty*2]...)
		next += uint16(qty)
		regs -= qty
	}
	return out[:n], nil
}

func timeoutFrom(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}
