package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Drustburn/bystronic-opc/internal/session"
)

// bank is a fake holding-register table.
type bank struct {
	regs   map[uint16]uint16
	reads  [][2]uint16
	err    error
	closed bool
}

func (b *bank) ReadHoldingRegisters(addr, qty uint16) ([]byte, error) {
	b.reads = append(b.reads, [2]uint16{addr, qty})
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, int(qty)*2)
	for i := uint16(0); i < qty; i++ {
		binary.BigEndian.PutUint16(out[2*i:], b.regs[addr+i])
	}
	return out, nil
}

func (b *bank) Close() error {
	b.closed = true
	return nil
}

func (b *bank) setFloat(addr uint16, v float32) {
	bits := math.Float32bits(v)
	b.regs[addr] = uint16(bits >> 16)
	b.regs[addr+1] = uint16(bits)
}

func (b *bank) setBytes(addr uint16, data []byte) {
	b.regs[addr] = uint16(len(data))
	padded := append([]byte(nil), data...)
	if len(padded)%2 == 1 {
		padded = append(padded, 0)
	}
	for i := 0; i < len(padded); i += 2 {
		b.regs[addr+1+uint16(i/2)] = binary.BigEndian.Uint16(padded[i:])
	}
}

func newBankConn() (*conn, *bank) {
	b := &bank{regs: map[uint16]uint16{}}
	return newConn(b, b, DefaultRegisters, nil), b
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		address  string
		endpoint string
		unit     byte
		wantErr  bool
	}{
		{"modbus://10.0.0.7", "10.0.0.7:502", 1, false},
		{"modbus://10.0.0.7:1502?unit=4", "10.0.0.7:1502", 4, false},
		{"modbus://gateway.local:502?unit=255", "gateway.local:502", 255, false},
		{"modbus://10.0.0.7?unit=300", "", 0, true},
		{"opc.tcp://10.0.0.7:4840", "", 0, true},
		{"modbus://", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			endpoint, unit, err := ParseAddress(tt.address)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.unit, unit)
		})
	}
}

func TestConn_ReadScalars(t *testing.T) {
	c, b := newBankConn()
	b.setFloat(100, 4200.5)
	b.regs[102] = 2
	b.setFloat(107, 4400)
	b.regs[109] = 0xFFFF // -1

	ctx := context.Background()

	v, err := c.Read(ctx, session.SelectorCurrentLaserPower)
	require.NoError(t, err)
	assert.Equal(t, float32(4200.5), v)

	v, err = c.Read(ctx, session.SelectorGasChannel)
	require.NoError(t, err)
	assert.Equal(t, int16(2), v)

	v, err = c.Read(ctx, session.SelectorLaserPowerSetpoint)
	require.NoError(t, err)
	assert.Equal(t, float32(4400), v)

	v, err = c.Read(ctx, session.SelectorProcessOperationMode)
	require.NoError(t, err)
	assert.Equal(t, int16(-1), v)
}

func TestConn_ReadBytesAcrossRequests(t *testing.T) {
	c, b := newBankConn()
	data := make([]byte, 301) // 151 registers, two requests
	for i := range data {
		data[i] = byte(i)
	}
	b.setBytes(1000, data)

	v, err := c.Read(context.Background(), session.SelectorCurrentJob)
	require.NoError(t, err)
	assert.Equal(t, data, v)
	assert.Equal(t, [][2]uint16{{1000, 1}, {1001, 125}, {1126, 26}}, b.reads)
}

func TestConn_ReadEmptyJob(t *testing.T) {
	c, _ := newBankConn()

	v, err := c.Read(context.Background(), session.SelectorCurrentJob)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestConn_Errors(t *testing.T) {
	c, b := newBankConn()

	_, err := c.Read(context.Background(), "ns=2;s=Unknown")
	require.Error(t, err)

	b.err = errors.New("modbus: exception '2' (illegal data address)")
	_, err = c.Read(context.Background(), session.SelectorGasPressure)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal data address")

	_, err = c.Call(context.Background(), session.MethodGetRunHistory)
	require.ErrorIs(t, err, errors.ErrUnsupported)
	require.ErrorIs(t, err, session.ErrRejected)
}

func TestConn_CloseOnce(t *testing.T) {
	c, b := newBankConn()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, b.closed)

	_, err := c.Read(context.Background(), session.SelectorGasChannel)
	require.Error(t, err)
}

func TestConn_ThroughSession(t *testing.T) {
	c, b := newBankConn()
	b.setFloat(100, 3000)
	b.regs[102] = 1
	b.setFloat(103, 14)

	s := session.New(session.Config{
		Machine: "Machine_7",
		Address: "modbus://10.0.0.7",
		Driver: session.DriverFunc(func(context.Context, string) (session.Conn, error) {
			return c, nil
		}),
	})
	require.NoError(t, s.Connect(context.Background()))

	job, err := s.CurrentJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)

	p, err := s.LaserParameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3000.0, p.CurrentLaserPower)
	assert.Equal(t, 1, p.GasChannel)
	assert.Equal(t, 14.0, p.GasPressure)
}
