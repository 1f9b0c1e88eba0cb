package bystronic

import (
	"github.com/Drustburn/bystronic-opc/internal/session"
	"github.com/Drustburn/bystronic-opc/internal/transport/modbus"
	"github.com/Drustburn/bystronic-opc/internal/transport/opcua"
	"github.com/Drustburn/bystronic-opc/internal/transport/sim"
)

// Driver opens connections to machine controllers for one address scheme.
// Register custom drivers with [WithDriver].
type Driver = session.Driver

// Conn is an open controller connection returned by a [Driver].
//
// Read returns the value of a node selector; Call invokes a method such as
// "History.GetRunHistory". Implementations need not be safe for concurrent
// use: each machine's requests are serialized before they reach the Conn.
type Conn = session.Conn

// DriverFunc adapts a function to the [Driver] interface.
type DriverFunc = session.DriverFunc

// defaultDrivers returns the built-in driver for every supported scheme.
func defaultDrivers() map[string]Driver {
	return map[string]Driver{
		opcua.Scheme:  opcua.NewDriver(0),
		modbus.Scheme: modbus.NewDriver(nil),
		sim.Scheme:    sim.NewDriver(),
	}
}
