package session

import (
	"context"
	"errors"
)

// ErrRejected marks a request the machine answered with a bad status, such
// as an unknown method or invalid arguments. Drivers wrap it so the session
// knows the connection itself is still healthy.
var ErrRejected = errors.New("rejected by machine")

// Driver opens protocol connections to machines.
//
// A Driver owns the wire protocol; the session layer only sees opaque values.
// Implementations live under internal/transport.
type Driver interface {
	// Dial establishes a connection to address. The context carries the
	// connect deadline.
	Dial(ctx context.Context, address string) (Conn, error)
}

// Conn is one established protocol connection.
//
// Conn implementations need not be safe for concurrent use: [Session]
// never issues two requests on the same Conn at once. Close, however, may be
// called while a request is in flight and should unblock it.
type Conn interface {
	// Read returns the current value of the node identified by selector.
	Read(ctx context.Context, selector string) (any, error)

	// Call invokes a server-side method, e.g. "History.GetRunHistory".
	Call(ctx context.Context, method string, args ...any) (any, error)

	// Close releases the connection.
	Close() error
}

// DriverFunc adapts a function to the [Driver] interface.
type DriverFunc func(ctx context.Context, address string) (Conn, error)

// Dial calls f(ctx, address).
func (f DriverFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}
