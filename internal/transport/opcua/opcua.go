// Package opcua connects to machine controllers over OPC UA binary
// (opc.tcp://host:port).
//
// Node selectors are OPC UA node ids such as "ns=2;s=Laser.GasPressure".
// Methods are addressed as "Object.Method" and resolved to string node ids
// in namespace 2, e.g. "History.GetRunHistory" calls method
// ns=2;s=History.GetRunHistory on object ns=2;s=History.
package opcua

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/google/uuid"

	"github.com/Drustburn/bystronic-opc/internal/session"
)

// Scheme is the address scheme served by this driver.
const Scheme = "opc.tcp"

// methodNamespace holds the controller's objects and methods.
const methodNamespace = 2

// Driver dials OPC UA servers without security, the controllers' factory
// setting.
type Driver struct {
	requestTimeout time.Duration
}

var _ session.Driver = (*Driver)(nil)

// NewDriver creates a driver. requestTimeout bounds requests the session
// does not bound itself; zero keeps the library default.
func NewDriver(requestTimeout time.Duration) *Driver {
	return &Driver{requestTimeout: requestTimeout}
}

// Dial implements session.Driver.
func (d *Driver) Dial(ctx context.Context, address string) (session.Conn, error) {
	if !strings.HasPrefix(address, Scheme+"://") {
		return nil, fmt.Errorf("opcua: invalid address %q", address)
	}

	opts := []opcua.Option{
		opcua.SecurityPolicy(ua.SecurityPolicyURINone),
		opcua.SecurityMode(ua.MessageSecurityModeNone),
		// reconnects belong to the monitor loop
		opcua.AutoReconnect(false),
	}
	if d.requestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(d.requestTimeout))
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, opcua.DialTimeout(time.Until(dl)))
	}

	c, err := opcua.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("opcua: new client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
		return nil, fmt.Errorf("opcua: connect %s: %w", address, err)
	}
	return &conn{client: c}, nil
}

type conn struct {
	client *opcua.Client
}

func (c *conn) Read(ctx context.Context, selector string) (any, error) {
	id, err := ua.ParseNodeID(selector)
	if err != nil {
		return nil, fmt.Errorf("opcua: parse node id %q: %w", selector, err)
	}

	resp, err := c.client.Read(ctx, &ua.ReadRequest{
		MaxAge:             0,
		NodesToRead:        []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != 1 {
		return nil, fmt.Errorf("opcua: read %s: %d results", selector, len(resp.Results))
	}
	res := resp.Results[0]
	if res.Status != ua.StatusOK {
		return nil, fmt.Errorf("opcua: read %s: %w: %w", selector, session.ErrRejected, res.Status)
	}
	if res.Value == nil {
		return nil, nil
	}
	return unwrap(res.Value.Value())
}

func (c *conn) Call(ctx context.Context, method string, args ...any) (any, error) {
	object, _, ok := strings.Cut(method, ".")
	if !ok {
		return nil, fmt.Errorf("opcua: method %q is not Object.Method", method)
	}

	inputs := make([]*ua.Variant, 0, len(args))
	for i, a := range args {
		v, err := ua.NewVariant(toUA(a))
		if err != nil {
			return nil, fmt.Errorf("opcua: %s argument %d: %w", method, i, err)
		}
		inputs = append(inputs, v)
	}

	res, err := c.client.Call(ctx, &ua.CallMethodRequest{
		ObjectID:       ua.NewStringNodeID(methodNamespace, object),
		MethodID:       ua.NewStringNodeID(methodNamespace, method),
		InputArguments: inputs,
	})
	if err != nil {
		return nil, err
	}
	if res.StatusCode != ua.StatusOK {
		return nil, fmt.Errorf("opcua: call %s: %w: %w", method, session.ErrRejected, res.StatusCode)
	}

	switch len(res.OutputArguments) {
	case 0:
		return nil, nil
	case 1:
		return unwrap(res.OutputArguments[0].Value())
	default:
		out := make([]any, 0, len(res.OutputArguments))
		for _, v := range res.OutputArguments {
			val, err := unwrap(v.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	}
}

func (c *conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Close(ctx)
}

// encoder is implemented by decoded extension object bodies.
type encoder interface {
	Encode() ([]byte, error)
}

// unwrap converts OPC UA specific values to plain Go values: GUIDs become
// uuid.UUID and extension objects their binary body.
func unwrap(v any) (any, error) {
	switch val := v.(type) {
	case *ua.GUID:
		if val == nil {
			return nil, nil
		}
		return uuid.Parse(val.String())
	case *ua.ExtensionObject:
		if val == nil || val.Value == nil {
			return nil, nil
		}
		if b, ok := val.Value.([]byte); ok {
			return b, nil
		}
		if enc, ok := val.Value.(encoder); ok {
			return enc.Encode()
		}
		return val.Value, nil
	default:
		return v, nil
	}
}

// toUA converts plain Go arguments to types ua.NewVariant accepts.
func toUA(v any) any {
	switch val := v.(type) {
	case uuid.UUID:
		return ua.NewGUID(val.String())
	case int:
		return int32(val)
	default:
		return v
	}
}
