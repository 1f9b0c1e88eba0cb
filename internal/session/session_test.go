package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn answers reads from a map and blocks when block is set.
type fakeConn struct {
	mu      sync.Mutex
	values  map[string]any
	readErr error
	callErr error
	calls   []string
	result  any
	block   bool
	closed  chan struct{}
	inCall  chan struct{}
	closeN  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		values: map[string]any{},
		closed: make(chan struct{}),
		inCall: make(chan struct{}, 1),
	}
}

func (c *fakeConn) Read(ctx context.Context, selector string) (any, error) {
	c.mu.Lock()
	block, err, v := c.block, c.readErr, c.values[selector]
	c.mu.Unlock()
	if block {
		select {
		case c.inCall <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, io.ErrClosedPipe
		}
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *fakeConn) Call(_ context.Context, method string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, method)
	if c.callErr != nil {
		return nil, c.callErr
	}
	return c.result, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeN++
	if c.closeN == 1 {
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeN
}

type testDriver struct {
	mu    sync.Mutex
	conn  *fakeConn
	err   error
	dials int
	hang  bool
}

func (d *testDriver) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	hang, err, conn := d.hang, d.err, d.conn
	d.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func newTestSession(t *testing.T, d Driver, timeout time.Duration) (*Session, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return New(Config{
		Machine: "Machine_1",
		Address: "sim://Machine_1",
		Timeout: timeout,
		Driver:  d,
		Tracer:  tp.Tracer("test"),
		Logger:  testLogger(),
	}), sr
}

func TestSession_StartsDisconnected(t *testing.T) {
	s, _ := newTestSession(t, &testDriver{conn: newFakeConn()}, time.Second)
	assert.Equal(t, model.StateDisconnected, s.State())
	assert.Equal(t, "Machine_1", s.Machine())
	assert.Equal(t, "sim://Machine_1", s.Address())
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	d := &testDriver{conn: newFakeConn()}
	s, sr := newTestSession(t, d, time.Second)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, model.StateConnected, s.State())
	assert.Equal(t, 1, d.dials)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "session.connect", spans[0].Name())
}

func TestSession_ConnectFailure(t *testing.T) {
	refused := errors.New("connection refused")
	s, sr := newTestSession(t, &testDriver{err: refused}, time.Second)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, model.ErrConnectionFailure)
	require.ErrorIs(t, err, refused)
	assert.Equal(t, model.StateFailed, s.State())

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestSession_ConnectTimeoutIsConnectionFailure(t *testing.T) {
	s, _ := newTestSession(t, &testDriver{hang: true}, 20*time.Millisecond)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, model.ErrConnectionFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.StateFailed, s.State())
}

func TestSession_ReadRequiresConnection(t *testing.T) {
	s, _ := newTestSession(t, &testDriver{conn: newFakeConn()}, time.Second)

	_, err := s.Read(context.Background(), SelectorCurrentJob)
	require.ErrorIs(t, err, model.ErrNotConnected)

	_, err = s.Call(context.Background(), MethodGetRunHistory)
	require.ErrorIs(t, err, model.ErrNotConnected)
}

func TestSession_ReadFailureMarksFailed(t *testing.T) {
	conn := newFakeConn()
	conn.readErr = errors.New("BadNodeIdUnknown")
	s, _ := newTestSession(t, &testDriver{conn: conn}, time.Second)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Read(context.Background(), SelectorGasPressure)
	require.ErrorIs(t, err, model.ErrRequestFailure)
	assert.Contains(t, err.Error(), SelectorGasPressure)
	assert.Equal(t, model.StateFailed, s.State())
}

func TestSession_RejectedCallKeepsConnection(t *testing.T) {
	conn := newFakeConn()
	conn.callErr = fmt.Errorf("call History.GetRunHistory: %w: BadMethodInvalid", ErrRejected)
	s, _ := newTestSession(t, &testDriver{conn: conn}, time.Second)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Call(context.Background(), MethodGetRunHistory)
	require.ErrorIs(t, err, model.ErrRequestFailure)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, model.StateConnected, s.State())

	conn.mu.Lock()
	conn.callErr = io.ErrUnexpectedEOF
	conn.mu.Unlock()

	_, err = s.Call(context.Background(), MethodGetRunHistory)
	require.ErrorIs(t, err, model.ErrRequestFailure)
	assert.Equal(t, model.StateFailed, s.State())
}

func TestSession_ReadTimeout(t *testing.T) {
	conn := newFakeConn()
	conn.block = true
	s, _ := newTestSession(t, &testDriver{conn: conn}, 20*time.Millisecond)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Read(context.Background(), SelectorCurrentJob)
	require.ErrorIs(t, err, model.ErrTimeout)
	assert.Equal(t, model.StateFailed, s.State())
}

func TestSession_ReconnectClosesStaleConn(t *testing.T) {
	conn := newFakeConn()
	conn.readErr = errors.New("boom")
	d := &testDriver{conn: conn}
	s, _ := newTestSession(t, d, time.Second)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Read(context.Background(), SelectorCurrentJob)
	require.Error(t, err)

	fresh := newFakeConn()
	d.mu.Lock()
	d.conn = fresh
	d.mu.Unlock()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, model.StateConnected, s.State())
}

func TestSession_DisconnectUnblocksInflightRead(t *testing.T) {
	conn := newFakeConn()
	conn.block = true
	s, _ := newTestSession(t, &testDriver{conn: conn}, 10*time.Second)
	require.NoError(t, s.Connect(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background(), SelectorCurrentJob)
		errc <- err
	}()

	<-conn.inCall
	s.Disconnect()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, model.ErrRequestFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after Disconnect")
	}
	// The failed read must not overwrite the disconnect.
	assert.Equal(t, model.StateDisconnected, s.State())
}

func TestSession_DisconnectIsSafeTwice(t *testing.T) {
	conn := newFakeConn()
	s, _ := newTestSession(t, &testDriver{conn: conn}, time.Second)
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, model.StateDisconnected, s.State())
	assert.Equal(t, 1, conn.closeCount())
}
