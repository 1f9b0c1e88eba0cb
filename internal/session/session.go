// Package session implements the single-machine connection used by the
// monitor loops and the on-demand queries.
//
// A [Session] owns at most one live [Conn] to one machine. It tracks its own
// connection state, serializes requests, and maps transport failures onto the
// error kinds in the model package. It never writes status snapshots; that is
// the monitor loop's job.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

const (
	defaultTimeout = 10 * time.Second
	tracerName     = "github.com/Drustburn/bystronic-opc/internal/session"
)

// Config holds the immutable settings of a [Session].
type Config struct {
	// Machine is the machine name used in errors, logs and spans.
	Machine string

	// Address is passed verbatim to the driver.
	Address string

	// Timeout bounds connect and every request. Defaults to 10 seconds.
	Timeout time.Duration

	// Driver opens connections. Required.
	Driver Driver

	// Tracer records spans for connect and requests. Defaults to the
	// global OpenTelemetry tracer provider.
	Tracer trace.Tracer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is the connection to one machine.
//
// All methods are safe for concurrent use. Connect, Read and Call are
// strictly sequential; Disconnect and State never wait for an in-flight
// request.
type Session struct {
	cfg    Config
	tracer trace.Tracer
	logger *slog.Logger

	// reqMu serializes Connect, Read and Call.
	reqMu sync.Mutex

	// mu guards conn, state and gen.
	mu    sync.Mutex
	conn  Conn
	state model.ConnectionState
	gen   uint64 // bumped by Disconnect
}

// New creates a disconnected [Session].
func New(cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
		state:  model.StateDisconnected,
	}
}

// Machine returns the machine name.
func (s *Session) Machine() string {
	return s.cfg.Machine
}

// Address returns the machine address.
func (s *Session) Address() string {
	return s.cfg.Address
}

// State returns the current connection state.
func (s *Session) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the session within the configured timeout.
//
// Connect is a no-op when already connected. A stale connection left by a
// failed request is closed before dialling again. Failures, timeouts
// included, are reported with kind [model.ErrConnectionFailure].
func (s *Session) Connect(ctx context.Context) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	if s.state == model.StateConnected && s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	stale := s.conn
	s.conn = nil
	s.state = model.StateConnecting
	gen := s.gen
	s.mu.Unlock()

	if stale != nil {
		s.closeConn(stale)
	}

	ctx, span := s.tracer.Start(ctx, "session.connect", trace.WithAttributes(
		attribute.String("machine", s.cfg.Machine),
		attribute.String("address", s.cfg.Address),
	))
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.cfg.Driver.Dial(dialCtx, s.cfg.Address)
	if err == nil && dialCtx.Err() != nil {
		// driver ignored the deadline
		s.closeConn(conn)
		err = dialCtx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.gen == gen {
			s.state = model.StateFailed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &model.OpError{Machine: s.cfg.Machine, Op: "connect", Kind: model.ErrConnectionFailure, Err: err}
	}

	if s.gen != gen {
		go s.closeConn(conn)
		err := errors.New("disconnected while connecting")
		span.SetStatus(codes.Error, err.Error())
		return &model.OpError{Machine: s.cfg.Machine, Op: "connect", Kind: model.ErrConnectionFailure, Err: err}
	}

	s.conn = conn
	s.state = model.StateConnected
	return nil
}

// Disconnect releases the session. It always succeeds and is safe to call
// when already disconnected. An in-flight request is unblocked by closing
// its connection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = model.StateDisconnected
	s.gen++
	s.mu.Unlock()

	if conn != nil {
		s.closeConn(conn)
	}
}

// Read performs one read request against the live session.
func (s *Session) Read(ctx context.Context, selector string) (any, error) {
	return s.do(ctx, "read", selector, func(ctx context.Context, conn Conn) (any, error) {
		return conn.Read(ctx, selector)
	})
}

// Call performs one method call against the live session.
func (s *Session) Call(ctx context.Context, method string, args ...any) (any, error) {
	return s.do(ctx, "call", method, func(ctx context.Context, conn Conn) (any, error) {
		return conn.Call(ctx, method, args...)
	})
}

// do runs one request with the session deadline and maps its failure. A
// failure moves the session to failed unless the driver reported it as
// [ErrRejected].
func (s *Session) do(ctx context.Context, op, target string, fn func(context.Context, Conn) (any, error)) (any, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	conn, gen := s.conn, s.gen
	connected := s.state == model.StateConnected && conn != nil
	s.mu.Unlock()

	if !connected {
		return nil, &model.OpError{Machine: s.cfg.Machine, Op: op, Kind: model.ErrNotConnected}
	}

	ctx, span := s.tracer.Start(ctx, "session."+op, trace.WithAttributes(
		attribute.String("machine", s.cfg.Machine),
		attribute.String("target", target),
	))
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	v, err := fn(reqCtx, conn)
	if err == nil && reqCtx.Err() != nil {
		err = reqCtx.Err()
	}
	if err == nil {
		return v, nil
	}

	kind := model.ErrRequestFailure
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded)) {
		kind = model.ErrTimeout
	}

	if !errors.Is(err, ErrRejected) {
		s.mu.Lock()
		if s.gen == gen {
			s.state = model.StateFailed
		}
		s.mu.Unlock()
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, &model.OpError{Machine: s.cfg.Machine, Op: op, Kind: kind, Err: fmt.Errorf("%s: %w", target, err)}
}

// markFailed records a failure that happened after a request returned,
// e.g. an undecodable value.
func (s *Session) markFailed() {
	s.mu.Lock()
	if s.state == model.StateConnected {
		s.state = model.StateFailed
	}
	s.mu.Unlock()
}

func (s *Session) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		s.logger.Debug("connection close failed",
			"machine", s.cfg.Machine,
			"error", err.Error(),
		)
	}
}
