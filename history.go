package bystronic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Drustburn/bystronic-opc/internal/model"
	"github.com/Drustburn/bystronic-opc/internal/session"
)

// QueryHistory fetches one page of cutting runs recorded by the named
// machine between from and to.
//
// The query uses the machine's existing session and is never retried: if
// the session is not connected it fails immediately with an error of kind
// [ErrNotConnected]. Pages are 1-based; HasMore is set when the page came
// back full. Queries against the same machine are paced by the query
// interval (see [WithQueryInterval]).
func (fm *FleetMonitor) QueryHistory(ctx context.Context, name string, from, to time.Time, page, pageSize int) (HistoryPage, error) {
	s, err := fm.querySession(ctx, name, "history")
	if err != nil {
		return HistoryPage{}, err
	}
	return s.RunHistory(ctx, model.HistoryQuery{
		From:     from,
		To:       to,
		Page:     page,
		PageSize: pageSize,
	})
}

// JobInfo returns the controller's description of a job, or nil if the
// machine does not know it. Same connection rules as
// [FleetMonitor.QueryHistory].
func (fm *FleetMonitor) JobInfo(ctx context.Context, name string, job uuid.UUID) (map[string]any, error) {
	s, err := fm.querySession(ctx, name, "job info")
	if err != nil {
		return nil, err
	}
	return s.JobInfo(ctx, job)
}

// PlanInfo returns the first cutting plan of a job, or nil if it has none.
func (fm *FleetMonitor) PlanInfo(ctx context.Context, name string, job uuid.UUID) (map[string]any, error) {
	s, err := fm.querySession(ctx, name, "plan info")
	if err != nil {
		return nil, err
	}
	return s.PlanInfo(ctx, job)
}

// PartInfo returns the first part of a job, or nil if it has none.
func (fm *FleetMonitor) PartInfo(ctx context.Context, name string, job uuid.UUID) (map[string]any, error) {
	s, err := fm.querySession(ctx, name, "part info")
	if err != nil {
		return nil, err
	}
	return s.PartInfo(ctx, job)
}

// ScreenImage captures the named machine's HMI screen and returns the
// image bytes as sent by the controller, normally a PNG. Same connection
// rules as [FleetMonitor.QueryHistory].
func (fm *FleetMonitor) ScreenImage(ctx context.Context, name string) ([]byte, error) {
	s, err := fm.querySession(ctx, name, "screen image")
	if err != nil {
		return nil, err
	}
	return s.ScreenImage(ctx)
}

// querySession returns the connected session of a machine once its query
// limiter admits another request.
func (fm *FleetMonitor) querySession(ctx context.Context, name, op string) (*session.Session, error) {
	s, ok := fm.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMachine, name)
	}
	if s.State() != StateConnected {
		return nil, &OpError{Machine: name, Op: op, Kind: ErrNotConnected}
	}
	if err := fm.limiters[name].Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, op, err)
	}
	return s, nil
}

// Transitions returns up to limit recorded connection-state transitions of
// the named machine, newest first. A limit of zero or less returns all of
// them.
//
// Returns an error of kind [ErrJournalDisabled] unless the fleet was created
// with [WithJournal].
func (fm *FleetMonitor) Transitions(ctx context.Context, name string, limit int) ([]Transition, error) {
	if _, ok := fm.index[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMachine, name)
	}
	if fm.journal == nil {
		return nil, ErrJournalDisabled
	}
	return fm.journal.Transitions(ctx, name, limit)
}
