package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

// CurrentJob reads the job currently loaded on the machine. It returns nil
// when no job is active.
func (s *Session) CurrentJob(ctx context.Context) (*model.JobInfo, error) {
	v, err := s.Read(ctx, SelectorCurrentJob)
	if err != nil {
		return nil, err
	}
	job, err := decodeJob(v)
	if err != nil {
		return nil, s.decodeError("read", err)
	}
	return job, nil
}

// LaserParameters reads the six live laser values in order. The first
// failed read fails the whole call.
func (s *Session) LaserParameters(ctx context.Context) (*model.LaserParameters, error) {
	values := make([]any, len(LaserSelectors))
	for i, sel := range LaserSelectors {
		v, err := s.Read(ctx, sel)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	var (
		p   model.LaserParameters
		err error
	)
	if p.CurrentLaserPower, err = toFloat(values[0]); err != nil {
		return nil, s.decodeError("read", fmt.Errorf("%s: %w", SelectorCurrentLaserPower, err))
	}
	if p.GasChannel, err = toInt(values[1]); err != nil {
		return nil, s.decodeError("read", fmt.Errorf("%s: %w", SelectorGasChannel, err))
	}
	if p.GasPressure, err = toFloat(values[2]); err != nil {
		return nil, s.decodeError("read", fmt.Errorf("%s: %w", SelectorGasPressure, err))
	}
	if p.LaserPowerDeviation, err = toFloat(values[3]); err != nil {
		return nil, s.decodeError("read", fmt.Errorf("%s: %w", SelectorLaserPowerDeviation, err))
	}
	if p.LaserPowerSetpoint, err = toFloat(values[4]); err != nil {
		return nil, s.decodeError("read", fmt.Errorf("%s: %w", SelectorLaserPowerSetpoint, err))
	}
	if p.ProcessOperationMode, err = toInt(values[5]); err != nil {
		return nil, s.decodeError("read", fmt.Errorf("%s: %w", SelectorProcessOperationMode, err))
	}
	return &p, nil
}

// RunHistory fetches one page of run records between q.From and q.To.
// HasMore is set when the page came back full.
func (s *Session) RunHistory(ctx context.Context, q model.HistoryQuery) (model.HistoryPage, error) {
	if q.Page < 1 || q.PageSize < 1 {
		return model.HistoryPage{}, &model.OpError{
			Machine: s.cfg.Machine,
			Op:      "history",
			Kind:    model.ErrConfiguration,
			Err:     fmt.Errorf("page %d and page size %d must be at least 1", q.Page, q.PageSize),
		}
	}
	if q.To.Before(q.From) {
		return model.HistoryPage{}, &model.OpError{
			Machine: s.cfg.Machine,
			Op:      "history",
			Kind:    model.ErrConfiguration,
			Err:     fmt.Errorf("range end %s is before start %s", q.To, q.From),
		}
	}

	v, err := s.Call(ctx, MethodGetRunHistory, q.From, q.To, int32(q.Page), int32(q.PageSize))
	if err != nil {
		return model.HistoryPage{}, err
	}
	records, err := decodeRunHistory(v)
	if err != nil {
		return model.HistoryPage{}, s.decodeError("call", err)
	}
	if records == nil {
		records = []model.RunRecord{}
	}
	return model.HistoryPage{
		Records:  records,
		Page:     q.Page,
		PageSize: q.PageSize,
		HasMore:  len(records) == q.PageSize,
	}, nil
}

// JobInfo returns the detailed description of a job, or nil if unknown.
func (s *Session) JobInfo(ctx context.Context, job uuid.UUID) (map[string]any, error) {
	return s.callObject(ctx, MethodGetJobInfo, job, false)
}

// PlanInfo returns the first plan of a job, or nil if it has none.
func (s *Session) PlanInfo(ctx context.Context, job uuid.UUID) (map[string]any, error) {
	return s.callObject(ctx, MethodGetPlanInfos, job, true)
}

// PartInfo returns the first part of a job, or nil if it has none.
func (s *Session) PartInfo(ctx context.Context, job uuid.UUID) (map[string]any, error) {
	return s.callObject(ctx, MethodGetPartInfos, job, true)
}

// ScreenImage captures the machine's HMI screen. The bytes are returned as
// the controller sends them, normally a PNG.
func (s *Session) ScreenImage(ctx context.Context) ([]byte, error) {
	v, err := s.Call(ctx, MethodGetScreenImage, screenImageWidth, screenImageQuality)
	if err != nil {
		return nil, err
	}
	img, err := decodeImage(v)
	if err != nil {
		return nil, s.decodeError("call", fmt.Errorf("%s: %w", MethodGetScreenImage, err))
	}
	return img, nil
}

func (s *Session) callObject(ctx context.Context, method string, job uuid.UUID, first bool) (map[string]any, error) {
	v, err := s.Call(ctx, method, job)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(v, first)
	if err != nil {
		return nil, s.decodeError("call", fmt.Errorf("%s: %w", method, err))
	}
	return obj, nil
}

// decodeError reports an undecodable value. Only unreadable node values fail
// the session; an odd method result leaves the connection usable.
func (s *Session) decodeError(op string, err error) error {
	if op == "read" {
		s.markFailed()
	}
	return &model.OpError{Machine: s.cfg.Machine, Op: op, Kind: model.ErrRequestFailure, Err: err}
}
