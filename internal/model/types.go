// Package model holds the data types shared by the session, monitor, store
// and server packages.
//
// The root bystronic package re-exports these types as aliases so callers
// never need to import an internal package.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of one machine's connection.
type ConnectionState string

const (
	// StateUnknown means no refresh cycle has completed for the machine yet.
	// Sessions never report it; only the fleet view does.
	StateUnknown ConnectionState = "unknown"

	// StateDisconnected means no session is established.
	StateDisconnected ConnectionState = "disconnected"

	// StateConnecting means a connection attempt is in progress.
	StateConnecting ConnectionState = "connecting"

	// StateConnected means the session is established and the last request succeeded.
	StateConnected ConnectionState = "connected"

	// StateFailed means the last connect or request failed.
	StateFailed ConnectionState = "failed"
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	return string(s)
}

// JobInfo describes the cutting job currently loaded on a machine.
type JobInfo struct {
	GUID      uuid.UUID  `json:"guid"`
	Name      string     `json:"name"`
	FilePath  string     `json:"file_path"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// LaserParameters are the live laser values read on every refresh.
type LaserParameters struct {
	CurrentLaserPower    float64 `json:"current_laser_power"`
	GasChannel           int     `json:"gas_channel"`
	GasPressure          float64 `json:"gas_pressure"`
	LaserPowerDeviation  float64 `json:"laser_power_deviation"`
	LaserPowerSetpoint   float64 `json:"laser_power_setpoint"`
	ProcessOperationMode int     `json:"process_operation_mode"`
}

// Snapshot is the complete, timestamped view of one machine's last-known
// status. A Snapshot is replaced wholesale; it is never mutated after being
// published.
type Snapshot struct {
	// Machine is the configured machine name.
	Machine string `json:"machine"`

	// Address is the machine's endpoint address.
	Address string `json:"address"`

	// State is the connection state at the time of the refresh.
	State ConnectionState `json:"state"`

	// CurrentJob is nil when no job is active or the refresh failed.
	CurrentJob *JobInfo `json:"current_job,omitempty"`

	// Laser is nil when the refresh failed.
	Laser *LaserParameters `json:"laser_parameters,omitempty"`

	// LastUpdate is the time of the refresh. Zero for StateUnknown.
	LastUpdate time.Time `json:"last_update"`

	// LastError is the human-readable failure message, empty on success.
	LastError string `json:"last_error,omitempty"`

	// Terminal is set when the machine's monitor loop gave up after
	// exhausting its retry limit.
	Terminal bool `json:"terminal"`

	// Labels is the machine's configured metadata.
	Labels map[string]string `json:"labels,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	cp := s
	if s.CurrentJob != nil {
		job := *s.CurrentJob
		if s.CurrentJob.CreatedAt != nil {
			t := *s.CurrentJob.CreatedAt
			job.CreatedAt = &t
		}
		cp.CurrentJob = &job
	}
	if s.Laser != nil {
		laser := *s.Laser
		cp.Laser = &laser
	}
	if s.Labels != nil {
		cp.Labels = make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			cp.Labels[k] = v
		}
	}
	return cp
}

// RunRecord is one cutting run returned by a history query.
type RunRecord struct {
	RunGUID        uuid.UUID  `json:"run_guid"`
	JobGUID        uuid.UUID  `json:"job_guid"`
	ActualCutTime  float64    `json:"actual_cut_time"`
	ActualStopTime float64    `json:"actual_stop_time"`
	ActualWaitTime float64    `json:"actual_wait_time"`
	CutStartTime   *time.Time `json:"cut_start_time,omitempty"`
	CutEndTime     *time.Time `json:"cut_end_time,omitempty"`
}

// HistoryQuery selects one page of run history.
type HistoryQuery struct {
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// HistoryPage is one bounded, ordered page of run records.
type HistoryPage struct {
	Records  []RunRecord `json:"records"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	HasMore  bool        `json:"has_more"`
}

// Transition is one recorded change of a machine's connection state.
type Transition struct {
	Machine string          `json:"machine"`
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	At      time.Time       `json:"at"`
	Error   string          `json:"error,omitempty"`
}
