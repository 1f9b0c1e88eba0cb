package bystronic

import "github.com/Drustburn/bystronic-opc/internal/model"

// ConnectionState is the lifecycle state of one machine's connection.
//
// ConnectionState is a string type so it serializes to readable JSON and
// logs. A machine whose monitor loop has not completed its first refresh
// cycle reports [StateUnknown], which is distinct from [StateDisconnected].
type ConnectionState = model.ConnectionState

const (
	// StateUnknown means no refresh cycle has completed for the machine yet.
	StateUnknown = model.StateUnknown

	// StateDisconnected means no session is established.
	StateDisconnected = model.StateDisconnected

	// StateConnecting means a connection attempt is in progress.
	StateConnecting = model.StateConnecting

	// StateConnected means the session is established and the most recent
	// read succeeded.
	StateConnected = model.StateConnected

	// StateFailed means the last connect or read failed. Snapshots in this
	// state carry the error message in LastError.
	StateFailed = model.StateFailed
)

// StatusSnapshot is the complete, timestamped view of one machine's
// last-known status.
//
// A snapshot is replaced wholesale on every refresh, successful or not.
// Every snapshot returned by [FleetMonitor] is a private copy.
type StatusSnapshot = model.Snapshot

// JobInfo describes the job currently loaded on a machine.
type JobInfo = model.JobInfo

// LaserParameters are the live laser values read on every refresh.
type LaserParameters = model.LaserParameters

// RunRecord is one cutting run returned by [FleetMonitor.QueryHistory].
type RunRecord = model.RunRecord

// HistoryPage is one bounded, ordered page of run records. HasMore is set
// when the page came back full, meaning the next page may hold more records.
type HistoryPage = model.HistoryPage

// Transition is one recorded change of a machine's connection state.
type Transition = model.Transition
