// Package monitor runs the per-machine refresh loops.
//
// Each [Loop] owns one machine session and moves through the phases
//
//	Idle → Connecting → Polling → Backoff → Connecting → … → Stopped
//
// Polling reads the current job and laser parameters on every cycle and
// hands a complete snapshot to its [Sink]. Failures are absorbed here: a
// failed read or connect produces a failed snapshot and an exponential
// backoff bounded by [Policy]. When reconnects keep failing past the
// retry limit, the loop publishes a terminal snapshot and stops for good.
//
// Loops share nothing but their sink, so a slow or unreachable machine
// never delays another machine's refresh.
package monitor
