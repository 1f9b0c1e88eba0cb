// Package server provides the HTTP server for the fleet dashboard and API.
//
// This package is internal and handles all HTTP concerns:
//
//   - Dashboard serving: Serves the embedded HTML/CSS/JS dashboard at "/"
//   - REST API: JSON endpoints under "/api/machines" for snapshots, run
//     history, job lookups, state transitions and loop restarts, plus the
//     raw screen capture at "/api/machines/{name}/screen"
//   - Server-Sent Events: Real-time snapshot updates at "/api/sse"
//
// Error kinds map to status codes: unknown machines are 404, machines
// without a session are 503, controller failures are 502 and timeouts 504.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
