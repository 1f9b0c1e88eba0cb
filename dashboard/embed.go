// Package dashboard provides the embedded web UI for the fleet monitor.
//
// The page is compiled into the binary with Go's embed directive, so the
// monitor deploys as a single file. It is served at "/" by the server
// package; the title placeholder is substituted at request time.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Machine grid with inline CSS and an SSE client
//
//go:embed assets/*
var Assets embed.FS
