// Package server provides the HTTP API for tracker observation.
//
// This package is internal to streamgauge and handles all HTTP concerns:
//
//   - REST API: JSON endpoint at "/api/status" for current gauge snapshots
//   - Control view: "/api/control" for the learned scheduling parameters
//   - Server-Sent Events: Real-time updates at "/api/sse"
//   - Prometheus scrape endpoint at "/metrics"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
//
// Users of the streamgauge library should not need to interact with this
// package directly. The server is started by the tracker when a port is
// configured.
package server
