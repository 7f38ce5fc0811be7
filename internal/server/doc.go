// Package server provides the HTTP server for the evalwatch dashboard and API.
//
// This package is internal to evalwatch and handles all HTTP concerns:
//
//   - Dashboard serving: Serves the embedded HTML/CSS/JS dashboard at "/"
//   - REST API: JSON endpoints under "/api" for records and scope state
//   - Server-Sent Events: Real-time store events at "/api/sse"
//
// Routing uses chi. The server supports graceful shutdown via context
// cancellation, with a 5-second timeout for in-flight requests.
//
// Users of the evalwatch library should not need to interact with this
// package directly. The server is started automatically by
// [evalwatch.Watcher.Start].
package server
