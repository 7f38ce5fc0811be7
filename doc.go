// Package evalwatch watches long-running evaluation jobs and serves a live
// dashboard of their status.
//
// evalwatch is an SDK-first library. A [Watcher] loads the evaluation list of
// each configured [Scope] from a status API, starts one adaptive poller per
// evaluation that is still in flight, and stops polling as soon as an
// evaluation completes or is cancelled. Polling slows down the longer an
// evaluation runs without progress and never speeds back up.
//
// # Quick Start
//
//	scope, _ := evalwatch.NewScope("Billing", "acme", "billing-api")
//	w, _ := evalwatch.New(
//	    evalwatch.WithBackendURL("https://reviews.example.com/api/v1"),
//	    evalwatch.WithScope(scope),
//	)
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	w.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// evalwatch uses the functional options pattern for configuration:
//
//	w, err := evalwatch.New(
//	    evalwatch.WithBackendURL(url),
//	    evalwatch.WithHeaders("Authorization", "Bearer "+token),
//	    evalwatch.WithScopes(billing, search),
//	    evalwatch.WithBackoff(evalwatch.Backoff{Min: time.Second, Max: time.Minute, Growth: 1.5}),
//	    evalwatch.WithRefreshSchedule("*/5 * * * *"),
//	    evalwatch.WithMaxConcurrency(5),
//	)
//
// # Statuses
//
// An evaluation is polled while its status is pending, in_progress,
// processing_missing_elements or failed. Failed evaluations may be retried
// by the backend, so they are still polled. Completed and cancelled are
// terminal. Statuses evalwatch does not recognise are shown but not polled.
//
// # Architecture
//
// evalwatch consists of several internal packages (under internal/):
//
//   - internal/poller: Adaptive per-evaluation pollers and their registry
//   - internal/backend: HTTP client for the evaluation status API
//   - internal/session: One scope's list loading, refresh schedule and pollers
//   - internal/store: In-memory storage with pub/sub for real-time updates
//   - internal/server: HTTP server with REST API and Server-Sent Events
//   - dashboard: Embedded web UI assets
//
// The internal packages are not part of the public API and may change
// without notice.
package evalwatch
