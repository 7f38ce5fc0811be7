// Package poller provides adaptive status polling for evaluation jobs.
//
// This package is internal to evalwatch. It tracks long-running evaluations
// by repeatedly fetching their status, slowing down as a job ages or stalls,
// and stopping once the job reaches a terminal status.
//
// The main components are:
//
//   - [Poller]: one polling loop for one evaluation
//   - [Backoff]: the non-decreasing, bounded delay curve between fetches
//   - [Gate]: shared concurrency and request-rate limit for a set of pollers
//   - [Registry]: the per-screen set of pollers, kept in line with the
//     evaluation list by [Registry.Reconcile]
//
// Users of the evalwatch library should not need to interact with this
// package directly.
package poller
