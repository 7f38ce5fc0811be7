// Package store provides storage and pub/sub functionality for evaluation
// records.
//
// This package is internal to evalwatch and holds the in-memory view of
// every watched scope. It implements a publish-subscribe pattern for
// real-time updates to connected dashboard clients.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [Record]: Storage representation of one evaluation in one scope
//   - [ScopeState]: Outcome of a scope's latest list load
//
// A status update only ever rewrites the record it targets; every other
// record keeps its stored value. Subscribers receive events via channels
// with non-blocking sends (slow subscribers will miss events rather than
// block the system).
//
// Users of the evalwatch library should not need to interact with this
// package directly. Storage is managed internally by the Watcher.
package store
