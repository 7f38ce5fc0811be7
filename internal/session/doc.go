// Package session runs the watch of one scope of evaluations.
//
// A [Session] is what a dashboard screen is to a user: it loads the scope's
// evaluation list, keeps a poller running for every in-flight evaluation,
// feeds each fetched status into the shared store and refreshes the list on
// a cron schedule. Closing the session stops every poller it owns.
package session
