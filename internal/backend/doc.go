// Package backend is the HTTP client for the evaluation status API.
//
// This package is internal to evalwatch. It loads the evaluation list of a
// scope and fetches the status of a single evaluation, classifying every
// failure as a transport error, a [*StatusError] or [ErrMalformedPayload].
package backend
